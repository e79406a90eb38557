package mail

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"quackmail/metrics"
	"quackmail/models"
	"quackmail/storage"
	"quackmail/utils"
)

// CredentialSource loads an account's decrypted mail credentials
type CredentialSource interface {
	Get(ctx context.Context, accountID string) (*models.MailCredential, error)
}

// HandleCache holds at most one Handle per account, bounded by an LRU.
// Evicted handles are closed; idle ones are disconnected but kept.
type HandleCache struct {
	creds CredentialSource
	opts  Options

	handles *lru.Cache[string, *Handle]
	group   singleflight.Group

	// gens counts evictions per account; a build that saw an older
	// generation must not be cached
	mu   sync.Mutex
	gens map[string]uint64

	// closing evicted handles happens off the caller's goroutine
	closing sync.WaitGroup
}

func NewHandleCache(creds CredentialSource, opts Options) (*HandleCache, error) {
	if opts.Transport == nil {
		opts.Transport = &SMTPTransport{Timeout: opts.DialTimeout}
	}

	c := &HandleCache{creds: creds, opts: opts, gens: make(map[string]uint64)}

	handles, err := lru.NewWithEvict(opts.MaxHandles, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create handle cache: %w", err)
	}
	c.handles = handles

	return c, nil
}

func (c *HandleCache) onEvict(accountID string, h *Handle) {
	metrics.Handles.Set(float64(c.handles.Len()))
	metrics.HandleEvictions.WithLabelValues("evicted").Inc()
	utils.Log.WithField("account", accountID).Debug("Evicting mail handle")

	c.closing.Add(1)
	go func() {
		defer c.closing.Done()
		h.Close()
	}()
}

// Get returns the account's handle, building it on first use. Concurrent
// first calls for one account share a single construction. The handle is
// not connected yet.
func (c *HandleCache) Get(ctx context.Context, accountID string) (*Handle, error) {
	if h, ok := c.handles.Get(accountID); ok {
		return h, nil
	}

	v, err, _ := c.group.Do(accountID, func() (interface{}, error) {
		if h, ok := c.handles.Get(accountID); ok {
			return h, nil
		}

		for {
			gen := c.generation(accountID)

			cred, err := c.creds.Get(ctx, accountID)
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNoCredentials
			}
			if err != nil {
				return nil, err
			}

			h := newHandle(cred, c.opts)
			if c.addIfCurrent(accountID, gen, h) {
				metrics.Handles.Set(float64(c.handles.Len()))
				return h, nil
			}
			// evicted while loading; the credentials may be stale
			h.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Evict drops and closes the account's handle, if any. Used after the
// account's credentials change.
func (c *HandleCache) Evict(accountID string) {
	c.mu.Lock()
	c.gens[accountID]++
	c.handles.Remove(accountID)
	c.mu.Unlock()
}

func (c *HandleCache) generation(accountID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[accountID]
}

func (c *HandleCache) addIfCurrent(accountID string, gen uint64, h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[accountID] != gen {
		return false
	}
	c.handles.Add(accountID, h)
	return true
}

// Len returns the number of cached handles
func (c *HandleCache) Len() int {
	return c.handles.Len()
}

// DisconnectIdle closes the sessions of handles unused for longer than the
// idle timeout and returns how many were disconnected.
func (c *HandleCache) DisconnectIdle(now time.Time) int {
	n := 0
	for _, id := range c.handles.Keys() {
		h, ok := c.handles.Peek(id)
		if !ok {
			continue
		}
		if h.disconnectIfIdle(c.opts.IdleTimeout, now) {
			n++
			metrics.HandleEvictions.WithLabelValues("idle").Inc()
		}
	}
	if n > 0 {
		utils.Log.Debug("Disconnected %d idle mail sessions", n)
	}
	return n
}

// RunIdleReaper disconnects idle sessions until ctx is done
func (c *HandleCache) RunIdleReaper(ctx context.Context) {
	if c.opts.IdleTimeout <= 0 {
		return
	}

	interval := c.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.DisconnectIdle(now)
		}
	}
}

// Close evicts every handle and waits for their sessions to close
func (c *HandleCache) Close() {
	c.handles.Purge()
	c.closing.Wait()
	metrics.Handles.Set(0)
}
