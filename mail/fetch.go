package mail

import (
	"context"
	"slices"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"quackmail/metrics"
	"quackmail/models"
	"quackmail/utils"
)

func fetchOptions(section *imap.FetchItemBodySection) *imap.FetchOptions {
	return &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
}

// Folders lists selectable mailboxes with their unseen counts. A failed
// STATUS only zeroes that folder's count.
func (h *Handle) Folders(ctx context.Context) ([]models.Folder, error) {
	var folders []models.Folder

	err := h.do(ctx, "list", func(c *imapclient.Client) error {
		mailboxes, err := c.List("", "*", nil).Collect()
		if err != nil {
			return err
		}

		folders = make([]models.Folder, 0, len(mailboxes))
		for _, mb := range mailboxes {
			if slices.Contains(mb.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}

			folder := models.Folder{Name: mb.Mailbox}
			status, err := c.Status(mb.Mailbox, &imap.StatusOptions{NumUnseen: true}).Wait()
			if err != nil {
				utils.Log.WithField("account", h.accountID).Warn("STATUS %s failed: %v", mb.Mailbox, err)
			} else if status.NumUnseen != nil {
				folder.Count = int(*status.NumUnseen)
			}
			folders = append(folders, folder)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// ListMessages returns one newest-first page of folder. Messages that fail
// to parse are logged and left out of the page.
func (h *Handle) ListMessages(ctx context.Context, folder string, page, limit int) ([]models.Message, error) {
	if folder == "" {
		folder = models.DefaultFolder
	}

	messages := []models.Message{}

	err := h.do(ctx, "fetch", func(c *imapclient.Client) error {
		sel, err := c.Select(folder, nil).Wait()
		if err != nil {
			return err
		}

		r, ok := models.PageRange(int(sel.NumMessages), page, limit)
		if !ok {
			return nil
		}

		var set imap.SeqSet
		set.AddRange(r.Start, r.End)

		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(set, fetchOptions(section)).Collect()
		if err != nil {
			return err
		}

		for _, buf := range bufs {
			msg, err := normalize(buf, section, folder, h.opts.SanitizeHTML)
			if err != nil {
				metrics.ParseFailures.Inc()
				utils.Log.WithFields(map[string]interface{}{
					"account": h.accountID,
					"folder":  folder,
					"seq":     buf.SeqNum,
				}).Warn("Skipping unparsable message: %v", err)
				continue
			}
			messages = append(messages, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Date.After(messages[j].Date)
	})
	return messages, nil
}

// GetMessage fetches one message by UID. It returns nil, nil when the
// folder holds no such message.
func (h *Handle) GetMessage(ctx context.Context, folder string, uid uint32) (*models.Message, error) {
	if folder == "" {
		folder = models.DefaultFolder
	}

	var msg *models.Message

	err := h.do(ctx, "fetch", func(c *imapclient.Client) error {
		if _, err := c.Select(folder, nil).Wait(); err != nil {
			return err
		}

		section := &imap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(imap.UIDSetNum(imap.UID(uid)), fetchOptions(section)).Collect()
		if err != nil {
			return err
		}

		for _, buf := range bufs {
			if uint32(buf.UID) != uid {
				continue
			}
			m, err := normalize(buf, section, folder, h.opts.SanitizeHTML)
			if err != nil {
				return err
			}
			msg = m
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead adds \Seen to the message. Marking a seen message is a no-op.
func (h *Handle) MarkRead(ctx context.Context, folder string, uid uint32) error {
	if folder == "" {
		folder = models.DefaultFolder
	}

	return h.do(ctx, "mark_read", func(c *imapclient.Client) error {
		if _, err := c.Select(folder, nil).Wait(); err != nil {
			return err
		}
		return storeFlag(c, imap.UIDSetNum(imap.UID(uid)), imap.StoreFlagsAdd, imap.FlagSeen)
	})
}

// Delete flags the message \Deleted and purges only that message. Servers
// with UIDPLUS get UID EXPUNGE. Otherwise other messages already flagged
// \Deleted are unflagged around a plain EXPUNGE and flagged again after.
func (h *Handle) Delete(ctx context.Context, folder string, uid uint32) error {
	if folder == "" {
		folder = models.DefaultFolder
	}

	return h.do(ctx, "delete", func(c *imapclient.Client) error {
		if _, err := c.Select(folder, nil).Wait(); err != nil {
			return err
		}

		target := imap.UIDSetNum(imap.UID(uid))
		caps := c.Caps()

		if caps.Has(imap.CapUIDPlus) || caps.Has(imap.CapIMAP4rev2) {
			if err := storeFlag(c, target, imap.StoreFlagsAdd, imap.FlagDeleted); err != nil {
				return err
			}
			return c.UIDExpunge(target).Close()
		}

		found, err := c.UIDSearch(&imap.SearchCriteria{
			Flag: []imap.Flag{imap.FlagDeleted},
		}, nil).Wait()
		if err != nil {
			return err
		}

		var others []imap.UID
		for _, u := range found.AllUIDs() {
			if u != imap.UID(uid) {
				others = append(others, u)
			}
		}
		protected := imap.UIDSetNum(others...)

		if len(others) > 0 {
			if err := storeFlag(c, protected, imap.StoreFlagsDel, imap.FlagDeleted); err != nil {
				return err
			}
		}

		purgeErr := storeFlag(c, target, imap.StoreFlagsAdd, imap.FlagDeleted)
		if purgeErr == nil {
			purgeErr = c.Expunge().Close()
		}

		if len(others) > 0 {
			if err := storeFlag(c, protected, imap.StoreFlagsAdd, imap.FlagDeleted); err != nil {
				utils.Log.WithFields(map[string]interface{}{
					"account": h.accountID,
					"folder":  folder,
					"uids":    protected.String(),
				}).Error("Failed to restore \\Deleted flags: %v", err)
			}
		}

		return purgeErr
	})
}

func storeFlag(c *imapclient.Client, set imap.UIDSet, op imap.StoreFlagsOp, flag imap.Flag) error {
	return c.Store(set, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imap.Flag{flag},
	}, nil).Close()
}
