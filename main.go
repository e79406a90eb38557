package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quackmail/auth"
	"quackmail/config"
	"quackmail/handlers/api"
	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/storage"
	"quackmail/utils"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.toml", "path to the TOML config file")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		utils.Log.Error("quackmail stopped: %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	utils.Configure(utils.ParseLogLevel(cfg.Log.Level), cfg.Log.Format)
	utils.Log.Info("Initializing quackmail...")

	if err := utils.InitI18n(); err != nil {
		utils.Log.Error("Failed to initialize i18n: %v", err)
	}

	db, err := storage.InitDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	accounts := storage.NewAccountStorage(db)
	creds := storage.NewCredentialStorage(db, []byte(cfg.Encryption.Key))
	sessions := storage.NewSessionStorage(db)

	authService, err := auth.NewService(
		accounts, creds, sessions,
		auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.SessionTTL.Duration),
		mail.IMAPProber{DialTimeout: cfg.Mail.DialTimeout.Duration},
		cfg.IMAP, cfg.SMTP,
	)
	if err != nil {
		return err
	}

	handles, err := mail.NewHandleCache(creds, mail.Options{
		MaxHandles:   cfg.Mail.MaxHandles,
		IdleTimeout:  cfg.Mail.IdleTimeout.Duration,
		DialTimeout:  cfg.Mail.DialTimeout.Duration,
		SanitizeHTML: cfg.Mail.SanitizeHTML,
	})
	if err != nil {
		return err
	}
	defer handles.Close()

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window.Duration)
	authLimiter := middleware.NewRateLimiter(cfg.RateLimit.AuthRequests, cfg.RateLimit.Window.Duration)

	app := api.NewApp(api.Deps{
		Config:      cfg,
		Auth:        authService,
		Credentials: creds,
		Handles:     handles,
		Limiter:     limiter,
		AuthLimiter: authLimiter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		authService.RunReaper(gctx, cfg.Sessions.ReapInterval.Duration)
		return nil
	})
	g.Go(func() error {
		handles.RunIdleReaper(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.RunCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		authLimiter.RunCleanup(gctx)
		return nil
	})
	g.Go(func() error {
		utils.Log.Info("Starting server on %s", cfg.Server.Addr())
		return app.Listen(cfg.Server.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		utils.Log.Info("Shutting down...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	return g.Wait()
}
