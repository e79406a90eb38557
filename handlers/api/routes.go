package api

import (
	"strings"
	"time"

	"quackmail/auth"
	"quackmail/config"
	"quackmail/mail"
	"quackmail/middleware"
	"quackmail/storage"
	"quackmail/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the HTTP layer is built on
type Deps struct {
	Config      *config.Config
	Auth        *auth.Service
	Credentials *storage.CredentialStorage
	Handles     *mail.HandleCache
	Limiter     *middleware.RateLimiter
	AuthLimiter *middleware.RateLimiter
}

// NewApp builds the fiber application with every route mounted
func NewApp(d Deps) *fiber.App {
	cfg := d.Config

	app := fiber.New(fiber.Config{
		AppName:               "quackmail",
		BodyLimit:             cfg.Server.BodyLimitMB * 1024 * 1024,
		ErrorHandler:          ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} ${status} ${method} ${path} ${latency}\n",
		TimeFormat: time.RFC3339,
	}))
	app.Use(compress.New())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	}))
	app.Use(middleware.LocaleMiddleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"time":    time.Now().Format(time.RFC3339),
			"handles": d.Handles.Len(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	origins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}
	apiRoutes := app.Group("/api", cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}), d.Limiter.Handler())

	authHandler := NewAuthHandler(d.Auth)
	credHandler := NewCredentialHandler(d.Credentials, d.Handles)
	mailboxHandler := NewMailboxHandler(d.Handles)
	sendHandler := NewSendHandler(d.Handles)
	rpcHandler := NewRPCHandler(d.Auth, d.AuthLimiter, authHandler, credHandler, mailboxHandler, sendHandler)
	i18nHandler := &I18nHandler{}

	requireAuth := middleware.RequireAuth(d.Auth)

	// Public routes
	apiRoutes.Post("/auth/register", d.AuthLimiter.Handler(), authHandler.Register)
	apiRoutes.Post("/auth/login", d.AuthLimiter.Handler(), authHandler.Login)
	apiRoutes.Get("/i18n/:lang", i18nHandler.GetTranslations)

	// RPC procedures check their own authentication
	apiRoutes.Get("/trpc/:procedure", rpcHandler.Serve)
	apiRoutes.Post("/trpc/:procedure", rpcHandler.Serve)

	// Protected routes
	apiRoutes.Post("/auth/logout", requireAuth, authHandler.Logout)

	user := apiRoutes.Group("/user", requireAuth)
	{
		user.Get("/profile", authHandler.Profile)
		user.Get("/credentials", credHandler.Get)
		user.Put("/credentials", credHandler.Update)
	}

	apiRoutes.Get("/folders", requireAuth, mailboxHandler.Folders)

	messages := apiRoutes.Group("/messages", requireAuth)
	{
		messages.Get("/", mailboxHandler.List)
		messages.Get("/:id", mailboxHandler.Get)
		messages.Put("/:id/read", mailboxHandler.MarkRead)
		messages.Delete("/:id", mailboxHandler.Delete)
	}

	apiRoutes.Post("/compose", requireAuth, sendHandler.HandleSend)

	// 404 Handler for undefined routes
	app.Use(func(c *fiber.Ctx) error {
		return utils.NotFoundError("error_404", nil)
	})

	return app
}
