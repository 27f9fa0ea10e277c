package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
	"github.com/omnibridge/omnibridge/gateway"
	"github.com/omnibridge/omnibridge/gateway/syncsched"
	"github.com/omnibridge/omnibridge/gateway/tokens"
	"github.com/omnibridge/omnibridge/infrastructure/dedup"
	"github.com/omnibridge/omnibridge/infrastructure/events"
	"github.com/omnibridge/omnibridge/infrastructure/messenger"
	"github.com/omnibridge/omnibridge/infrastructure/shopchat"
	"github.com/omnibridge/omnibridge/infrastructure/storage"
	"github.com/omnibridge/omnibridge/infrastructure/telegram"
	"github.com/omnibridge/omnibridge/infrastructure/valkey"
	"github.com/omnibridge/omnibridge/infrastructure/whatsapp"
	"github.com/omnibridge/omnibridge/pkg/crypto"
	"github.com/omnibridge/omnibridge/pkg/msgworker"
	"github.com/omnibridge/omnibridge/pkg/webhooksig"
	"github.com/omnibridge/omnibridge/ui/rest"
	"github.com/omnibridge/omnibridge/ui/rest/middleware"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Run the channel gateway with its HTTP API",
	Run:   restServer,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func restServer(_ *cobra.Command, _ []string) {
	cfg := config.Global

	db, err := storage.NewDatabase(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	store, err := storage.NewGormStore(db, crypto.NewCipher(cfg.Security.SecretKey))
	if err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	bus := channel.NewEventBus()
	secrets := webhooksig.NewRegistry()
	verifier := webhooksig.NewVerifier(secrets, cfg.Channels.ShopChat.WebhookFreshness)
	verifier.AllowUnsigned = cfg.Security.WebhookAllowUnsigned

	var dedupCache dedup.Cache
	var valkeyClient *valkey.Client
	if cfg.Database.ValkeyEnabled {
		valkeyClient, err = valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.Fatalf("Failed to connect to valkey: %v", err)
		}
		dedupCache = dedup.NewValkeyCache(valkeyClient, dedup.DefaultTTL)
	} else {
		dedupCache = dedup.NewMemoryCache(dedup.DefaultTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := msgworker.NewMessageWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize)
	pool.Start(ctx)

	tokenManager := tokens.NewManager(store, bus, cfg.Tokens)
	tokenManager.StartSweep()

	scheduler := syncsched.NewScheduler(cfg.Sync, bus)

	gw := gateway.NewManager(gateway.Deps{
		Store:   store,
		Bus:     bus,
		Secrets: secrets,
		Tokens:  tokenManager,
		Pool:    pool,
		Dedup:   dedupCache,
	})

	whatsappAdapter := whatsapp.NewAdapter(whatsapp.Options{
		Settings:     cfg.Channels.WhatsApp,
		StoragesPath: cfg.Paths.Storages,
		Store:        store,
		Bus:          bus,
		Scheduler:    scheduler,
		OnMessage:    gw.HandleIncoming,
	})
	messengerAdapter := messenger.NewAdapter(messenger.Options{
		Settings:  cfg.Channels.Messenger,
		Store:     store,
		Bus:       bus,
		OnMessage: gw.HandleIncoming,
	})
	shopchatAdapter := shopchat.NewAdapter(shopchat.Options{
		Settings:  cfg.Channels.ShopChat,
		Store:     store,
		Bus:       bus,
		OnMessage: gw.HandleIncoming,
	})
	telegramAdapter := telegram.NewAdapter(telegram.Options{
		Settings:  cfg.Channels.Telegram,
		Store:     store,
		Bus:       bus,
		OnMessage: gw.HandleIncoming,
	})
	gw.RegisterAdapter(whatsappAdapter)
	gw.RegisterAdapter(messengerAdapter)
	gw.RegisterAdapter(shopchatAdapter)
	gw.RegisterAdapter(telegramAdapter)

	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		publisher, err = events.NewPublisher(cfg.NATS, bus)
		if err != nil {
			logrus.Fatalf("Failed to connect to NATS: %v", err)
		}
	}

	// Persist connect/disconnect transitions so restarts resume sessions.
	bindAccountPersistence(gw, store)
	resumeAccounts(ctx, gw, store)

	app := fiber.New(fiber.Config{
		Network:               "tcp",
		AppName:               "Omnibridge Gateway",
		DisableStartupMessage: false,
		ServerHeader:          "Hidden",
		BodyLimit:             32 * 1024 * 1024,
	})

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.App.CorsAllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))
	if cfg.App.Debug {
		app.Use(fiberlogger.New())
	}

	api := app.Group(cfg.App.BasePath)
	rest.InitRestHealth(api, gw)
	rest.InitRestChannel(api, gw)
	rest.InitRestWebhook(api, rest.Webhook{
		Verifier:    verifier,
		VerifyToken: cfg.Security.WebhookVerifyToken,
		Messenger:   messengerAdapter,
		ShopChat:    shopchatAdapter,
	})

	go func() {
		if err := app.Listen(":" + cfg.App.Port); err != nil {
			logrus.Fatalf("HTTP server stopped: %v", err)
		}
	}()
	logrus.Infof("[REST] Gateway listening on :%s", cfg.App.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("[REST] Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = app.ShutdownWithTimeout(10 * time.Second)
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("[REST] Gateway shutdown incomplete")
	}
	if publisher != nil {
		publisher.Close()
	}
	if valkeyClient != nil {
		valkeyClient.Close()
	}
	cancel()
	logrus.Info("[REST] Shutdown complete")
}

// bindAccountPersistence mirrors gateway status transitions into durable
// account rows so sessions resume on the next boot.
func bindAccountPersistence(gw *gateway.Manager, store *storage.GormStore) {
	gw.OnConnected(func(ctx context.Context, accountID string, creds channel.Credentials) {
		if err := store.SaveAccount(ctx, accountID, creds); err != nil {
			logrus.WithError(err).Warnf("[REST] Failed to persist account %s", accountID)
		}
	})
	gw.OnDisconnected(func(ctx context.Context, accountID string) {
		if err := store.DeactivateAccount(ctx, accountID); err != nil {
			logrus.WithError(err).Warnf("[REST] Failed to deactivate account %s", accountID)
		}
	})
}

func resumeAccounts(ctx context.Context, gw *gateway.Manager, store *storage.GormStore) {
	accounts, err := store.ListActiveAccounts(ctx)
	if err != nil {
		logrus.WithError(err).Warn("[REST] Could not list stored accounts, starting empty")
		return
	}
	for accountID, creds := range accounts {
		if _, err := gw.Connect(ctx, accountID, creds); err != nil {
			logrus.WithError(err).Warnf("[REST] Could not resume account %s", accountID)
		}
	}
	if len(accounts) > 0 {
		logrus.Infof("[REST] Resumed %d stored account(s)", len(accounts))
	}
}
