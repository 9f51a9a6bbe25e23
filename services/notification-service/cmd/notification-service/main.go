package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/voidstone-studio/voidstone/libs/config"
	"github.com/voidstone-studio/voidstone/libs/db"
	"github.com/voidstone-studio/voidstone/libs/httpx"
	"github.com/voidstone-studio/voidstone/libs/kafkax"
	otelx "github.com/voidstone-studio/voidstone/libs/otel"
	"github.com/voidstone-studio/voidstone/libs/runtime"
	"github.com/voidstone-studio/voidstone/services/notification-service/internal/consumer"
	"github.com/voidstone-studio/voidstone/services/notification-service/internal/dispatch"
	"github.com/voidstone-studio/voidstone/services/notification-service/internal/sms"
	"github.com/voidstone-studio/voidstone/services/notification-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8086")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 5))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()
	if config.Bool("MIGRATE_ON_START", true) {
		if err := db.Migrate(ctx, pool, storage.Migrations, storage.MigrationsDir, logger); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}
	repo := storage.NewRepository(pool)

	var sender sms.Sender
	switch provider := strings.ToLower(config.String("SMS_PROVIDER", "log")); provider {
	case "webhook":
		sender = sms.NewWebhookSender(
			config.String("SMS_WEBHOOK_URL", ""),
			config.String("SMS_WEBHOOK_TOKEN", ""),
			config.Duration("SMS_TIMEOUT", 5*time.Second),
		)
	case "log":
		sender = sms.NewLogSender(logger)
	default:
		panic("unknown SMS_PROVIDER: " + provider)
	}

	brokers, err := config.RequiredString("KAFKA_BROKERS")
	if err != nil {
		panic(err)
	}
	dispatcher := dispatch.New(sender, repo, logger, config.String("STUDIO_NAME", ""))
	eventConsumer := consumer.New(logger, repo, consumer.Config{
		Brokers: brokers,
		GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
		Topics:  dispatch.Topics,
	}, dispatcher.Handle)
	go eventConsumer.Run(ctx)
	logger.Info("consuming appointment events", "topics", dispatch.Topics, "sms_provider", sender.ProviderID())

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
