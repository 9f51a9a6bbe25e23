package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voidstone-studio/voidstone/libs/config"
	"github.com/voidstone-studio/voidstone/libs/db"
	"github.com/voidstone-studio/voidstone/libs/httpx"
	"github.com/voidstone-studio/voidstone/libs/kafkax"
	otelx "github.com/voidstone-studio/voidstone/libs/otel"
	"github.com/voidstone-studio/voidstone/libs/runtime"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/booking"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/handlers"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/notify"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/reconcile"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// appStore is what both the booking workflow and the reconciler need.
type appStore interface {
	booking.Store
	reconcile.Store
}

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
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

	designerID, err := config.RequiredString("DESIGNER_ID")
	if err != nil {
		panic(err)
	}

	var (
		store  appStore
		checks []runtime.ReadyCheck
	)
	switch mode := strings.ToLower(config.String("BOOKING_STORE", "postgres")); mode {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		store = storage.NewMemory()
	case "postgres":
		pool, err := openPostgres(ctx, logger)
		if err != nil {
			logger.Error("db init failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		store = storage.NewRepository(pool)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	default:
		panic("unknown BOOKING_STORE: " + mode)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	notifier, closeNotifier := buildNotifier(logger, brokers)
	defer closeNotifier()
	if brokers != "" {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}

	svc := booking.NewService(store, notifier, logger, booking.Config{
		DesignerID:    designerID,
		AdminEmail:    config.String("ADMIN_EMAIL", ""),
		NotifyTimeout: config.Duration("NOTIFY_TIMEOUT", 10*time.Second),
		MaxRangeDays:  config.Int("AVAILABILITY_MAX_RANGE_DAYS", booking.DefaultMaxRangeDays),
	})

	reconciler := reconcile.NewSlotReconciler(store, logger, reconcile.Config{
		DesignerID:      designerID,
		Schedule:        config.String("RECONCILE_CRON", ""),
		AdvisoryLockKey: int64(config.Int("RECONCILE_LOCK_KEY", 7301001)),
		Timeout:         config.Duration("RECONCILE_TIMEOUT", time.Minute),
	})
	go func() {
		if err := reconciler.Run(ctx); err != nil {
			logger.Error("slot reconciler stopped", "err", err)
		}
	}()

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.NewAppointmentHandler(svc, logger).Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("MAX_BODY_BYTES", 64<<10))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "designer_id", designerID)
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
	svc.Wait()
	logger.Info("http server stopped")
}

func openPostgres(ctx context.Context, logger *slog.Logger) (*db.Pool, error) {
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	pool, err := db.Open(ctx, dbURL, db.Options{
		MaxConns:        int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns:        int32(config.Int("DB_MIN_CONNS", 1)),
		MaxConnLifetime: config.Duration("DB_MAX_CONN_LIFETIME", time.Hour),
		MaxConnIdleTime: config.Duration("DB_MAX_CONN_IDLE_TIME", 30*time.Minute),
	})
	if err != nil {
		return nil, err
	}
	if config.Bool("MIGRATE_ON_START", true) {
		if err := db.Migrate(ctx, pool, storage.Migrations, storage.MigrationsDir, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// buildNotifier fans out to email when SMTP is configured and to Kafka when
// brokers are set. With neither, notifications are dropped.
func buildNotifier(logger *slog.Logger, brokers string) (notify.Notifier, func()) {
	var (
		multi   notify.Multi
		closers []func()
	)
	if host := config.String("SMTP_HOST", ""); host != "" {
		multi = append(multi, notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     host,
			Port:     config.Int("SMTP_PORT", 587),
			Username: config.String("SMTP_USER", ""),
			Password: config.String("SMTP_PASS", ""),
			From:     config.String("SMTP_FROM", ""),
		}))
		logger.Info("email notifications enabled", "smtp_host", host)
	}
	if brokers != "" {
		pub := notify.NewEventPublisher(kafkax.SplitBrokers(brokers))
		multi = append(multi, pub)
		closers = append(closers, func() {
			if err := pub.Close(); err != nil {
				logger.Error("kafka writer close failed", "err", err)
			}
		})
		logger.Info("appointment events enabled", "brokers", brokers)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(multi) == 0 {
		logger.Warn("no notifier configured; appointment notifications are disabled")
		return notify.Noop{}, closeAll
	}
	return multi, closeAll
}
