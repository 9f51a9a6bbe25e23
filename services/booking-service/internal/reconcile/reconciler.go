package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/storage"
)

// Store is implemented by *storage.Repository.
type Store interface {
	ReconcileSlots(ctx context.Context, designerID string, from time.Time, lockKey int64) (storage.ReconcileResult, error)
}

type Config struct {
	DesignerID string
	// Schedule is a standard five-field cron expression, e.g. "*/15 * * * *".
	Schedule        string
	AdvisoryLockKey int64
	Timeout         time.Duration
}

// SlotReconciler periodically repairs drift between availability slots and
// live appointments, e.g. a slot left held after a cancelled appointment's
// release failed.
type SlotReconciler struct {
	store  Store
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	running bool
}

func NewSlotReconciler(store Store, logger *slog.Logger, cfg Config) *SlotReconciler {
	if cfg.AdvisoryLockKey == 0 {
		cfg.AdvisoryLockKey = 7301001
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &SlotReconciler{store: store, logger: logger, cfg: cfg, now: time.Now}
}

// Run schedules reconciliation until ctx is done. An empty schedule disables it.
func (r *SlotReconciler) Run(ctx context.Context) error {
	spec := strings.TrimSpace(r.cfg.Schedule)
	if spec == "" {
		r.logger.Info("slot reconciler disabled: RECONCILE_CRON not set")
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(spec, func() { r.RunOnce(ctx) }); err != nil {
		return err
	}
	r.logger.Info("slot reconciler scheduled", "schedule", spec)

	// Run immediately so drift left by a crash is repaired without waiting.
	r.RunOnce(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce reconciles today and every later day. Overlapping runs in the same
// process are skipped.
func (r *SlotReconciler) RunOnce(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		r.logger.Warn("slot reconcile still running; skipping tick")
		return
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := r.store.ReconcileSlots(runCtx, r.cfg.DesignerID, r.now().UTC(), r.cfg.AdvisoryLockKey)
	if err != nil {
		r.logger.Error("slot reconcile failed", "err", err)
		return
	}
	if res.Skipped {
		r.logger.Info("slot reconcile skipped: lock held by another instance", "lock_key", r.cfg.AdvisoryLockKey)
		return
	}
	level := slog.LevelDebug
	if res.Released > 0 || res.Claimed > 0 {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "slot reconcile finished",
		"released", res.Released,
		"claimed", res.Claimed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
