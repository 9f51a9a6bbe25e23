package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type ReconcileResult struct {
	Skipped  bool
	Released int64
	Claimed  int64
}

// ReconcileSlots realigns stored slots from the given day onward with live
// appointments: slots held without a pending or confirmed appointment are
// freed, and live appointments whose slot still reads free are re-claimed.
// A transaction-scoped advisory lock keeps concurrent replicas from racing;
// when another replica holds it the run is skipped.
func (r *Repository) ReconcileSlots(ctx context.Context, designerID string, from time.Time, lockKey int64) (ReconcileResult, error) {
	var res ReconcileResult
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		var locked bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, lockKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire reconcile lock: %w", err)
		}
		if !locked {
			res.Skipped = true
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE availability_slots s
			SET is_available = TRUE,
				booked_by = NULL
			WHERE s.designer_id = $1
				AND s.date >= $2::date
				AND NOT s.is_available
				AND NOT EXISTS (
					SELECT 1 FROM appointments a
					WHERE a.designer_id = s.designer_id
						AND a.date = s.date
						AND a.time_slot = s.slot_time
						AND a.status IN ('pending', 'confirmed')
				)
		`, designerID, dateParam(from))
		if err != nil {
			return fmt.Errorf("release orphaned slots: %w", err)
		}
		res.Released = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE availability_slots s
			SET is_available = FALSE,
				booked_by = a.customer_id
			FROM appointments a
			WHERE a.designer_id = s.designer_id
				AND a.date = s.date
				AND a.time_slot = s.slot_time
				AND a.status IN ('pending', 'confirmed')
				AND s.designer_id = $1
				AND s.date >= $2::date
				AND (s.is_available OR s.booked_by IS DISTINCT FROM a.customer_id)
		`, designerID, dateParam(from))
		if err != nil {
			return fmt.Errorf("claim booked slots: %w", err)
		}
		res.Claimed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	return res, nil
}
