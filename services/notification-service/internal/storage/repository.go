package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/voidstone-studio/voidstone/libs/db"
)

const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Delivery is one attempt to tell a customer about an appointment event.
type Delivery struct {
	EventID       string
	AppointmentID string
	EventType     string
	Channel       string
	Recipient     string
	Provider      string
	Status        string
	ErrorReason   string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record marks eventID as received. It reports false when the event was
// already recorded, so redelivered messages are dropped.
func (r *Repository) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, fmt.Errorf("record inbox event: %w", err)
}

func (r *Repository) InsertDelivery(ctx context.Context, d Delivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_deliveries
			(event_id, appointment_id, event_type, channel, recipient, provider, status, error_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.EventID, d.AppointmentID, d.EventType, d.Channel, d.Recipient, d.Provider, d.Status, d.ErrorReason)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}
