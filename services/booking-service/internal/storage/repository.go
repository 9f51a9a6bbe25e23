package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/voidstone-studio/voidstone/libs/db"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
)

var (
	ErrNotFound      = errors.New("appointment not found")
	ErrSlotTaken     = errors.New("time slot already booked")
	ErrStatusChanged = errors.New("appointment status changed")
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const appointmentColumns = `
	id::text, designer_id, customer_id, customer_name, customer_email, customer_phone,
	date, time_slot, consultation_type, notes, status, cancel_reason, created_at, updated_at`

// ListAvailability returns stored days in [start, end] with slots in display order.
func (r *Repository) ListAvailability(ctx context.Context, designerID string, start, end time.Time) ([]model.Availability, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.date, s.slot_time, s.is_available, COALESCE(s.booked_by, '')
		FROM availability_days d
		JOIN availability_slots s ON s.designer_id = d.designer_id AND s.date = d.date
		WHERE d.designer_id = $1
			AND d.date BETWEEN $2::date AND $3::date
		ORDER BY d.date ASC, s.position ASC
	`, designerID, dateParam(start), dateParam(end))
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer rows.Close()

	var days []model.Availability
	for rows.Next() {
		var (
			date time.Time
			slot model.Slot
		)
		if err := rows.Scan(&date, &slot.Time, &slot.IsAvailable, &slot.BookedBy); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		date = date.UTC()
		if n := len(days); n == 0 || !days[n-1].Date.Equal(date) {
			days = append(days, model.Availability{DesignerID: designerID, Date: date})
		}
		last := &days[len(days)-1]
		last.Slots = append(last.Slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability: %w", err)
	}
	return days, nil
}

// EnsureAvailability returns the stored day, creating it from seed when absent.
// Concurrent callers for the same day converge on a single seeded row set.
func (r *Repository) EnsureAvailability(ctx context.Context, designerID string, date time.Time, seed []model.Slot) (model.Availability, error) {
	day := dateParam(date)
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO availability_days (designer_id, date)
			VALUES ($1, $2::date)
			ON CONFLICT (designer_id, date) DO NOTHING
		`, designerID, day)
		if err != nil {
			return fmt.Errorf("insert availability day: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, slot := range seed {
			batch.Queue(`
				INSERT INTO availability_slots (designer_id, date, position, slot_time, is_available)
				VALUES ($1, $2::date, $3, $4, $5)
				ON CONFLICT (designer_id, date, slot_time) DO NOTHING
			`, designerID, day, i, slot.Time, slot.IsAvailable)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("seed availability slots: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Availability{}, err
	}

	days, err := r.ListAvailability(ctx, designerID, date, date)
	if err != nil {
		return model.Availability{}, err
	}
	if len(days) == 0 {
		return model.Availability{DesignerID: designerID, Date: date.UTC(), Slots: []model.Slot{}}, nil
	}
	return days[0], nil
}

func (r *Repository) ListActiveAppointments(ctx context.Context, designerID string, start, end time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE designer_id = $1
			AND date BETWEEN $2::date AND $3::date
			AND status IN ('pending', 'confirmed')
		ORDER BY date ASC, time_slot ASC
	`, designerID, dateParam(start), dateParam(end))
	if err != nil {
		return nil, fmt.Errorf("query active appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *Repository) HasActiveAppointment(ctx context.Context, designerID string, date time.Time, timeSlot string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE designer_id = $1
				AND date = $2::date
				AND time_slot = $3
				AND status IN ('pending', 'confirmed')
		)
	`, designerID, dateParam(date), timeSlot).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active appointment: %w", err)
	}
	return exists, nil
}

// CreateBooking inserts the appointment and claims its slot in one transaction.
// It returns ErrSlotTaken when another booking won the slot first, either via
// the active-slot unique index or because the slot was no longer available.
func (r *Repository) CreateBooking(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	var created model.Appointment
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO appointments
				(id, designer_id, customer_id, customer_name, customer_email, customer_phone,
				 date, time_slot, consultation_type, notes, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7::date, $8, $9, $10, $11)
			RETURNING `+appointmentColumns,
			appt.ID, appt.DesignerID, appt.CustomerID, appt.CustomerName, appt.CustomerEmail, appt.CustomerPhone,
			dateParam(appt.Date), appt.TimeSlot, string(appt.ConsultationType), appt.Notes, string(appt.Status),
		)
		var err error
		created, err = scanAppointment(row)
		if err != nil {
			if IsUniqueViolation(err) {
				return ErrSlotTaken
			}
			return fmt.Errorf("insert appointment: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE availability_slots
			SET is_available = FALSE,
				booked_by = $4
			WHERE designer_id = $1
				AND date = $2::date
				AND slot_time = $3
				AND is_available
		`, appt.DesignerID, dateParam(appt.Date), appt.TimeSlot, appt.CustomerID)
		if err != nil {
			return fmt.Errorf("claim slot: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSlotTaken
		}
		_, err = tx.Exec(ctx, `
			UPDATE availability_days SET updated_at = now()
			WHERE designer_id = $1 AND date = $2::date
		`, appt.DesignerID, dateParam(appt.Date))
		return err
	})
	if err != nil {
		return model.Appointment{}, err
	}
	return created, nil
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id))
	if err != nil {
		if IsNotFound(err) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// UpdateStatus moves id from -> to. A non-empty reason is stored as the
// cancellation reason. ErrStatusChanged means the row exists but is no longer in from.
func (r *Repository) UpdateStatus(ctx context.Context, id string, from, to model.Status, reason string) (model.Appointment, error) {
	appt, err := scanAppointment(r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3,
			cancel_reason = CASE WHEN $4 <> '' THEN $4 ELSE cancel_reason END,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+appointmentColumns,
		id, string(from), string(to), reason,
	))
	if err == nil {
		return appt, nil
	}
	if !IsNotFound(err) {
		return model.Appointment{}, fmt.Errorf("update appointment status: %w", err)
	}
	if _, err := r.GetAppointment(ctx, id); err != nil {
		return model.Appointment{}, err
	}
	return model.Appointment{}, ErrStatusChanged
}

// ReleaseSlot frees the slot held by bookedBy. A missing day or slot is not an error.
func (r *Repository) ReleaseSlot(ctx context.Context, designerID string, date time.Time, timeSlot, bookedBy string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE availability_slots
		SET is_available = TRUE,
			booked_by = NULL
		WHERE designer_id = $1
			AND date = $2::date
			AND slot_time = $3
			AND (booked_by = $4 OR booked_by IS NULL)
	`, designerID, dateParam(date), timeSlot, bookedBy)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *Repository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list customer appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *Repository) ListByDesigner(ctx context.Context, designerID string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE designer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, designerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list designer appointments: %w", err)
	}
	return collectAppointments(rows)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var (
		appt             model.Appointment
		consultationType string
		status           string
	)
	err := row.Scan(
		&appt.ID,
		&appt.DesignerID,
		&appt.CustomerID,
		&appt.CustomerName,
		&appt.CustomerEmail,
		&appt.CustomerPhone,
		&appt.Date,
		&appt.TimeSlot,
		&consultationType,
		&appt.Notes,
		&status,
		&appt.CancelReason,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Date = appt.Date.UTC()
	appt.ConsultationType = model.ConsultationType(consultationType)
	appt.Status = model.Status(status)
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	appts := []model.Appointment{}
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		appts = append(appts, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return appts, nil
}

func dateParam(t time.Time) string {
	return t.UTC().Format(model.DateLayout)
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
