package notify

import (
	"context"
	"errors"
	"time"
)

// Details describes the appointment a notification is about.
type Details struct {
	AppointmentID    string    `json:"appointmentId"`
	DesignerID       string    `json:"designerId"`
	CustomerID       string    `json:"customerId"`
	CustomerName     string    `json:"customerName"`
	CustomerEmail    string    `json:"customerEmail"`
	CustomerPhone    string    `json:"customerPhone,omitempty"`
	AdminEmail       string    `json:"-"`
	Date             time.Time `json:"date"`
	TimeSlot         string    `json:"timeSlot"`
	ConsultationType string    `json:"consultationType"`
	Notes            string    `json:"notes,omitempty"`
	Status           string    `json:"status"`
}

// Notifier delivers appointment notifications. Callers treat failures as
// non-fatal: the appointment change has already been committed.
type Notifier interface {
	// AppointmentBooked tells the customer their request was received and
	// tells the studio admin a new request is waiting.
	AppointmentBooked(ctx context.Context, d Details) error
	// AppointmentConfirmed tells the customer the studio confirmed the visit.
	AppointmentConfirmed(ctx context.Context, d Details) error
}

type Noop struct{}

func (Noop) AppointmentBooked(context.Context, Details) error    { return nil }
func (Noop) AppointmentConfirmed(context.Context, Details) error { return nil }

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) AppointmentBooked(ctx context.Context, d Details) error {
	var errs []error
	for _, n := range m {
		if err := n.AppointmentBooked(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) AppointmentConfirmed(ctx context.Context, d Details) error {
	var errs []error
	for _, n := range m {
		if err := n.AppointmentConfirmed(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
