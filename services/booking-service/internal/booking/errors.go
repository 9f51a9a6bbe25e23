package booking

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable error category returned to clients.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindNotFound               Kind = "not_found"
	KindInvalidBookingWindow   Kind = "invalid_booking_window"
	KindSlotConflict           Kind = "slot_conflict"
	KindInvalidSlot            Kind = "invalid_slot"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindInternal               Kind = "internal_error"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf reports the kind of err, or KindInternal for anything that is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

const (
	msgWeekdaysOnly   = "Appointments are only available on weekdays"
	msgStudioHours    = "Appointments are only available from 10 AM to 4 PM"
	msgAlreadyBooked  = "This time slot is already booked"
	msgSlotNotOffered = "This time slot is not offered on the selected date"
	msgNotFound       = "Appointment not found"
	msgLoginRequired  = "Authentication required"
	msgAdminOnly      = "Admin access required"
	msgNotOwner       = "You can only manage your own appointments"
	msgCancelComplete = "Cannot cancel completed appointments"
)
