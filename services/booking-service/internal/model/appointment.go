package model

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no-show"
)

// Active statuses hold their slot; at most one active appointment may exist
// per designer, date and time slot.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

type ConsultationType string

const (
	ConsultationDesign       ConsultationType = "design"
	ConsultationFitting      ConsultationType = "fitting"
	ConsultationConsultation ConsultationType = "consultation"
	ConsultationCustom       ConsultationType = "custom"
)

const DateLayout = "2006-01-02"

type Appointment struct {
	ID               string
	DesignerID       string
	CustomerID       string
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	Date             time.Time
	TimeSlot         string
	ConsultationType ConsultationType
	Notes            string
	Status           Status
	CancelReason     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
