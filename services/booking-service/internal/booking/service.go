package booking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	otelx "github.com/voidstone-studio/voidstone/libs/otel"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/availability"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/notify"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the persistence the booking workflow needs. *storage.Repository
// implements it against Postgres.
type Store interface {
	ListAvailability(ctx context.Context, designerID string, start, end time.Time) ([]model.Availability, error)
	EnsureAvailability(ctx context.Context, designerID string, date time.Time, seed []model.Slot) (model.Availability, error)
	ListActiveAppointments(ctx context.Context, designerID string, start, end time.Time) ([]model.Appointment, error)
	HasActiveAppointment(ctx context.Context, designerID string, date time.Time, timeSlot string) (bool, error)
	CreateBooking(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	UpdateStatus(ctx context.Context, id string, from, to model.Status, reason string) (model.Appointment, error)
	ReleaseSlot(ctx context.Context, designerID string, date time.Time, timeSlot, bookedBy string) error
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]model.Appointment, error)
	ListByDesigner(ctx context.Context, designerID string, limit int) ([]model.Appointment, error)
}

type Config struct {
	DesignerID    string
	AdminEmail    string
	NotifyTimeout time.Duration
	MaxRangeDays  int
}

const (
	DefaultMaxRangeDays = 62
	myAppointmentsLimit = 50
	allAppointmentLimit = 100
)

type Service struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
	cfg      Config

	inflight sync.WaitGroup
}

func NewService(store Store, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}
	if cfg.MaxRangeDays <= 0 {
		cfg.MaxRangeDays = DefaultMaxRangeDays
	}
	return &Service{
		store:    store,
		notifier: notifier,
		logger:   logger,
		validate: newValidator(),
		tracer:   otelx.Tracer("booking-service/booking"),
		cfg:      cfg,
	}
}

func (s *Service) DesignerID() string { return s.cfg.DesignerID }

// AvailabilityRange returns one entry per weekday in [startDate, endDate].
// Stored days report a slot free only when no live appointment holds it; days
// never booked are generated on the fly and not persisted.
func (s *Service) AvailabilityRange(ctx context.Context, startDate, endDate string) (days []model.Availability, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.AvailabilityRange")
	defer func() { endSpan(span, err) }()

	if startDate == "" || endDate == "" {
		return nil, newError(KindValidation, "startDate and endDate are required")
	}
	start, err := ParseDate(startDate)
	if err != nil {
		return nil, newError(KindValidation, "startDate must be a valid date (YYYY-MM-DD)")
	}
	end, err := ParseDate(endDate)
	if err != nil {
		return nil, newError(KindValidation, "endDate must be a valid date (YYYY-MM-DD)")
	}
	if end.Before(start) {
		return nil, newError(KindValidation, "endDate must not be before startDate")
	}
	if int(end.Sub(start).Hours()/24)+1 > s.cfg.MaxRangeDays {
		return nil, newError(KindValidation, "date range is too large")
	}
	rangeEnd := availability.EndOfDay(end)

	stored, err := s.store.ListAvailability(ctx, s.cfg.DesignerID, start, rangeEnd)
	if err != nil {
		return nil, internal("load availability", err)
	}
	active, err := s.store.ListActiveAppointments(ctx, s.cfg.DesignerID, start, rangeEnd)
	if err != nil {
		return nil, internal("load active appointments", err)
	}

	byDay := make(map[string]model.Availability, len(stored))
	for _, a := range stored {
		byDay[a.Date.Format(model.DateLayout)] = a
	}
	held := make(map[string]struct{}, len(active))
	for _, a := range active {
		held[slotKey(a.Date, a.TimeSlot)] = struct{}{}
	}

	days = []model.Availability{}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if availability.IsWeekend(day) {
			continue
		}
		doc, ok := byDay[day.Format(model.DateLayout)]
		if !ok {
			days = append(days, model.Availability{DesignerID: s.cfg.DesignerID, Date: day, Slots: availability.GenerateSlots(day)})
			continue
		}
		slots := make([]model.Slot, 0, len(doc.Slots))
		for _, slot := range doc.Slots {
			_, taken := held[slotKey(day, slot.Time)]
			slots = append(slots, model.Slot{Time: slot.Time, IsAvailable: slot.IsAvailable && !taken})
		}
		days = append(days, model.Availability{DesignerID: doc.DesignerID, Date: day, Slots: slots})
	}
	span.SetAttributes(attribute.Int("booking.days", len(days)))
	return days, nil
}

// EnsureAvailability returns the stored slot list for date, seeding it from the
// studio schedule the first time the day is touched.
func (s *Service) EnsureAvailability(ctx context.Context, date time.Time) (model.Availability, error) {
	day := availability.Day(date)
	doc, err := s.store.EnsureAvailability(ctx, s.cfg.DesignerID, day, availability.GenerateSlots(day))
	if err != nil {
		return model.Availability{}, internal("ensure availability", err)
	}
	return doc, nil
}

// Book reserves req.TimeSlot on req.Date for the caller. The appointment insert
// and the slot flip commit together, so two racing requests cannot both win.
func (s *Service) Book(ctx context.Context, p *Principal, req BookRequest) (appt model.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Book")
	defer func() { endSpan(span, err) }()

	if p == nil {
		return model.Appointment{}, newError(KindUnauthorized, msgLoginRequired)
	}
	req.normalize()
	if err := req.validate(s.validate); err != nil {
		return model.Appointment{}, err
	}
	date, _ := ParseDate(req.Date)
	span.SetAttributes(attribute.String("booking.date", req.Date), attribute.String("booking.time_slot", req.TimeSlot))

	if availability.IsWeekend(date) {
		return model.Appointment{}, newError(KindInvalidBookingWindow, msgWeekdaysOnly)
	}
	if !availability.WithinStudioHours(req.TimeSlot) {
		return model.Appointment{}, newError(KindInvalidBookingWindow, msgStudioHours)
	}

	taken, err := s.store.HasActiveAppointment(ctx, s.cfg.DesignerID, date, req.TimeSlot)
	if err != nil {
		return model.Appointment{}, internal("check existing appointment", err)
	}
	if taken {
		return model.Appointment{}, newError(KindSlotConflict, msgAlreadyBooked)
	}

	doc, err := s.EnsureAvailability(ctx, date)
	if err != nil {
		return model.Appointment{}, err
	}
	slot, ok := doc.Slot(req.TimeSlot)
	if !ok {
		return model.Appointment{}, newError(KindInvalidSlot, msgSlotNotOffered)
	}
	if !slot.IsAvailable {
		return model.Appointment{}, newError(KindSlotConflict, msgAlreadyBooked)
	}

	name := p.Name
	if name == "" {
		name = req.CustomerName
	}
	if name == "" {
		name = p.Email
	}
	appt, err = s.store.CreateBooking(ctx, model.Appointment{
		ID:               uuid.NewString(),
		DesignerID:       s.cfg.DesignerID,
		CustomerID:       p.UserID,
		CustomerName:     name,
		CustomerEmail:    p.Email,
		CustomerPhone:    req.CustomerPhone,
		Date:             date,
		TimeSlot:         req.TimeSlot,
		ConsultationType: model.ConsultationType(req.ConsultationType),
		Notes:            req.Notes,
		Status:           model.StatusPending,
	})
	if err != nil {
		if errors.Is(err, storage.ErrSlotTaken) {
			return model.Appointment{}, newError(KindSlotConflict, msgAlreadyBooked)
		}
		return model.Appointment{}, internal("create booking", err)
	}

	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"customer_id", appt.CustomerID,
		"date", appt.Date.Format(model.DateLayout),
		"time_slot", appt.TimeSlot,
	)
	s.notifyBooked(ctx, appt)
	return appt, nil
}

// Cancel moves an appointment to cancelled and frees its slot. Owners and
// admins may cancel; completed appointments cannot be cancelled. Cancelling an
// already-cancelled appointment is a no-op that succeeds.
func (s *Service) Cancel(ctx context.Context, p *Principal, id, reason string) (appt model.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Cancel", trace.WithAttributes(attribute.String("appointment.id", id)))
	defer func() { endSpan(span, err) }()

	if p == nil {
		return model.Appointment{}, newError(KindUnauthorized, msgLoginRequired)
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !p.owns(current.CustomerID) && !p.IsAdmin() {
		return model.Appointment{}, newError(KindForbidden, msgNotOwner)
	}
	switch current.Status {
	case model.StatusCompleted:
		return model.Appointment{}, newError(KindInvalidStateTransition, msgCancelComplete)
	case model.StatusCancelled:
		return current, nil
	}

	appt, err = s.transition(ctx, current, model.StatusCancelled, reason)
	if err != nil {
		return model.Appointment{}, err
	}

	// Only live appointments hold a slot. A no-show's slot may already belong
	// to a newer booking by the same customer.
	if current.Status.Active() {
		if err := s.store.ReleaseSlot(ctx, appt.DesignerID, appt.Date, appt.TimeSlot, appt.CustomerID); err != nil {
			s.logger.Warn("slot release failed", "appointment_id", appt.ID, "err", err)
		}
	}
	s.logger.Info("appointment cancelled", "appointment_id", appt.ID, "by", p.UserID, "admin", p.IsAdmin())
	return appt, nil
}

// Confirm marks a pending appointment confirmed and tells the customer.
func (s *Service) Confirm(ctx context.Context, p *Principal, id string) (appt model.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Confirm", trace.WithAttributes(attribute.String("appointment.id", id)))
	defer func() { endSpan(span, err) }()

	current, err := s.adminLoad(ctx, p, id)
	if err != nil {
		return model.Appointment{}, err
	}
	switch current.Status {
	case model.StatusConfirmed:
		return current, nil
	case model.StatusPending:
	default:
		return model.Appointment{}, newError(KindInvalidStateTransition, "Cannot confirm "+string(current.Status)+" appointments")
	}

	appt, err = s.transition(ctx, current, model.StatusConfirmed, "")
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment confirmed", "appointment_id", appt.ID, "by", p.UserID)
	s.notifyConfirmed(ctx, appt)
	return appt, nil
}

// Complete records that a live appointment took place.
func (s *Service) Complete(ctx context.Context, p *Principal, id string) (model.Appointment, error) {
	return s.finish(ctx, p, id, model.StatusCompleted)
}

// MarkNoShow records that the customer did not attend.
func (s *Service) MarkNoShow(ctx context.Context, p *Principal, id string) (model.Appointment, error) {
	return s.finish(ctx, p, id, model.StatusNoShow)
}

func (s *Service) finish(ctx context.Context, p *Principal, id string, to model.Status) (appt model.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "booking.Close", trace.WithAttributes(
		attribute.String("appointment.id", id),
		attribute.String("appointment.status", string(to)),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.adminLoad(ctx, p, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !current.Status.Active() {
		return model.Appointment{}, newError(KindInvalidStateTransition, "Cannot mark "+string(current.Status)+" appointments as "+string(to))
	}
	appt, err = s.transition(ctx, current, to, "")
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment closed", "appointment_id", appt.ID, "status", appt.Status, "by", p.UserID)
	return appt, nil
}

// Get returns one appointment to its owner or an admin.
func (s *Service) Get(ctx context.Context, p *Principal, id string) (model.Appointment, error) {
	if p == nil {
		return model.Appointment{}, newError(KindUnauthorized, msgLoginRequired)
	}
	appt, err := s.load(ctx, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if !p.owns(appt.CustomerID) && !p.IsAdmin() {
		return model.Appointment{}, newError(KindForbidden, msgNotOwner)
	}
	return appt, nil
}

// ListMine returns the caller's most recent appointments, newest first.
func (s *Service) ListMine(ctx context.Context, p *Principal) ([]model.Appointment, error) {
	if p == nil {
		return nil, newError(KindUnauthorized, msgLoginRequired)
	}
	appts, err := s.store.ListByCustomer(ctx, p.UserID, myAppointmentsLimit)
	if err != nil {
		return nil, internal("list appointments", err)
	}
	return appts, nil
}

// ListAll returns the designer's most recent appointments for admins.
func (s *Service) ListAll(ctx context.Context, p *Principal) ([]model.Appointment, error) {
	if p == nil {
		return nil, newError(KindUnauthorized, msgLoginRequired)
	}
	if !p.IsAdmin() {
		return nil, newError(KindForbidden, msgAdminOnly)
	}
	appts, err := s.store.ListByDesigner(ctx, s.cfg.DesignerID, allAppointmentLimit)
	if err != nil {
		return nil, internal("list appointments", err)
	}
	return appts, nil
}

func (s *Service) adminLoad(ctx context.Context, p *Principal, id string) (model.Appointment, error) {
	if p == nil {
		return model.Appointment{}, newError(KindUnauthorized, msgLoginRequired)
	}
	if !p.IsAdmin() {
		return model.Appointment{}, newError(KindForbidden, msgAdminOnly)
	}
	return s.load(ctx, id)
}

func (s *Service) load(ctx context.Context, id string) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, newError(KindNotFound, msgNotFound)
	}
	appt, err := s.store.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Appointment{}, newError(KindNotFound, msgNotFound)
		}
		return model.Appointment{}, internal("load appointment", err)
	}
	return appt, nil
}

// transition applies from -> to only if nobody changed the status in between.
func (s *Service) transition(ctx context.Context, current model.Appointment, to model.Status, reason string) (model.Appointment, error) {
	appt, err := s.store.UpdateStatus(ctx, current.ID, current.Status, to, reason)
	switch {
	case err == nil:
		return appt, nil
	case errors.Is(err, storage.ErrNotFound):
		return model.Appointment{}, newError(KindNotFound, msgNotFound)
	case errors.Is(err, storage.ErrStatusChanged):
		return model.Appointment{}, newError(KindInvalidStateTransition, "Appointment was modified concurrently, please retry")
	default:
		return model.Appointment{}, internal("update appointment status", err)
	}
}

func (s *Service) notifyBooked(ctx context.Context, appt model.Appointment) {
	s.background(ctx, func(nctx context.Context) {
		if err := s.notifier.AppointmentBooked(nctx, s.details(appt)); err != nil {
			s.logger.Warn("booking notification failed", "appointment_id", appt.ID, "err", err)
		}
	})
}

func (s *Service) notifyConfirmed(ctx context.Context, appt model.Appointment) {
	s.background(ctx, func(nctx context.Context) {
		if err := s.notifier.AppointmentConfirmed(nctx, s.details(appt)); err != nil {
			s.logger.Warn("confirmation notification failed", "appointment_id", appt.ID, "err", err)
		}
	})
}

// background runs fn after the request returns, detached from its
// cancellation and bounded by NotifyTimeout.
func (s *Service) background(ctx context.Context, fn func(context.Context)) {
	nctx := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		nctx, cancel := context.WithTimeout(nctx, s.cfg.NotifyTimeout)
		defer cancel()
		fn(nctx)
	}()
}

// Wait blocks until notifications already started have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) details(appt model.Appointment) notify.Details {
	return notify.Details{
		AppointmentID:    appt.ID,
		DesignerID:       appt.DesignerID,
		CustomerID:       appt.CustomerID,
		CustomerName:     appt.CustomerName,
		CustomerEmail:    appt.CustomerEmail,
		CustomerPhone:    appt.CustomerPhone,
		AdminEmail:       s.cfg.AdminEmail,
		Date:             appt.Date,
		TimeSlot:         appt.TimeSlot,
		ConsultationType: string(appt.ConsultationType),
		Notes:            appt.Notes,
		Status:           string(appt.Status),
	}
}

func slotKey(date time.Time, timeSlot string) string {
	return date.UTC().Format(model.DateLayout) + "|" + timeSlot
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("booking.error_kind", string(KindOf(err))))
		if KindOf(err) == KindInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
