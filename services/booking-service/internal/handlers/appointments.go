package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voidstone-studio/voidstone/libs/httpx"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/booking"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
)

const Prefix = "/api/v1/appointments"

type AppointmentHandler struct {
	svc    *booking.Service
	logger *slog.Logger
}

func NewAppointmentHandler(svc *booking.Service, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{svc: svc, logger: logger}
}

func (h *AppointmentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+Prefix+"/availability", h.Availability)
	mux.HandleFunc("POST "+Prefix+"/book", h.Book)
	mux.HandleFunc("GET "+Prefix+"/my-appointments", h.MyAppointments)
	mux.HandleFunc("GET "+Prefix+"/all-appointments", h.AllAppointments)
	mux.HandleFunc("GET "+Prefix+"/{id}", h.Get)
	mux.HandleFunc("PUT "+Prefix+"/{id}/cancel", h.Cancel)
	mux.HandleFunc("PUT "+Prefix+"/{id}/confirm", h.Confirm)
	mux.HandleFunc("PUT "+Prefix+"/{id}/complete", h.Complete)
	mux.HandleFunc("PUT "+Prefix+"/{id}/no-show", h.NoShow)
}

func (h *AppointmentHandler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := h.svc.AvailabilityRange(r.Context(), q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]availabilityView, 0, len(days))
	for _, d := range days {
		out = append(out, toAvailabilityView(d))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"availability": out})
}

func (h *AppointmentHandler) Book(w http.ResponseWriter, r *http.Request) {
	p := booking.PrincipalFromRequest(r)
	var req booking.BookRequest
	if p != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, string(booking.KindValidation), "Invalid JSON body")
			return
		}
	}
	appt, err := h.svc.Book(r.Context(), p, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{
		"message":     "Appointment booked successfully",
		"appointment": toBookedView(appt),
	})
}

func (h *AppointmentHandler) MyAppointments(w http.ResponseWriter, r *http.Request) {
	appts, err := h.svc.ListMine(r.Context(), booking.PrincipalFromRequest(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"appointments": toAppointmentViews(appts)})
}

func (h *AppointmentHandler) AllAppointments(w http.ResponseWriter, r *http.Request) {
	appts, err := h.svc.ListAll(r.Context(), booking.PrincipalFromRequest(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"appointments": toAppointmentViews(appts)})
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Get(r.Context(), booking.PrincipalFromRequest(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"appointment": toAppointmentView(appt)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p := booking.PrincipalFromRequest(r)
	var req cancelRequest
	if p != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpx.WriteError(w, http.StatusBadRequest, string(booking.KindValidation), "Invalid JSON body")
			return
		}
		if len([]rune(req.Reason)) > 500 {
			httpx.WriteError(w, http.StatusBadRequest, string(booking.KindValidation), "reason must be at most 500 characters")
			return
		}
	}
	appt, err := h.svc.Cancel(r.Context(), p, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStatusChange(w, "Appointment cancelled successfully", appt)
}

func (h *AppointmentHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Confirm(r.Context(), booking.PrincipalFromRequest(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStatusChange(w, "Appointment confirmed successfully", appt)
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.Complete(r.Context(), booking.PrincipalFromRequest(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStatusChange(w, "Appointment marked as completed", appt)
}

func (h *AppointmentHandler) NoShow(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.MarkNoShow(r.Context(), booking.PrincipalFromRequest(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeStatusChange(w, "Appointment marked as no-show", appt)
}

func (h *AppointmentHandler) writeStatusChange(w http.ResponseWriter, msg string, appt model.Appointment) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"message":     msg,
		"appointment": toAppointmentView(appt),
	})
}

// writeError maps booking error kinds to HTTP statuses. Internal errors are
// logged and reported without detail.
func (h *AppointmentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var be *booking.Error
	if !errors.As(err, &be) || be.Kind == booking.KindInternal {
		h.logger.Error("request failed",
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, string(booking.KindInternal), "Internal server error")
		return
	}
	httpx.WriteError(w, statusFor(be.Kind), string(be.Kind), be.Message)
}

func statusFor(kind booking.Kind) int {
	switch kind {
	case booking.KindUnauthorized:
		return http.StatusUnauthorized
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindValidation,
		booking.KindInvalidBookingWindow,
		booking.KindSlotConflict,
		booking.KindInvalidSlot,
		booking.KindInvalidStateTransition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type slotView struct {
	Time        string `json:"time"`
	IsAvailable bool   `json:"isAvailable"`
}

type availabilityView struct {
	Date  string     `json:"date"`
	Slots []slotView `json:"slots"`
}

func toAvailabilityView(a model.Availability) availabilityView {
	slots := make([]slotView, 0, len(a.Slots))
	for _, s := range a.Slots {
		slots = append(slots, slotView{Time: s.Time, IsAvailable: s.IsAvailable})
	}
	return availabilityView{Date: a.Date.UTC().Format(model.DateLayout), Slots: slots}
}

type bookedView struct {
	ID               string `json:"id"`
	Date             string `json:"date"`
	TimeSlot         string `json:"timeSlot"`
	ConsultationType string `json:"consultationType"`
	Status           string `json:"status"`
}

func toBookedView(a model.Appointment) bookedView {
	return bookedView{
		ID:               a.ID,
		Date:             a.Date.UTC().Format(model.DateLayout),
		TimeSlot:         a.TimeSlot,
		ConsultationType: string(a.ConsultationType),
		Status:           string(a.Status),
	}
}

type appointmentView struct {
	ID               string `json:"id"`
	DesignerID       string `json:"designerId"`
	CustomerID       string `json:"customerId"`
	CustomerName     string `json:"customerName"`
	CustomerEmail    string `json:"customerEmail"`
	CustomerPhone    string `json:"customerPhone,omitempty"`
	Date             string `json:"date"`
	TimeSlot         string `json:"timeSlot"`
	ConsultationType string `json:"consultationType"`
	Notes            string `json:"notes,omitempty"`
	Status           string `json:"status"`
	CancelReason     string `json:"cancelReason,omitempty"`
	CreatedAt        string `json:"createdAt"`
	UpdatedAt        string `json:"updatedAt"`
}

func toAppointmentView(a model.Appointment) appointmentView {
	return appointmentView{
		ID:               a.ID,
		DesignerID:       a.DesignerID,
		CustomerID:       a.CustomerID,
		CustomerName:     a.CustomerName,
		CustomerEmail:    a.CustomerEmail,
		CustomerPhone:    a.CustomerPhone,
		Date:             a.Date.UTC().Format(model.DateLayout),
		TimeSlot:         a.TimeSlot,
		ConsultationType: string(a.ConsultationType),
		Notes:            a.Notes,
		Status:           string(a.Status),
		CancelReason:     a.CancelReason,
		CreatedAt:        a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toAppointmentViews(appts []model.Appointment) []appointmentView {
	out := make([]appointmentView, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentView(a))
	}
	return out
}
