package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/voidstone-studio/voidstone/libs/kafkax"
	"github.com/voidstone-studio/voidstone/services/notification-service/internal/sms"
	"github.com/voidstone-studio/voidstone/services/notification-service/internal/storage"
)

const (
	TopicAppointmentBooked    = "booking.appointment.booked.v1"
	TopicAppointmentConfirmed = "booking.appointment.confirmed.v1"

	channelSMS = "sms"
)

// Topics lists every event the dispatcher handles.
var Topics = []string{TopicAppointmentBooked, TopicAppointmentConfirmed}

// AppointmentEvent is the payload published by booking-service.
type AppointmentEvent struct {
	AppointmentID    string    `json:"appointmentId"`
	DesignerID       string    `json:"designerId"`
	CustomerID       string    `json:"customerId"`
	CustomerName     string    `json:"customerName"`
	CustomerEmail    string    `json:"customerEmail"`
	CustomerPhone    string    `json:"customerPhone"`
	Date             string    `json:"date"`
	TimeSlot         string    `json:"timeSlot"`
	ConsultationType string    `json:"consultationType"`
	Status           string    `json:"status"`
	OccurredAt       time.Time `json:"occurredAt"`
}

type DeliveryStore interface {
	InsertDelivery(ctx context.Context, d storage.Delivery) error
}

// Dispatcher turns appointment events into SMS messages and records every
// outcome. Events without a phone number are recorded as skipped.
type Dispatcher struct {
	sender sms.Sender
	store  DeliveryStore
	logger *slog.Logger
	studio string
}

func New(sender sms.Sender, store DeliveryStore, logger *slog.Logger, studio string) *Dispatcher {
	if studio == "" {
		studio = "Voidstone Studio"
	}
	return &Dispatcher{sender: sender, store: store, logger: logger, studio: studio}
}

func (d *Dispatcher) Handle(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)

	var ev AppointmentEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		// Malformed payloads are dropped.
		d.logger.Error("invalid appointment event", "err", err, "event_id", meta.EventID, "topic", msg.Topic)
		return nil
	}
	if ev.AppointmentID == "" {
		d.logger.Error("appointment event without id", "event_id", meta.EventID, "topic", msg.Topic)
		return nil
	}

	body, ok := d.render(meta.EventType, ev)
	if !ok {
		d.logger.Warn("unhandled event type", "event_type", meta.EventType)
		return nil
	}

	delivery := storage.Delivery{
		EventID:       meta.EventID,
		AppointmentID: ev.AppointmentID,
		EventType:     meta.EventType,
		Channel:       channelSMS,
		Recipient:     strings.TrimSpace(ev.CustomerPhone),
		Provider:      d.sender.ProviderID(),
		Status:        storage.StatusSent,
	}
	if delivery.Recipient == "" {
		delivery.Status = storage.StatusSkipped
		delivery.ErrorReason = "no phone number"
	} else if err := d.sender.Send(ctx, sms.Message{To: delivery.Recipient, Body: body, Reference: ev.AppointmentID}); err != nil {
		delivery.Status = storage.StatusFailed
		delivery.ErrorReason = err.Error()
		d.logger.Error("sms send failed", "err", err, "appointment_id", ev.AppointmentID)
	}

	if err := d.store.InsertDelivery(ctx, delivery); err != nil {
		return err
	}
	d.logger.Info("appointment event processed",
		"appointment_id", ev.AppointmentID,
		"event_type", meta.EventType,
		"status", delivery.Status,
	)
	return nil
}

func (d *Dispatcher) render(eventType string, ev AppointmentEvent) (string, bool) {
	when := ev.Date
	if t, err := time.Parse("2006-01-02", ev.Date); err == nil {
		when = t.Format("Mon Jan 2")
	}
	switch eventType {
	case TopicAppointmentBooked:
		return fmt.Sprintf("%s: we received your %s request for %s, %s. We'll confirm shortly.",
			d.studio, ev.ConsultationType, when, ev.TimeSlot), true
	case TopicAppointmentConfirmed:
		return fmt.Sprintf("%s: your %s on %s, %s is confirmed. See you then!",
			d.studio, ev.ConsultationType, when, ev.TimeSlot), true
	default:
		return "", false
	}
}
