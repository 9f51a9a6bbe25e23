package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/voidstone-studio/voidstone/libs/kafkax"
)

const (
	TopicAppointmentBooked    = "booking.appointment.booked.v1"
	TopicAppointmentConfirmed = "booking.appointment.confirmed.v1"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher emits appointment events for downstream consumers such as
// reminder schedulers or analytics. Messages are keyed by appointment id.
type EventPublisher struct {
	writer MessageWriter
}

func NewEventPublisher(brokers []string) *EventPublisher {
	return &EventPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}}
}

func (p *EventPublisher) AppointmentBooked(ctx context.Context, d Details) error {
	return p.publish(ctx, TopicAppointmentBooked, d)
}

func (p *EventPublisher) AppointmentConfirmed(ctx context.Context, d Details) error {
	return p.publish(ctx, TopicAppointmentConfirmed, d)
}

func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

func (p *EventPublisher) publish(ctx context.Context, topic string, d Details) error {
	payload, err := json.Marshal(eventPayload{
		Details:    d,
		Date:       d.Date.UTC().Format("2006-01-02"),
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	msg := kafkax.NewMessage(topic, d.AppointmentID, payload)
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

type eventPayload struct {
	Details
	Date       string    `json:"date"`
	OccurredAt time.Time `json:"occurredAt"`
}
