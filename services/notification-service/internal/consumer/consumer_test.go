package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/voidstone-studio/voidstone/libs/kafkax"
)

type fakeReader struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	errs   []error
	closed bool
	done   chan struct{}
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	close(r.done)
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (m *memInbox) Record(_ context.Context, eventID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func TestRunDeduplicatesAndStops(t *testing.T) {
	first := kafkax.NewMessage("booking.appointment.booked.v1", "a1", []byte(`{}`))
	second := kafkax.NewMessage("booking.appointment.booked.v1", "a2", []byte(`{}`))
	reader := &fakeReader{
		msgs: []kafka.Message{first, first, second},
		errs: []error{errors.New("broker unavailable")},
		done: make(chan struct{}),
	}

	var handled []string
	var mu sync.Mutex
	c := newWithReader(slog.New(slog.NewJSONHandler(io.Discard, nil)), &memInbox{seen: map[string]bool{}}, reader,
		func(_ context.Context, msg kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			handled = append(handled, string(msg.Key))
			if string(msg.Key) == "a2" {
				return errors.New("handler failed")
			}
			return nil
		})
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()

	select {
	case <-reader.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader was not drained")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || handled[0] != "a1" || handled[1] != "a2" {
		t.Fatalf("expected a1 then a2 once each, got %v", handled)
	}
	reader.mu.Lock()
	defer reader.mu.Unlock()
	if !reader.closed {
		t.Fatal("reader must be closed when Run returns")
	}
}

func TestProcessSkipsHandlerWhenInboxFails(t *testing.T) {
	called := false
	c := newWithReader(slog.New(slog.NewJSONHandler(io.Discard, nil)), &memInbox{err: errors.New("db down")}, &fakeReader{},
		func(context.Context, kafka.Message) error {
			called = true
			return nil
		})

	c.process(context.Background(), kafkax.NewMessage("t", "k", nil))
	if called {
		t.Fatal("handler must not run when the inbox cannot record the event")
	}
}
