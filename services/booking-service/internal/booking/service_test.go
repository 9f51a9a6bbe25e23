package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/notify"
	"github.com/voidstone-studio/voidstone/services/booking-service/internal/storage"
)

const (
	testDesigner = "designer-1"
	monday       = "2030-01-07"
	friday       = "2030-01-11"
	saturday     = "2030-01-05"
	sunday       = "2030-01-06"
)

// fakeStore delegates to an in-memory store unless a func field overrides a call.
type fakeStore struct {
	*storage.Memory
	hasActiveFn    func(ctx context.Context, designerID string, date time.Time, timeSlot string) (bool, error)
	createBookFn   func(ctx context.Context, appt model.Appointment) (model.Appointment, error)
	releaseSlotFn  func(ctx context.Context, designerID string, date time.Time, timeSlot, bookedBy string) error
	listByDesignFn func(ctx context.Context, designerID string, limit int) ([]model.Appointment, error)
}

func (f *fakeStore) HasActiveAppointment(ctx context.Context, designerID string, date time.Time, timeSlot string) (bool, error) {
	if f.hasActiveFn != nil {
		return f.hasActiveFn(ctx, designerID, date, timeSlot)
	}
	return f.Memory.HasActiveAppointment(ctx, designerID, date, timeSlot)
}

func (f *fakeStore) CreateBooking(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	if f.createBookFn != nil {
		return f.createBookFn(ctx, appt)
	}
	return f.Memory.CreateBooking(ctx, appt)
}

func (f *fakeStore) ReleaseSlot(ctx context.Context, designerID string, date time.Time, timeSlot, bookedBy string) error {
	if f.releaseSlotFn != nil {
		return f.releaseSlotFn(ctx, designerID, date, timeSlot, bookedBy)
	}
	return f.Memory.ReleaseSlot(ctx, designerID, date, timeSlot, bookedBy)
}

func (f *fakeStore) ListByDesigner(ctx context.Context, designerID string, limit int) ([]model.Appointment, error) {
	if f.listByDesignFn != nil {
		return f.listByDesignFn(ctx, designerID, limit)
	}
	return f.Memory.ListByDesigner(ctx, designerID, limit)
}

type recordingNotifier struct {
	mu        sync.Mutex
	booked    []notify.Details
	confirmed []notify.Details
	err       error
}

func (n *recordingNotifier) AppointmentBooked(_ context.Context, d notify.Details) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.booked = append(n.booked, d)
	return n.err
}

func (n *recordingNotifier) AppointmentConfirmed(_ context.Context, d notify.Details) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, d)
	return n.err
}

func newTestService(t *testing.T, store Store, n notify.Notifier) *Service {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewService(store, n, logger, Config{DesignerID: testDesigner, AdminEmail: "studio@example.com"})
}

func customer(id string) *Principal {
	return &Principal{UserID: id, Email: id + "@example.com", Name: "Customer " + id, Role: "customer"}
}

func admin() *Principal {
	return &Principal{UserID: "admin-1", Email: "admin@example.com", Role: RoleAdmin}
}

func expectKind(t *testing.T, err error, want Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if be.Kind != want {
		t.Fatalf("expected kind %s, got %s (%s)", want, be.Kind, be.Message)
	}
	return be
}

func findSlot(t *testing.T, days []model.Availability, date, label string) model.Slot {
	t.Helper()
	for _, d := range days {
		if d.Date.Format(model.DateLayout) != date {
			continue
		}
		if s, ok := d.Slot(label); ok {
			return s
		}
	}
	t.Fatalf("slot %s %s not found", date, label)
	return model.Slot{}
}

func TestAvailabilityRangeWeekdays(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)

	days, err := svc.AvailabilityRange(context.Background(), monday, friday)
	if err != nil {
		t.Fatalf("AvailabilityRange failed: %v", err)
	}
	if len(days) != 5 {
		t.Fatalf("expected 5 weekdays, got %d", len(days))
	}
	for i, d := range days {
		if len(d.Slots) != 7 {
			t.Fatalf("day %d: expected 7 slots, got %d", i, len(d.Slots))
		}
		if i > 0 && !d.Date.After(days[i-1].Date) {
			t.Fatalf("days not in ascending order at %d", i)
		}
		for _, s := range d.Slots {
			if !s.IsAvailable {
				t.Fatalf("expected %s on %s to be free", s.Time, d.Date.Format(model.DateLayout))
			}
		}
	}
}

func TestAvailabilityRangeSkipsWeekends(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)

	days, err := svc.AvailabilityRange(context.Background(), saturday, sunday)
	if err != nil {
		t.Fatalf("AvailabilityRange failed: %v", err)
	}
	if len(days) != 0 {
		t.Fatalf("expected no entries for a weekend, got %d", len(days))
	}

	days, err = svc.AvailabilityRange(context.Background(), saturday, "2030-01-08")
	if err != nil {
		t.Fatalf("AvailabilityRange failed: %v", err)
	}
	if len(days) != 2 || days[0].Date.Format(model.DateLayout) != monday {
		t.Fatalf("expected Monday and Tuesday only, got %+v", days)
	}
}

func TestAvailabilityRangeValidation(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	cases := []struct {
		name       string
		start, end string
	}{
		{"missing start", "", friday},
		{"missing end", monday, ""},
		{"bad date", "07/01/2030", friday},
		{"reversed", friday, monday},
		{"too wide", "2030-01-01", "2030-06-01"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AvailabilityRange(ctx, tc.start, tc.end)
			expectKind(t, err, KindValidation)
		})
	}
}

func TestBookThenAvailabilityShowsSlotTaken(t *testing.T) {
	n := &recordingNotifier{}
	svc := newTestService(t, storage.NewMemory(), n)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "11:00-12:00", Notes: "  first fitting "})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if appt.Status != model.StatusPending {
		t.Fatalf("expected pending, got %s", appt.Status)
	}
	if appt.ConsultationType != model.ConsultationConsultation {
		t.Fatalf("expected default consultation type, got %s", appt.ConsultationType)
	}
	if appt.DesignerID != testDesigner || appt.CustomerID != "c1" || appt.Notes != "first fitting" {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	days, err := svc.AvailabilityRange(ctx, monday, monday)
	if err != nil {
		t.Fatalf("AvailabilityRange failed: %v", err)
	}
	if s := findSlot(t, days, monday, "11:00-12:00"); s.IsAvailable {
		t.Fatal("expected booked slot to be unavailable")
	}
	if s := findSlot(t, days, monday, "10:00-11:00"); !s.IsAvailable {
		t.Fatal("expected neighbouring slot to stay free")
	}

	svc.Wait()
	if len(n.booked) != 1 {
		t.Fatalf("expected one booked notification, got %d", len(n.booked))
	}
	if d := n.booked[0]; d.AppointmentID != appt.ID || d.AdminEmail != "studio@example.com" || d.CustomerEmail != "c1@example.com" {
		t.Fatalf("unexpected notification details %+v", d)
	}
}

func TestBookSameSlotTwiceConflicts(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()
	req := BookRequest{Date: monday, TimeSlot: "13:00-14:00"}

	if _, err := svc.Book(ctx, customer("c1"), req); err != nil {
		t.Fatalf("first Book failed: %v", err)
	}
	_, err := svc.Book(ctx, customer("c2"), req)
	be := expectKind(t, err, KindSlotConflict)
	if !strings.Contains(be.Message, "already booked") {
		t.Fatalf("unexpected message %q", be.Message)
	}
}

func TestBookRejectsWeekend(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)

	_, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: saturday, TimeSlot: "10:00-11:00"})
	be := expectKind(t, err, KindInvalidBookingWindow)
	if !strings.Contains(be.Message, "only available on weekdays") {
		t.Fatalf("unexpected message %q", be.Message)
	}
}

func TestBookRejectsOutsideStudioHours(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)

	for _, slot := range []string{"17:00-18:00", "09:00-10:00"} {
		_, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: monday, TimeSlot: slot})
		be := expectKind(t, err, KindInvalidBookingWindow)
		if !strings.Contains(be.Message, "10 AM to 4 PM") {
			t.Fatalf("unexpected message %q", be.Message)
		}
	}
}

func TestBookUnknownSlotLabel(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)

	_, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: monday, TimeSlot: "10:30-11:30"})
	expectKind(t, err, KindInvalidSlot)
}

func TestBookCheckOrder(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	if _, err := svc.Book(ctx, nil, BookRequest{}); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized before validation, got %v", err)
	}

	cases := []struct {
		name    string
		req     BookRequest
		kind    Kind
		message string
	}{
		{"missing date", BookRequest{TimeSlot: "10:00-11:00"}, KindValidation, "date is required"},
		{"missing slot", BookRequest{Date: monday}, KindValidation, "timeSlot is required"},
		{"bad slot format", BookRequest{Date: monday, TimeSlot: "10-11"}, KindValidation, "timeSlot must be in HH:MM-HH:MM format"},
		{"bad type", BookRequest{Date: monday, TimeSlot: "10:00-11:00", ConsultationType: "party"}, KindValidation, "consultationType must be one of"},
		{"long notes", BookRequest{Date: monday, TimeSlot: "10:00-11:00", Notes: strings.Repeat("x", 501)}, KindValidation, "notes must be at most 500"},
		{"weekend before hours", BookRequest{Date: sunday, TimeSlot: "20:00-21:00"}, KindInvalidBookingWindow, "weekdays"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Book(ctx, customer("c1"), tc.req)
			be := expectKind(t, err, tc.kind)
			if !strings.Contains(be.Message, tc.message) {
				t.Fatalf("expected message containing %q, got %q", tc.message, be.Message)
			}
		})
	}
}

func TestBookRaceLoserGetsSlotConflict(t *testing.T) {
	store := &fakeStore{Memory: storage.NewMemory()}
	store.hasActiveFn = func(context.Context, string, time.Time, string) (bool, error) { return false, nil }
	store.createBookFn = func(context.Context, model.Appointment) (model.Appointment, error) {
		return model.Appointment{}, storage.ErrSlotTaken
	}
	n := &recordingNotifier{}
	svc := newTestService(t, store, n)

	_, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	expectKind(t, err, KindSlotConflict)
	svc.Wait()
	if len(n.booked) != 0 {
		t.Fatal("no notification expected for a lost race")
	}
}

func TestConcurrentBookingsHaveOneWinner(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Book(ctx, customer(string(rune('a'+i))), BookRequest{Date: monday, TimeSlot: "15:00-16:00"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case KindOf(err) == KindSlotConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", callers-1, wins, conflicts)
	}
}

func TestBookInternalErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	store := &fakeStore{Memory: storage.NewMemory()}
	store.hasActiveFn = func(context.Context, string, time.Time, string) (bool, error) { return false, boom }
	svc := newTestService(t, store, nil)

	_, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	expectKind(t, err, KindInternal)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestBookNotificationFailureIsSwallowed(t *testing.T) {
	n := &recordingNotifier{err: errors.New("smtp down")}
	svc := newTestService(t, storage.NewMemory(), n)

	appt, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book must succeed when notifications fail: %v", err)
	}
	svc.Wait()
	if appt.ID == "" || len(n.booked) != 1 {
		t.Fatalf("expected stored appointment and one attempt, got %+v / %d", appt, len(n.booked))
	}
}

func TestCancelReleasesSlot(t *testing.T) {
	store := storage.NewMemory()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	date, _ := ParseDate(monday)

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "12:00-13:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, customer("c1"), appt.ID, "schedule clash")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.CancelReason != "schedule clash" {
		t.Fatalf("unexpected cancelled appointment %+v", cancelled)
	}

	doc, err := store.EnsureAvailability(ctx, testDesigner, date, nil)
	if err != nil {
		t.Fatalf("EnsureAvailability failed: %v", err)
	}
	slot, ok := doc.Slot("12:00-13:00")
	if !ok || !slot.IsAvailable || slot.BookedBy != "" {
		t.Fatalf("expected released slot, got %+v", slot)
	}
}

func TestBookCancelRebookRoundTrip(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()
	req := BookRequest{Date: monday, TimeSlot: "14:00-15:00"}

	first, err := svc.Book(ctx, customer("c1"), req)
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if _, err := svc.Cancel(ctx, customer("c1"), first.ID, ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	second, err := svc.Book(ctx, customer("c2"), req)
	if err != nil {
		t.Fatalf("re-book failed: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("expected a new appointment")
	}
}

func TestCancelRules(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}

	if _, err := svc.Cancel(ctx, nil, appt.ID, ""); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.Cancel(ctx, customer("c2"), appt.ID, ""); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	if _, err := svc.Cancel(ctx, customer("c1"), "6f1c2a8e-0000-4000-8000-000000000000", ""); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Cancel(ctx, customer("c1"), "not-a-uuid", ""); KindOf(err) != KindNotFound {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}

	if _, err := svc.Cancel(ctx, admin(), appt.ID, "studio closed"); err != nil {
		t.Fatalf("admin Cancel failed: %v", err)
	}
	again, err := svc.Cancel(ctx, customer("c1"), appt.ID, "")
	if err != nil {
		t.Fatalf("repeat Cancel must succeed: %v", err)
	}
	if again.CancelReason != "studio closed" {
		t.Fatalf("repeat cancel changed reason to %q", again.CancelReason)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "16:00-17:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if _, err := svc.Complete(ctx, admin(), appt.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	_, err = svc.Cancel(ctx, customer("c1"), appt.ID, "")
	be := expectKind(t, err, KindInvalidStateTransition)
	if !strings.Contains(be.Message, "Cannot cancel completed") {
		t.Fatalf("unexpected message %q", be.Message)
	}
}

func TestCancelSucceedsWhenSlotReleaseFails(t *testing.T) {
	store := &fakeStore{Memory: storage.NewMemory()}
	store.releaseSlotFn = func(context.Context, string, time.Time, string, string) error {
		return errors.New("release failed")
	}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	cancelled, err := svc.Cancel(ctx, customer("c1"), appt.ID, "")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// The slot flag was never cleared, so the day still reports it taken.
	days, err := svc.AvailabilityRange(ctx, monday, monday)
	if err != nil {
		t.Fatalf("AvailabilityRange failed: %v", err)
	}
	if s := findSlot(t, days, monday, "10:00-11:00"); s.IsAvailable {
		t.Fatal("expected unreleased slot to read as taken")
	}
}

func TestAvailabilityMasksDriftedSlot(t *testing.T) {
	store := storage.NewMemory()
	svc := newTestService(t, store, nil)
	ctx := context.Background()
	date, _ := ParseDate(monday)

	if _, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "11:00-12:00"}); err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if !store.SetSlot(testDesigner, date, model.Slot{Time: "11:00-12:00", IsAvailable: true}) {
		t.Fatal("SetSlot failed")
	}

	days, err := svc.AvailabilityRange(ctx, monday, monday)
	if err != nil {
		t.Fatalf("AvailabilityRange failed: %v", err)
	}
	if s := findSlot(t, days, monday, "11:00-12:00"); s.IsAvailable {
		t.Fatal("live appointment must mark the slot taken")
	}
	_, err = svc.Book(ctx, customer("c2"), BookRequest{Date: monday, TimeSlot: "11:00-12:00"})
	expectKind(t, err, KindSlotConflict)
}

func TestConfirm(t *testing.T) {
	n := &recordingNotifier{}
	svc := newTestService(t, storage.NewMemory(), n)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}

	if _, err := svc.Confirm(ctx, customer("c1"), appt.ID); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden for customer, got %v", err)
	}
	if _, err := svc.Confirm(ctx, nil, appt.ID); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	confirmed, err := svc.Confirm(ctx, admin(), appt.ID)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
	svc.Wait()
	if len(n.confirmed) != 1 || n.confirmed[0].Status != string(model.StatusConfirmed) {
		t.Fatalf("expected one confirmed notification, got %+v", n.confirmed)
	}

	if _, err := svc.Confirm(ctx, admin(), appt.ID); err != nil {
		t.Fatalf("repeat Confirm failed: %v", err)
	}
	svc.Wait()
	if len(n.confirmed) != 1 {
		t.Fatal("repeat Confirm must not notify again")
	}

	if _, err := svc.Cancel(ctx, customer("c1"), appt.ID, ""); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	_, err = svc.Confirm(ctx, admin(), appt.ID)
	expectKind(t, err, KindInvalidStateTransition)
}

func TestConfirmNotificationFailureIsSwallowed(t *testing.T) {
	n := &recordingNotifier{}
	svc := newTestService(t, storage.NewMemory(), n)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	svc.Wait()
	n.err = errors.New("kafka unavailable")
	if _, err := svc.Confirm(ctx, admin(), appt.ID); err != nil {
		t.Fatalf("Confirm must succeed when notifications fail: %v", err)
	}
	svc.Wait()
	if len(n.confirmed) != 1 {
		t.Fatalf("expected one confirmation attempt, got %d", len(n.confirmed))
	}
}

func TestCompleteAndNoShow(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	a1, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	a2, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "11:00-12:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}

	if _, err := svc.Complete(ctx, customer("c1"), a1.ID); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	done, err := svc.Complete(ctx, admin(), a1.ID)
	if err != nil || done.Status != model.StatusCompleted {
		t.Fatalf("Complete: %+v, %v", done, err)
	}
	if _, err := svc.MarkNoShow(ctx, admin(), a1.ID); KindOf(err) != KindInvalidStateTransition {
		t.Fatalf("expected invalid transition from completed, got %v", err)
	}

	missed, err := svc.MarkNoShow(ctx, admin(), a2.ID)
	if err != nil || missed.Status != model.StatusNoShow {
		t.Fatalf("MarkNoShow: %+v, %v", missed, err)
	}
	if _, err := svc.Confirm(ctx, admin(), a2.ID); KindOf(err) != KindInvalidStateTransition {
		t.Fatalf("expected invalid transition from no-show, got %v", err)
	}
}

func TestCancelNoShowKeepsRebookedSlot(t *testing.T) {
	mem := storage.NewMemory()
	svc := newTestService(t, mem, nil)
	ctx := context.Background()
	day, _ := ParseDate(monday)

	first, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "13:00-14:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if _, err := svc.MarkNoShow(ctx, admin(), first.ID); err != nil {
		t.Fatalf("MarkNoShow failed: %v", err)
	}
	if _, err := mem.ReconcileSlots(ctx, testDesigner, day, 0); err != nil {
		t.Fatalf("ReconcileSlots failed: %v", err)
	}
	second, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "13:00-14:00"})
	if err != nil {
		t.Fatalf("rebook failed: %v", err)
	}

	if _, err := svc.Cancel(ctx, customer("c1"), first.ID, "tidy up"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	stored, err := mem.ListAvailability(ctx, testDesigner, day, day)
	if err != nil || len(stored) != 1 {
		t.Fatalf("ListAvailability: %+v, %v", stored, err)
	}
	s, ok := stored[0].Slot("13:00-14:00")
	if !ok || s.IsAvailable || s.BookedBy != "c1" {
		t.Fatalf("slot held by %s must stay booked, got %+v", second.ID, s)
	}
}

func TestBookDoesNotWaitForNotifications(t *testing.T) {
	release := make(chan struct{})
	n := &blockingNotifier{release: release}
	svc := newTestService(t, storage.NewMemory(), n)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Book(context.Background(), customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Book failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Book blocked on the notifier")
	}

	close(release)
	svc.Wait()
	if got := n.calls.Load(); got != 1 {
		t.Fatalf("expected one notification, got %d", got)
	}
}

type blockingNotifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingNotifier) AppointmentBooked(ctx context.Context, _ notify.Details) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.calls.Add(1)
	return nil
}

func (b *blockingNotifier) AppointmentConfirmed(context.Context, notify.Details) error { return nil }

func TestGetOwnership(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: "10:00-11:00"})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	if _, err := svc.Get(ctx, customer("c1"), appt.ID); err != nil {
		t.Fatalf("owner Get failed: %v", err)
	}
	if _, err := svc.Get(ctx, admin(), appt.ID); err != nil {
		t.Fatalf("admin Get failed: %v", err)
	}
	if _, err := svc.Get(ctx, customer("c2"), appt.ID); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestListMineNewestFirst(t *testing.T) {
	svc := newTestService(t, storage.NewMemory(), nil)
	ctx := context.Background()

	var ids []string
	for _, slot := range []string{"10:00-11:00", "11:00-12:00", "12:00-13:00"} {
		appt, err := svc.Book(ctx, customer("c1"), BookRequest{Date: monday, TimeSlot: slot})
		if err != nil {
			t.Fatalf("Book %s failed: %v", slot, err)
		}
		ids = append(ids, appt.ID)
	}
	if _, err := svc.Book(ctx, customer("c2"), BookRequest{Date: monday, TimeSlot: "13:00-14:00"}); err != nil {
		t.Fatalf("Book failed: %v", err)
	}

	if _, err := svc.ListMine(ctx, nil); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	mine, err := svc.ListMine(ctx, customer("c1"))
	if err != nil {
		t.Fatalf("ListMine failed: %v", err)
	}
	if len(mine) != 3 {
		t.Fatalf("expected 3 appointments, got %d", len(mine))
	}
	if mine[0].ID != ids[2] || mine[2].ID != ids[0] {
		t.Fatalf("expected newest first, got %s..%s", mine[0].ID, mine[2].ID)
	}
}

func TestListAllAdminOnlyWithLimit(t *testing.T) {
	var gotLimit int
	store := &fakeStore{Memory: storage.NewMemory()}
	store.listByDesignFn = func(_ context.Context, designerID string, limit int) ([]model.Appointment, error) {
		if designerID != testDesigner {
			t.Fatalf("unexpected designer %q", designerID)
		}
		gotLimit = limit
		return []model.Appointment{}, nil
	}
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	if _, err := svc.ListAll(ctx, customer("c1")); KindOf(err) != KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.ListAll(ctx, admin()); err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if gotLimit != 100 {
		t.Fatalf("expected limit 100, got %d", gotLimit)
	}
}

func TestDesignerScoping(t *testing.T) {
	store := storage.NewMemory()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	a := NewService(store, nil, logger, Config{DesignerID: "designer-a"})
	b := NewService(store, nil, logger, Config{DesignerID: "designer-b"})
	ctx := context.Background()
	req := BookRequest{Date: monday, TimeSlot: "10:00-11:00"}

	if _, err := a.Book(ctx, customer("c1"), req); err != nil {
		t.Fatalf("Book with designer a failed: %v", err)
	}
	if _, err := b.Book(ctx, customer("c2"), req); err != nil {
		t.Fatalf("same slot with designer b must be free: %v", err)
	}
}
