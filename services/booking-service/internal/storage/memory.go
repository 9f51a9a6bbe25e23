package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
)

// Memory is an in-process store with the same contract as Repository. It backs
// BOOKING_STORE=memory for local runs without Postgres.
type Memory struct {
	mu    sync.Mutex
	days  map[string]*model.Availability
	appts map[string]*memAppointment
	seq   int64
	now   func() time.Time
}

type memAppointment struct {
	model.Appointment
	seq int64
}

func NewMemory() *Memory {
	return &Memory{
		days:  map[string]*model.Availability{},
		appts: map[string]*memAppointment{},
		now:   time.Now,
	}
}

func dayKey(designerID string, date time.Time) string {
	return designerID + "|" + dateParam(date)
}

func (m *Memory) ListAvailability(_ context.Context, designerID string, start, end time.Time) ([]model.Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := dateParam(start), dateParam(end)
	var out []model.Availability
	for _, a := range m.days {
		d := dateParam(a.Date)
		if a.DesignerID != designerID || d < from || d > to {
			continue
		}
		out = append(out, copyAvailability(*a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *Memory) EnsureAvailability(_ context.Context, designerID string, date time.Time, seed []model.Slot) (model.Availability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dayKey(designerID, date)
	if a, ok := m.days[key]; ok {
		return copyAvailability(*a), nil
	}
	u := date.UTC()
	a := &model.Availability{
		DesignerID: designerID,
		Date:       time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC),
		Slots:      append([]model.Slot{}, seed...),
	}
	m.days[key] = a
	return copyAvailability(*a), nil
}

func (m *Memory) ListActiveAppointments(_ context.Context, designerID string, start, end time.Time) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := dateParam(start), dateParam(end)
	out := []model.Appointment{}
	for _, a := range m.appts {
		d := dateParam(a.Date)
		if a.DesignerID == designerID && a.Status.Active() && d >= from && d <= to {
			out = append(out, a.Appointment)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].TimeSlot < out[j].TimeSlot
	})
	return out, nil
}

func (m *Memory) HasActiveAppointment(_ context.Context, designerID string, date time.Time, timeSlot string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(designerID, date, timeSlot, ""), nil
}

func (m *Memory) activeLocked(designerID string, date time.Time, timeSlot, exceptID string) bool {
	d := dateParam(date)
	for id, a := range m.appts {
		if id == exceptID {
			continue
		}
		if a.DesignerID == designerID && dateParam(a.Date) == d && a.TimeSlot == timeSlot && a.Status.Active() {
			return true
		}
	}
	return false
}

func (m *Memory) CreateBooking(_ context.Context, appt model.Appointment) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked(appt.DesignerID, appt.Date, appt.TimeSlot, "") {
		return model.Appointment{}, ErrSlotTaken
	}
	day, ok := m.days[dayKey(appt.DesignerID, appt.Date)]
	if !ok {
		return model.Appointment{}, ErrSlotTaken
	}
	idx := -1
	for i, s := range day.Slots {
		if s.Time == appt.TimeSlot && s.IsAvailable {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Appointment{}, ErrSlotTaken
	}

	now := m.now().UTC()
	appt.CreatedAt, appt.UpdatedAt = now, now
	m.seq++
	m.appts[appt.ID] = &memAppointment{Appointment: appt, seq: m.seq}
	day.Slots[idx].IsAvailable = false
	day.Slots[idx].BookedBy = appt.CustomerID
	return appt, nil
}

func (m *Memory) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	return a.Appointment, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, from, to model.Status, reason string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	if a.Status != from {
		return model.Appointment{}, ErrStatusChanged
	}
	if to.Active() && !from.Active() && m.activeLocked(a.DesignerID, a.Date, a.TimeSlot, id) {
		return model.Appointment{}, ErrSlotTaken
	}
	a.Status = to
	if reason != "" {
		a.CancelReason = reason
	}
	a.UpdatedAt = m.now().UTC()
	return a.Appointment, nil
}

func (m *Memory) ReleaseSlot(_ context.Context, designerID string, date time.Time, timeSlot, bookedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	day, ok := m.days[dayKey(designerID, date)]
	if !ok {
		return nil
	}
	for i := range day.Slots {
		s := &day.Slots[i]
		if s.Time == timeSlot && (s.BookedBy == bookedBy || s.BookedBy == "") {
			s.IsAvailable = true
			s.BookedBy = ""
		}
	}
	return nil
}

func (m *Memory) ListByCustomer(_ context.Context, customerID string, limit int) ([]model.Appointment, error) {
	return m.newest(func(a *memAppointment) bool { return a.CustomerID == customerID }, limit), nil
}

func (m *Memory) ListByDesigner(_ context.Context, designerID string, limit int) ([]model.Appointment, error) {
	return m.newest(func(a *memAppointment) bool { return a.DesignerID == designerID }, limit), nil
}

func (m *Memory) newest(match func(*memAppointment) bool, limit int) []model.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []*memAppointment
	for _, a := range m.appts {
		if match(a) {
			hits = append(hits, a)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].seq > hits[j].seq
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.Appointment, 0, len(hits))
	for _, a := range hits {
		out = append(out, a.Appointment)
	}
	return out
}

// ReconcileSlots mirrors Repository.ReconcileSlots. The in-process mutex stands
// in for the advisory lock, so runs are never skipped.
func (m *Memory) ReconcileSlots(_ context.Context, designerID string, from time.Time, _ int64) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res ReconcileResult
	start := dateParam(from)
	for _, day := range m.days {
		if day.DesignerID != designerID || dateParam(day.Date) < start {
			continue
		}
		for i := range day.Slots {
			s := &day.Slots[i]
			holder := ""
			for _, a := range m.appts {
				if a.DesignerID == designerID && a.Status.Active() && a.TimeSlot == s.Time && dateParam(a.Date) == dateParam(day.Date) {
					holder = a.CustomerID
					break
				}
			}
			switch {
			case holder == "" && !s.IsAvailable:
				s.IsAvailable, s.BookedBy = true, ""
				res.Released++
			case holder != "" && (s.IsAvailable || s.BookedBy != holder):
				s.IsAvailable, s.BookedBy = false, holder
				res.Claimed++
			}
		}
	}
	return res, nil
}

// SetSlot overwrites one stored slot; used to simulate drift.
func (m *Memory) SetSlot(designerID string, date time.Time, slot model.Slot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	day, ok := m.days[dayKey(designerID, date)]
	if !ok {
		return false
	}
	for i := range day.Slots {
		if day.Slots[i].Time == slot.Time {
			day.Slots[i] = slot
			return true
		}
	}
	return false
}

func copyAvailability(a model.Availability) model.Availability {
	a.Slots = append([]model.Slot{}, a.Slots...)
	return a
}
