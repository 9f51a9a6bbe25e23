package availability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/voidstone-studio/voidstone/services/booking-service/internal/model"
)

// Studio hours: one-hour slots starting on the hour from FirstHour through
// LastHour inclusive, weekdays only.
const (
	FirstHour = 10
	LastHour  = 16
)

// GenerateSlots returns the default slot list for date. Weekends have no slots.
func GenerateSlots(date time.Time) []model.Slot {
	if IsWeekend(date) {
		return []model.Slot{}
	}
	slots := make([]model.Slot, 0, LastHour-FirstHour+1)
	for h := FirstHour; h <= LastHour; h++ {
		slots = append(slots, model.Slot{Time: SlotLabel(h), IsAvailable: true})
	}
	return slots
}

func SlotLabel(hour int) string {
	return fmt.Sprintf("%02d:00-%02d:00", hour, hour+1)
}

// IsWeekend reports whether date falls on Saturday or Sunday in UTC.
func IsWeekend(date time.Time) bool {
	switch date.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return true
	default:
		return false
	}
}

// StartHour parses the leading hour of a "HH:MM-HH:MM" label.
func StartHour(label string) (int, bool) {
	if len(label) < 2 {
		return 0, false
	}
	h, err := strconv.Atoi(label[:2])
	if err != nil {
		return 0, false
	}
	return h, true
}

func WithinStudioHours(label string) bool {
	h, ok := StartHour(label)
	return ok && h >= FirstHour && h <= LastHour
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay is the last representable millisecond of t's UTC day.
func EndOfDay(t time.Time) time.Time {
	return Day(t).Add(24*time.Hour - time.Millisecond)
}
