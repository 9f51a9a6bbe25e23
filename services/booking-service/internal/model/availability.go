package model

import "time"

type Slot struct {
	Time        string
	IsAvailable bool
	BookedBy    string
}

// Availability is the slot list for one designer on one calendar day (UTC).
type Availability struct {
	DesignerID string
	Date       time.Time
	Slots      []Slot
}

func (a Availability) Slot(label string) (Slot, bool) {
	for _, s := range a.Slots {
		if s.Time == label {
			return s, true
		}
	}
	return Slot{}, false
}
