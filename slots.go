package availsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func NewAvailabilityWindow(weekday time.Weekday, start, end Clock) (AvailabilityWindow, error) {
	if end <= start {
		return AvailabilityWindow{}, fmt.Errorf("window end %s must be after start %s", end, start)
	}
	return AvailabilityWindow{
		ID:        uuid.NewString(),
		Weekday:   weekday,
		StartTime: start,
		EndTime:   end,
	}, nil
}

// GenerateSlots expands w into consecutive slots of the given length on every
// matching weekday in [from, from+days). A trailing remainder shorter than
// length is not offered.
func GenerateSlots(w AvailabilityWindow, from Date, days int, length time.Duration) ([]Slot, error) {
	if length <= 0 {
		return nil, errors.New("slot length must be positive")
	}
	var slots []Slot
	for i := 0; i < days; i++ {
		day := from.AddDate(0, 0, i)
		if day.Weekday() != w.Weekday {
			continue
		}
		end := day.At(w.EndTime)
		for start := day.At(w.StartTime); !start.Add(length).After(end); start = start.Add(length) {
			slots = append(slots, Slot{
				ID:    uuid.NewString(),
				Start: start,
				End:   start.Add(length),
			})
		}
	}
	return slots, nil
}
