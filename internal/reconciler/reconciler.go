// Package reconciler removes availability slots that collide with remote busy
// periods and persists the windows it changed.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/internal"
)

// Overlaps reports whether slot [s,e) conflicts with busy period [bs,be):
// bs <= s < be, or bs < e <= be, or the period lies within the slot.
func Overlaps(slot availsync.Slot, busy availsync.BusyPeriod) bool {
	s, e := slot.Start, slot.End
	bs, be := busy.Start, busy.End

	if !s.Before(bs) && s.Before(be) {
		return true
	}
	if bs.Before(e) && !e.After(be) {
		return true
	}
	return !bs.Before(s) && !be.After(e)
}

// Reconcile returns the windows that lost at least one slot, each carrying its
// full replacement slot list. Input windows are not modified.
func Reconcile(windows []availsync.AvailabilityWindow, busy []availsync.BusyPeriod) []availsync.AvailabilityWindow {
	if len(busy) == 0 {
		return nil
	}

	var changed []availsync.AvailabilityWindow
	for _, w := range windows {
		slots := make([]availsync.Slot, 0, len(w.Slots))
		for _, slot := range w.Slots {
			if !overlapsAny(slot, busy) {
				slots = append(slots, slot)
			}
		}
		if len(slots) == len(w.Slots) {
			continue
		}
		w.Slots = slots
		changed = append(changed, w)
	}
	return changed
}

func overlapsAny(slot availsync.Slot, busy []availsync.BusyPeriod) bool {
	for _, b := range busy {
		if Overlaps(slot, b) {
			return true
		}
	}
	return false
}

// BusyPeriods keeps the events that block their time range.
func BusyPeriods(calendarID string, events []*availsync.Event) []availsync.BusyPeriod {
	var busy []availsync.BusyPeriod
	for _, e := range events {
		if e == nil || !e.Busy() {
			continue
		}
		busy = append(busy, availsync.BusyPeriod{
			CalendarID: calendarID,
			Start:      e.StartsAt,
			End:        e.EndsAt,
		})
	}
	return busy
}

type Reconciler struct {
	storage availsync.Storage
	logger  *slog.Logger

	// mu serializes writers so a window is never written concurrently.
	mu sync.Mutex
}

func New(logger *slog.Logger, storage availsync.Storage) *Reconciler {
	return &Reconciler{
		storage: storage,
		logger:  internal.LoggerOrDefault(logger),
	}
}

// Apply reconciles windows against busy and writes every changed window
// through the storage, one write per window. Windows whose write failed are
// left out of the returned list and reported in the error, wrapped with
// ErrPersistence; the next cycle recomputes them.
func (r *Reconciler) Apply(ctx context.Context, windows []availsync.AvailabilityWindow, busy []availsync.BusyPeriod) ([]availsync.AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		applied []availsync.AvailabilityWindow
		errs    []error
	)
	for _, w := range Reconcile(windows, busy) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := r.storage.PutAvailabilityWindow(ctx, w); err != nil {
			r.logger.Error("Unable to save availability window", "window", w.ID, "error", err)
			errs = append(errs, fmt.Errorf("window %s: %w: %w", w.ID, availsync.ErrPersistence, err))
			continue
		}
		r.logger.Info("Availability window updated", "window", w.ID, "weekday", w.Weekday, "slots", len(w.Slots))
		applied = append(applied, w)
	}
	return applied, errors.Join(errs...)
}
