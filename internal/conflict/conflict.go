// Package conflict cross-checks confirmed meetings against the remote
// calendars' free/busy data.
package conflict

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/internal"
)

// Remote answers free/busy queries and lists events, usually a
// *calendar.Client.
type Remote interface {
	FreeBusy(_ context.Context, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error)
	ListEvents(_ context.Context, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*availsync.Event, error)
}

// maxEventsPerSpan bounds the listing done to find a meeting's own event.
const maxEventsPerSpan = 250

type Detector struct {
	remote  Remote
	storage availsync.Storage
	logger  *slog.Logger
	now     func() time.Time
}

func NewDetector(logger *slog.Logger, remote Remote, storage availsync.Storage) *Detector {
	return &Detector{
		remote:  remote,
		storage: storage,
		logger:  internal.LoggerOrDefault(logger),
		now:     time.Now,
	}
}

// DetectConflicts queries free/busy over the exact span of every meeting not
// yet finished. A meeting with busy periods is reported and persisted with
// HasConflict set; a previously flagged meeting found free again is cleared.
// The meeting's own event never counts against it. Failures are logged per
// meeting and do not stop the others, except an authentication failure
// which is returned.
func (d *Detector) DetectConflicts(ctx context.Context, meetings []*availsync.Meeting, calendarIDs []string) ([]availsync.ConflictReport, error) {
	if len(calendarIDs) == 0 {
		return nil, nil
	}

	var (
		reports []availsync.ConflictReport
		now     = d.now()
	)
	for _, m := range meetings {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		if !m.End.After(now) {
			continue
		}

		busyByCal, err := d.remote.FreeBusy(ctx, calendarIDs, m.Start, m.End)
		if err == nil {
			err = d.withoutOwnEvent(ctx, m, busyByCal)
		}
		if err != nil {
			if availsync.IsAuthError(err) {
				return reports, err
			}
			d.logger.Error("Unable to check meeting", "meeting", m.ID, "error", err)
			continue
		}

		busy := flatten(busyByCal)
		if len(busy) == 0 {
			if m.HasConflict {
				m.HasConflict = false
				m.ConflictDetails = nil
				d.save(ctx, m)
			}
			continue
		}

		m.HasConflict = true
		m.ConflictDetails = busy
		d.save(ctx, m)

		d.logger.Warn("Meeting conflicts with remote calendar", "meeting", m.ID, "title", m.Title, "busy", len(busy))
		reports = append(reports, availsync.ConflictReport{
			Meeting:           m,
			ConflictingEvents: busy,
		})
	}
	return reports, nil
}

// withoutOwnEvent recomputes, from the events themselves, the busy periods
// of every calendar holding the meeting's own event, leaving that event out.
// Free/busy answers carry no event ids, so other calendars are kept as is.
func (d *Detector) withoutOwnEvent(ctx context.Context, m *availsync.Meeting, busyByCal map[string][]availsync.BusyPeriod) error {
	for calID, periods := range busyByCal {
		if len(periods) == 0 {
			continue
		}
		events, err := d.remote.ListEvents(ctx, calID, m.Start, m.End, maxEventsPerSpan)
		if err != nil {
			return err
		}

		var (
			own   bool
			other []availsync.BusyPeriod
		)
		for _, e := range events {
			if e.ID == m.ID {
				own = true
				continue
			}
			if !e.Busy() || !e.StartsAt.Before(m.End) || !e.EndsAt.After(m.Start) {
				continue
			}
			other = append(other, availsync.BusyPeriod{CalendarID: calID, Start: e.StartsAt, End: e.EndsAt})
		}
		if own {
			busyByCal[calID] = other
		}
	}
	return nil
}

func (d *Detector) save(ctx context.Context, m *availsync.Meeting) {
	if err := d.storage.PutMeeting(ctx, m); err != nil {
		d.logger.Error("Unable to save meeting", "meeting", m.ID, "error", err)
	}
}

// flatten merges the per calendar answer in a stable order.
func flatten(busyByCal map[string][]availsync.BusyPeriod) []availsync.BusyPeriod {
	var busy []availsync.BusyPeriod
	for _, periods := range busyByCal {
		busy = append(busy, periods...)
	}
	sort.Slice(busy, func(i, j int) bool {
		if !busy[i].Start.Equal(busy[j].Start) {
			return busy[i].Start.Before(busy[j].Start)
		}
		return busy[i].CalendarID < busy[j].CalendarID
	})
	return busy
}
