package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/guilherme-santos/availsync"
)

type Window struct {
	ID        string
	Weekday   int
	StartTime int `db:"start_time"`
	EndTime   int `db:"end_time"`
}

func (w Window) Convert(slots []availsync.Slot) availsync.AvailabilityWindow {
	return availsync.AvailabilityWindow{
		ID:        w.ID,
		Weekday:   time.Weekday(w.Weekday),
		StartTime: availsync.Clock(w.StartTime),
		EndTime:   availsync.Clock(w.EndTime),
		Slots:     slots,
	}
}

type Slot struct {
	ID       string
	WindowID string    `db:"window_id"`
	StartsAt time.Time `db:"starts_at"`
	EndsAt   time.Time `db:"ends_at"`
}

func (s Slot) Convert() availsync.Slot {
	return availsync.Slot{
		ID:    s.ID,
		Start: s.StartsAt.UTC(),
		End:   s.EndsAt.UTC(),
	}
}

type Meeting struct {
	ID              string
	Title           string
	StartsAt        time.Time `db:"starts_at"`
	EndsAt          time.Time `db:"ends_at"`
	Status          string
	HasConflict     bool   `db:"has_conflict"`
	ConflictDetails string `db:"conflict_details"`
}

func newMeeting(m *availsync.Meeting) (Meeting, error) {
	details := m.ConflictDetails
	if details == nil {
		details = []availsync.BusyPeriod{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return Meeting{}, err
	}
	return Meeting{
		ID:              m.ID,
		Title:           m.Title,
		StartsAt:        m.Start.UTC(),
		EndsAt:          m.End.UTC(),
		Status:          m.Status.String(),
		HasConflict:     m.HasConflict,
		ConflictDetails: string(b),
	}, nil
}

// Convert ignores malformed conflict details, the next sync rewrites them.
func (m Meeting) Convert() *availsync.Meeting {
	meeting := &availsync.Meeting{
		ID:          m.ID,
		Title:       m.Title,
		Start:       m.StartsAt.UTC(),
		End:         m.EndsAt.UTC(),
		Status:      availsync.MeetingStatus(m.Status),
		HasConflict: m.HasConflict,
	}
	var details []availsync.BusyPeriod
	if err := json.Unmarshal([]byte(m.ConflictDetails), &details); err == nil && len(details) > 0 {
		meeting.ConflictDetails = details
	}
	return meeting
}

type SyncState struct {
	Status    string
	LastSync  sql.NullTime `db:"last_sync"`
	LastError string       `db:"last_error"`
}

func (s SyncState) Convert() availsync.SyncState {
	state := availsync.SyncState{
		Status:    availsync.ConnectionStatus(s.Status),
		LastError: s.LastError,
	}
	if s.LastSync.Valid {
		state.LastSync = s.LastSync.Time.UTC()
	}
	return state
}
