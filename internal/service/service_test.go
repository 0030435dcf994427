package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/calendar"
	"github.com/guilherme-santos/availsync/calendar/calendartest"
	"github.com/guilherme-santos/availsync/internal/storagetest"
	"github.com/guilherme-santos/availsync/internal/syncer"
)

type fixture struct {
	provider *calendartest.Provider
	storage  *storagetest.Storage
	syncer   *syncer.Syncer
	service  *Service
}

func newFixture(t *testing.T, cred *availsync.Credential) *fixture {
	t.Helper()

	f := &fixture{
		provider: &calendartest.Provider{
			Calendars: []availsync.CalendarRef{
				{ID: "team", DisplayName: "Team"},
				{ID: "primary", DisplayName: "Me", IsPrimary: true},
			},
		},
		storage: storagetest.New(),
	}
	client := calendar.NewClient(nil, f.provider, calendartest.NewTokenStore(cred))
	f.syncer = syncer.New(nil, client, f.storage, nil)
	f.service = New(nil, client, f.storage, f.syncer)
	return f
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	state, err := f.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusDisconnected, state.Status)

	require.NoError(t, f.service.Connect(ctx, &availsync.Credential{AccessToken: "tok"}))
	state, err = f.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusConnected, state.Status)

	f.provider.ListCalendarsFunc = func(context.Context, *availsync.Credential) ([]availsync.CalendarRef, error) {
		return nil, availsync.ErrNetwork
	}
	assert.Error(t, f.syncer.Sync(ctx))
	state, err = f.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusError, state.Status)
	assert.NotEmpty(t, state.LastError)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	f.syncer.Start(ctx)

	require.NoError(t, f.service.Disconnect(ctx))
	assert.False(t, f.syncer.Running())

	_, err := f.service.Events(ctx, time.Now(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, availsync.ErrNotAuthenticated)

	state, err := f.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusDisconnected, state.Status)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	f.provider.Events = map[string][]*availsync.Event{
		"team":    {{ID: "t1", StartsAt: start.Add(2 * time.Hour), EndsAt: start.Add(3 * time.Hour)}},
		"primary": {{ID: "p1", StartsAt: start, EndsAt: start.Add(time.Hour)}},
	}

	events, err := f.service.Events(ctx, start, start.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "p1", events[0].ID)
	assert.Equal(t, "t1", events[1].ID)
}

func TestAddWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	from := availsync.NewDate(2025, 3, 3, time.UTC)
	w, err := f.service.AddWindow(ctx, time.Monday, availsync.NewClock(9, 0), availsync.NewClock(10, 0), from, 7, 30*time.Minute)
	require.NoError(t, err)
	assert.Len(t, w.Slots, 2)

	windows, err := f.service.Windows(ctx)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, w.ID, windows[0].ID)

	_, err = f.service.AddWindow(ctx, time.Monday, availsync.NewClock(10, 0), availsync.NewClock(9, 0), from, 7, 30*time.Minute)
	assert.Error(t, err)
}

func TestScheduleAndConfirmMeeting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)

	m, calendarID, err := f.service.ScheduleMeeting(ctx, "Intro call", start, start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "primary", calendarID)
	assert.Equal(t, availsync.MeetingPending, m.Status)
	require.NotEmpty(t, m.ID)

	meetings, err := f.service.Meetings(ctx)
	require.NoError(t, err)
	require.Len(t, meetings, 1)

	// The event was moved on the remote calendar in the meantime.
	moved := start.Add(time.Hour)
	remote, err := f.provider.GetEvent(ctx, nil, calendarID, m.ID)
	require.NoError(t, err)
	remote.StartsAt, remote.EndsAt = moved, moved.Add(30*time.Minute)

	f.provider.Busy = map[string][]availsync.BusyPeriod{
		"team": {{CalendarID: "team", Start: moved, End: moved.Add(15 * time.Minute)}},
	}

	confirmed, err := f.service.ConfirmMeeting(ctx, calendarID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, availsync.MeetingConfirmed, confirmed.Status)
	assert.True(t, moved.Equal(confirmed.Start), "confirmation uses the freshly fetched event")
	assert.Equal(t, 1, f.provider.Calls("UpdateEvent"))

	stored := f.storage.StoredMeeting(m.ID)
	require.NotNil(t, stored)
	assert.Equal(t, availsync.MeetingConfirmed, stored.Status)
	assert.True(t, stored.HasConflict, "the new meeting is checked right away")

	reports, err := f.service.CheckConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, m.ID, reports[0].Meeting.ID)
}

func TestConfirmedMeetingDoesNotConflictWithItself(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	start := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Hour)

	m, calendarID, err := f.service.ScheduleMeeting(ctx, "Intro call", start, start.Add(30*time.Minute))
	require.NoError(t, err)

	confirmed, err := f.service.ConfirmMeeting(ctx, calendarID, m.ID)
	require.NoError(t, err)
	assert.False(t, confirmed.HasConflict)
	assert.Empty(t, confirmed.ConflictDetails)

	reports, err := f.service.CheckConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)
	assert.False(t, f.storage.StoredMeeting(m.ID).HasConflict)
}

func TestConfirmMeetingNotFound(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})

	_, err := f.service.ConfirmMeeting(context.Background(), "primary", "missing")
	assert.ErrorIs(t, err, availsync.ErrNotFound)
	assert.Zero(t, f.provider.Calls("UpdateEvent"))
}
