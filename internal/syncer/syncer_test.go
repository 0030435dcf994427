package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/calendar"
	"github.com/guilherme-santos/availsync/calendar/calendartest"
	"github.com/guilherme-santos/availsync/internal/notify"
	"github.com/guilherme-santos/availsync/internal/storagetest"
)

type registrar struct {
	mu           sync.Mutex
	registered   []string
	unregistered int
}

func (r *registrar) RegisterWebhook(_ context.Context, calendarID string, _ *availsync.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, calendarID)
	return nil
}

func (r *registrar) UnregisterWebhook(context.Context, *availsync.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered++
	return nil
}

type stateStore struct {
	mu    sync.Mutex
	saved []availsync.SyncState
}

func (s *stateStore) SyncState(context.Context) (availsync.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return availsync.SyncState{Status: availsync.StatusDisconnected}, nil
	}
	return s.saved[len(s.saved)-1], nil
}

func (s *stateStore) SaveSyncState(_ context.Context, state availsync.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, state)
	return nil
}

type fixture struct {
	provider *calendartest.Provider
	storage  *storagetest.Storage
	syncer   *Syncer
	updated  chan notify.Event
	conflict chan notify.Event
	start    time.Time
}

// newFixture seeds one window with two slots tomorrow: [10:00,10:30) and
// [11:00,11:30).
func newFixture(t *testing.T, cred *availsync.Credential) *fixture {
	t.Helper()

	start := time.Now().UTC().Truncate(24 * time.Hour).Add(24*time.Hour + 10*time.Hour)
	f := &fixture{
		provider: &calendartest.Provider{
			Calendars: []availsync.CalendarRef{
				{ID: "team", DisplayName: "Team"},
				{ID: "primary", DisplayName: "Me", IsPrimary: true},
			},
			Events: map[string][]*availsync.Event{},
		},
		storage:  storagetest.New(),
		updated:  make(chan notify.Event, 10),
		conflict: make(chan notify.Event, 10),
		start:    start,
	}
	f.storage.AddWindow(availsync.AvailabilityWindow{
		ID:      "w1",
		Weekday: start.Weekday(),
		Slots: []availsync.Slot{
			{ID: "a", Start: start, End: start.Add(30 * time.Minute)},
			{ID: "b", Start: start.Add(time.Hour), End: start.Add(90 * time.Minute)},
		},
	})

	client := calendar.NewClient(nil, f.provider, calendartest.NewTokenStore(cred))
	f.syncer = New(nil, client, f.storage, nil)
	f.syncer.Bus().On(notify.CalendarUpdated, func(e notify.Event) { f.updated <- e })
	f.syncer.Bus().On(notify.ConflictDetected, func(e notify.Event) { f.conflict <- e })
	return f
}

func (f *fixture) event(calendarID string, start time.Time, d time.Duration) {
	f.provider.Events[calendarID] = append(f.provider.Events[calendarID], &availsync.Event{
		ID:         start.Format(time.RFC3339),
		CalendarID: calendarID,
		StartsAt:   start,
		EndsAt:     start.Add(d),
	})
}

func slotIDs(w availsync.AvailabilityWindow) []string {
	var ids []string
	for _, s := range w.Slots {
		ids = append(ids, s.ID)
	}
	return ids
}

func waitEvent(t *testing.T, ch <-chan notify.Event) notify.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return notify.Event{}
	}
}

func TestSyncReconcilesWindows(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	f.event("primary", f.start.Add(15*time.Minute), 30*time.Minute)

	states := &stateStore{}
	f.syncer.States = states

	require.NoError(t, f.syncer.Sync(context.Background()))
	assert.Equal(t, []string{"b"}, slotIDs(f.storage.Window("w1")))
	assert.Equal(t, 1, f.storage.WindowPuts("w1"))

	e := waitEvent(t, f.updated)
	assert.False(t, e.Timestamp.IsZero())

	status, err := f.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusConnected, status.Status)
	assert.False(t, status.LastSync.IsZero())
	require.Len(t, states.saved, 1)
	assert.Equal(t, availsync.StatusConnected, states.saved[0].Status)
}

func TestSyncIsolatesCalendarFailures(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	f.event("primary", f.start.Add(time.Hour), 30*time.Minute)
	f.provider.ListEventsFunc = func(_ context.Context, _ *availsync.Credential, calendarID string) ([]*availsync.Event, error) {
		if calendarID == "team" {
			return nil, availsync.ErrNetwork
		}
		return f.provider.Events[calendarID], nil
	}

	err := f.syncer.Sync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, availsync.ErrNetwork)

	assert.Equal(t, []string{"a"}, slotIDs(f.storage.Window("w1")), "the healthy calendar is still reconciled")
	waitEvent(t, f.updated)

	status, err := f.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusError, status.Status)
	assert.Contains(t, status.LastError, "team")
}

func TestSyncMergesCalendarsInOrder(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	f.event("team", f.start, 30*time.Minute)
	f.event("primary", f.start.Add(time.Hour), 30*time.Minute)

	require.NoError(t, f.syncer.Sync(context.Background()))
	assert.Empty(t, f.storage.Window("w1").Slots)
	assert.Equal(t, 2, f.storage.WindowPuts("w1"), "one write per calendar pass that changed the window")
}

func TestSyncSkipSecondary(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	f.event("team", f.start, 30*time.Minute)
	f.syncer.SkipSecondary = true

	require.NoError(t, f.syncer.Sync(context.Background()))
	assert.Equal(t, 1, f.provider.Calls("ListEvents"))
	assert.Len(t, f.storage.Window("w1").Slots, 2)
}

func TestSyncNotAuthenticated(t *testing.T) {
	f := newFixture(t, nil)

	err := f.syncer.Sync(context.Background())
	assert.ErrorIs(t, err, availsync.ErrNotAuthenticated)
	assert.Zero(t, f.provider.Calls("ListCalendars"))

	status, err := f.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, availsync.StatusDisconnected, status.Status)
	assert.Empty(t, f.updated)
}

func TestSyncDetectsConflicts(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	meetingStart := f.start.Add(3 * time.Hour)
	f.storage.AddMeeting(&availsync.Meeting{
		ID:     "m1",
		Start:  meetingStart,
		End:    meetingStart.Add(time.Hour),
		Status: availsync.MeetingConfirmed,
	})
	f.provider.Busy = map[string][]availsync.BusyPeriod{
		"team": {{CalendarID: "team", Start: meetingStart.Add(30 * time.Minute), End: meetingStart.Add(2 * time.Hour)}},
	}

	require.NoError(t, f.syncer.Sync(context.Background()))

	e := waitEvent(t, f.conflict)
	require.Len(t, e.Conflicts, 1)
	assert.Equal(t, "m1", e.Conflicts[0].Meeting.ID)
	assert.True(t, f.storage.StoredMeeting("m1").HasConflict)
	waitEvent(t, f.updated)
}

// blockFirstListEvents makes the first ListEvents call wait for release.
func blockFirstListEvents(f *fixture) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	f.provider.ListEventsFunc = func(ctx context.Context, _ *availsync.Credential, calendarID string) ([]*availsync.Event, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
		return nil, nil
	}
	return entered, release
}

func TestSyncCoalescesConcurrentRequests(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	entered, release := blockFirstListEvents(f)

	done := make(chan error)
	go func() { done <- f.syncer.Sync(context.Background()) }()
	<-entered

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, f.syncer.Sync(context.Background()), ErrSyncInProgress)
	}
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 2, f.provider.Calls("ListCalendars"), "queued requests collapse into one follow-up cycle")
}

func TestStopMidCycle(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	entered, release := blockFirstListEvents(f)
	hooks := &registrar{}
	f.syncer.Webhooks = hooks
	f.syncer.SkipSecondary = true
	f.syncer.Interval = 10 * time.Millisecond

	f.syncer.Start(context.Background())
	assert.True(t, f.syncer.Running())
	assert.Equal(t, []string{"primary"}, hooks.registered)
	<-entered

	f.syncer.Stop(context.Background())
	assert.False(t, f.syncer.Running())
	assert.Equal(t, 1, hooks.unregistered)
	f.syncer.Trigger()

	close(release)
	waitEvent(t, f.updated)

	time.Sleep(100 * time.Millisecond)
	// One listing for the webhooks and one for the cycle.
	assert.Equal(t, 2, f.provider.Calls("ListCalendars"), "no cycle starts after Stop")
	assert.Empty(t, f.updated)
}

func TestStartRunsPeriodically(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	f.syncer.Interval = 10 * time.Millisecond

	f.syncer.Start(context.Background())
	f.syncer.Start(context.Background())
	defer f.syncer.Stop(context.Background())

	waitEvent(t, f.updated)
	waitEvent(t, f.updated)
	waitEvent(t, f.updated)
}

func TestScheduledSyncNeverRunsWhenStopped(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	ctx := context.Background()

	f.syncer.scheduledSync(ctx)
	assert.Zero(t, f.provider.Calls("ListCalendars"))

	f.syncer.Interval = time.Hour
	f.syncer.Start(ctx)
	waitEvent(t, f.updated)
	f.syncer.Stop(ctx)

	// A trigger that passed the running check right before Stop.
	f.syncer.scheduledSync(ctx)
	assert.Equal(t, 1, f.provider.Calls("ListCalendars"))
	assert.Empty(t, f.updated)
}

func TestSyncAfterStopStillCoalesces(t *testing.T) {
	f := newFixture(t, &availsync.Credential{AccessToken: "tok"})
	entered, release := blockFirstListEvents(f)
	f.syncer.Interval = time.Hour
	ctx := context.Background()

	f.syncer.Start(ctx)
	<-entered
	f.syncer.Stop(ctx)

	assert.ErrorIs(t, f.syncer.Sync(ctx), ErrSyncInProgress)
	close(release)

	waitEvent(t, f.updated)
	waitEvent(t, f.updated)
	assert.Equal(t, 2, f.provider.Calls("ListCalendars"), "a manual request queued after Stop gets its follow-up")
}
