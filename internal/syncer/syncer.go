package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/internal"
	"github.com/guilherme-santos/availsync/internal/conflict"
	"github.com/guilherme-santos/availsync/internal/notify"
	"github.com/guilherme-santos/availsync/internal/reconciler"
)

var ErrSyncInProgress = errors.New("a sync is already running, another one was queued")

var errStopped = errors.New("scheduler is stopped")

const (
	DefaultInterval   = 5 * time.Minute
	DefaultLookahead  = 60 * 24 * time.Hour
	DefaultMaxResults = 250
)

// Remote is the authenticated view of the connected calendar account,
// usually a *calendar.Client.
type Remote interface {
	Credential(context.Context) (*availsync.Credential, error)
	ListCalendars(context.Context) ([]availsync.CalendarRef, error)
	ListEvents(_ context.Context, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*availsync.Event, error)
	FreeBusy(_ context.Context, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error)
}

type Syncer struct {
	logger     *slog.Logger
	remote     Remote
	storage    availsync.Storage
	reconciler *reconciler.Reconciler
	detector   *conflict.Detector
	bus        *notify.Bus
	now        func() time.Time

	Interval      time.Duration
	Lookahead     time.Duration
	MaxResults    int
	SkipSecondary bool

	// Webhooks and States are optional.
	Webhooks availsync.WebhookRegistrar
	States   availsync.SyncStateStore

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	ctx     context.Context
	syncing bool
	pending bool
	state   *availsync.SyncState
}

func New(logger *slog.Logger, remote Remote, storage availsync.Storage, bus *notify.Bus) *Syncer {
	logger = internal.LoggerOrDefault(logger)
	if bus == nil {
		bus = notify.NewBus(logger)
	}
	return &Syncer{
		logger:     logger,
		remote:     remote,
		storage:    storage,
		reconciler: reconciler.New(logger, storage),
		detector:   conflict.NewDetector(logger, remote, storage),
		bus:        bus,
		now:        time.Now,
		Interval:   DefaultInterval,
		Lookahead:  DefaultLookahead,
		MaxResults: DefaultMaxResults,
	}
}

func (s *Syncer) Bus() *notify.Bus {
	return s.bus
}

// Running reports whether the scheduler was started and not stopped yet.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start registers webhooks, runs one sync right away and then one every
// Interval until Stop is called or ctx is done. Starting a running
// scheduler is a no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.ctx = ctx
	stop := s.stopCh
	s.mu.Unlock()

	s.logger.Info("Scheduler started", "interval", s.Interval)
	s.registerWebhooks(ctx)
	go s.loop(ctx, stop)
}

// Stop cancels the timer and unregisters webhooks. A cycle in flight is
// allowed to finish but no other one starts until Start is called again.
func (s *Syncer) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.pending = false
	close(s.stopCh)
	s.mu.Unlock()

	s.unregisterWebhooks(ctx)
	s.logger.Info("Scheduler stopped")
}

// Trigger asks for a sync outside the timer, e.g. from a push notification.
// It is ignored while the scheduler is stopped and coalesced with the cycle
// in flight, if any.
func (s *Syncer) Trigger() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("Trigger ignored, scheduler is stopped")
		return
	}
	if s.syncing {
		s.pending = true
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	go s.scheduledSync(ctx)
}

func (s *Syncer) loop(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-stop:
		return
	default:
	}
	s.scheduledSync(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.scheduledSync(ctx)
		}
	}
}

// scheduledSync runs a timer or trigger cycle, unless Stop won the race.
func (s *Syncer) scheduledSync(ctx context.Context) {
	err := s.sync(ctx, true)
	if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, errStopped) {
		s.logger.Error("Sync finished with errors", "error", err)
	}
}

// Sync runs one cycle now. If a cycle is already running, a follow-up run
// is queued and ErrSyncInProgress returned; any number of requests arriving
// during a cycle result in a single follow-up.
func (s *Syncer) Sync(ctx context.Context) error {
	return s.sync(ctx, false)
}

// sync claims the single cycle slot. Scheduled runs check running under the
// same lock, so none starts once Stop has returned.
func (s *Syncer) sync(ctx context.Context, scheduled bool) error {
	s.mu.Lock()
	if scheduled && !s.running {
		s.mu.Unlock()
		return errStopped
	}
	if s.syncing {
		s.pending = true
		s.mu.Unlock()
		return ErrSyncInProgress
	}
	s.syncing = true
	s.mu.Unlock()

	for {
		err := s.syncOnce(ctx)

		s.mu.Lock()
		if !s.pending || ctx.Err() != nil {
			s.syncing = false
			s.pending = false
			s.mu.Unlock()
			return err
		}
		s.pending = false
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("Sync finished with errors", "error", err)
		}
		s.logger.Debug("Running queued sync")
	}
}

func (s *Syncer) syncOnce(ctx context.Context) error {
	start := s.now()
	s.logger.Info("Syncing calendars...", "until", formatDateTime(start.Add(s.Lookahead)))

	cals, err := s.remote.ListCalendars(ctx)
	if err != nil {
		err = fmt.Errorf("listing calendars: %w", err)
		s.saveState(ctx, err)
		return err
	}
	windows, err := s.storage.AvailabilityWindows(ctx)
	if err != nil {
		err = fmt.Errorf("loading availability windows: %w: %w", availsync.ErrPersistence, err)
		s.saveState(ctx, err)
		return err
	}

	var (
		errs   []error
		calIDs []string
	)
	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if s.SkipSecondary && !cal.IsPrimary {
			continue
		}
		calIDs = append(calIDs, cal.ID)

		err := s.syncCalendar(ctx, cal, windows, start)
		if availsync.IsAuthError(err) {
			s.saveState(ctx, err)
			return err
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", cal.ID, err))
		}
	}

	if err := s.detectConflicts(ctx, calIDs); err != nil {
		if availsync.IsAuthError(err) {
			s.saveState(ctx, err)
			return err
		}
		errs = append(errs, err)
	}

	s.bus.Emit(notify.Event{Name: notify.CalendarUpdated, Timestamp: s.now()})

	err = errors.Join(errs...)
	s.saveState(ctx, err)
	if err == nil {
		s.logger.Info("Sync complete!", "calendars", len(calIDs), "took", s.now().Sub(start))
	}
	return err
}

// syncCalendar reconciles the calendar's busy periods into windows, updating
// the slice in place so the next calendar sees the new slot lists.
func (s *Syncer) syncCalendar(ctx context.Context, cal availsync.CalendarRef, windows []availsync.AvailabilityWindow, now time.Time) error {
	logger := internal.CalendarLogger(s.logger, cal)

	events, err := s.remote.ListEvents(ctx, cal.ID, now, now.Add(s.Lookahead), s.MaxResults)
	if err != nil {
		logger.Error("Unable to get list of events", "error", err)
		return err
	}
	busy := reconciler.BusyPeriods(cal.ID, events)
	logger.Debug("Events fetched", "events", len(events), "busy", len(busy))

	applied, err := s.reconciler.Apply(ctx, windows, busy)
	for _, w := range applied {
		for i := range windows {
			if windows[i].ID == w.ID {
				windows[i] = w
			}
		}
	}
	if err != nil {
		logger.Error("Some windows couldn't be updated", "updated", len(applied), "error", err)
		return err
	}
	if len(applied) > 0 {
		logger.Info("Availability updated", "windows", len(applied))
	}
	return nil
}

func (s *Syncer) detectConflicts(ctx context.Context, calIDs []string) error {
	meetings, err := s.storage.ConfirmedMeetings(ctx)
	if err != nil {
		s.logger.Error("Unable to load confirmed meetings", "error", err)
		return fmt.Errorf("loading meetings: %w: %w", availsync.ErrPersistence, err)
	}
	reports, err := s.detector.DetectConflicts(ctx, meetings, calIDs)
	if len(reports) > 0 {
		s.bus.Emit(notify.Event{
			Name:      notify.ConflictDetected,
			Timestamp: s.now(),
			Conflicts: reports,
		})
	}
	return err
}

func (s *Syncer) registerWebhooks(ctx context.Context) {
	if s.Webhooks == nil {
		return
	}
	cred, err := s.remote.Credential(ctx)
	if err != nil {
		s.logger.Warn("Webhooks not registered", "error", err)
		return
	}
	cals, err := s.remote.ListCalendars(ctx)
	if err != nil {
		s.logger.Warn("Webhooks not registered", "error", err)
		return
	}
	for _, cal := range cals {
		if s.SkipSecondary && !cal.IsPrimary {
			continue
		}
		if err := s.Webhooks.RegisterWebhook(ctx, cal.ID, cred); err != nil {
			internal.CalendarLogger(s.logger, cal).Warn("Unable to register webhook", "error", err)
		}
	}
}

func (s *Syncer) unregisterWebhooks(ctx context.Context) {
	if s.Webhooks == nil {
		return
	}
	cred, err := s.remote.Credential(ctx)
	if err != nil {
		s.logger.Warn("Webhooks not unregistered", "error", err)
		return
	}
	if err := s.Webhooks.UnregisterWebhook(ctx, cred); err != nil {
		s.logger.Warn("Unable to unregister webhooks", "error", err)
	}
}

// Status returns the outcome of the last sync, loading it from States when
// no sync ran in this process yet.
func (s *Syncer) Status(ctx context.Context) (availsync.SyncState, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != nil {
		return *state, nil
	}
	if s.States == nil {
		return availsync.SyncState{Status: availsync.StatusDisconnected}, nil
	}
	return s.States.SyncState(ctx)
}

func (s *Syncer) saveState(ctx context.Context, err error) {
	s.mu.Lock()
	var state availsync.SyncState
	if s.state != nil {
		state = *s.state
	}
	state.Status, state.LastError = statusOf(err)
	if err == nil {
		state.LastSync = s.now()
	}
	s.state = &state
	s.mu.Unlock()

	if s.States == nil {
		return
	}
	if err := s.States.SaveSyncState(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Error("Unable to save sync state", "error", err)
	}
}

func statusOf(err error) (availsync.ConnectionStatus, string) {
	switch {
	case err == nil:
		return availsync.StatusConnected, ""
	case errors.Is(err, availsync.ErrNotAuthenticated):
		return availsync.StatusDisconnected, err.Error()
	default:
		return availsync.StatusError, err.Error()
	}
}
