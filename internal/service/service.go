// Package service is the surface offered to callers of the engine: account
// connection, events, availability windows, meetings and conflicts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/calendar"
	"github.com/guilherme-santos/availsync/internal"
	"github.com/guilherme-santos/availsync/internal/conflict"
	"github.com/guilherme-santos/availsync/internal/syncer"
)

type Storage interface {
	availsync.Storage
	Meeting(_ context.Context, id string) (*availsync.Meeting, error)
	Meetings(context.Context) ([]*availsync.Meeting, error)
}

type Service struct {
	logger   *slog.Logger
	client   *calendar.Client
	storage  Storage
	syncer   *syncer.Syncer
	detector *conflict.Detector
}

func New(logger *slog.Logger, client *calendar.Client, storage Storage, s *syncer.Syncer) *Service {
	logger = internal.LoggerOrDefault(logger)
	return &Service{
		logger:   logger,
		client:   client,
		storage:  storage,
		syncer:   s,
		detector: conflict.NewDetector(logger, client, storage),
	}
}

func (s *Service) Connect(ctx context.Context, cred *availsync.Credential) error {
	if err := s.client.Connect(ctx, cred); err != nil {
		return err
	}
	s.logger.Info("Calendar account connected")
	return nil
}

// Disconnect stops the scheduler and forgets the credential; nothing remote
// is attempted until Connect is called again.
func (s *Service) Disconnect(ctx context.Context) error {
	if s.syncer != nil {
		s.syncer.Stop(ctx)
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("%w: %w", availsync.ErrPersistence, err)
	}
	s.logger.Info("Calendar account disconnected")
	return nil
}

// Status is disconnected whenever no credential is stored, otherwise the
// outcome of the last sync.
func (s *Service) Status(ctx context.Context) (availsync.SyncState, error) {
	var state availsync.SyncState
	if s.syncer != nil {
		var err error
		if state, err = s.syncer.Status(ctx); err != nil {
			return state, err
		}
	}
	if _, err := s.client.Credential(ctx); errors.Is(err, availsync.ErrNotAuthenticated) {
		state.Status = availsync.StatusDisconnected
	} else if err != nil {
		return state, err
	} else if state.Status != availsync.StatusError {
		state.Status = availsync.StatusConnected
	}
	return state, nil
}

// Events lists the events of every calendar between from and to, ordered by
// start. A calendar failing is logged and skipped.
func (s *Service) Events(ctx context.Context, from, to time.Time) ([]*availsync.Event, error) {
	cals, err := s.client.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}

	var (
		events []*availsync.Event
		errs   []error
	)
	for _, cal := range cals {
		evs, err := s.client.ListEvents(ctx, cal.ID, from, to, syncer.DefaultMaxResults)
		if availsync.IsAuthError(err) {
			return nil, err
		}
		if err != nil {
			internal.CalendarLogger(s.logger, cal).Error("Unable to get list of events", "error", err)
			errs = append(errs, err)
			continue
		}
		events = append(events, evs...)
	}
	if len(events) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].StartsAt.Before(events[j].StartsAt) })
	return events, nil
}

// CheckConflicts runs the conflict detector over the confirmed meetings
// against every calendar of the account.
func (s *Service) CheckConflicts(ctx context.Context) ([]availsync.ConflictReport, error) {
	cals, err := s.client.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	meetings, err := s.storage.ConfirmedMeetings(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", availsync.ErrPersistence, err)
	}
	return s.detector.DetectConflicts(ctx, meetings, calendarIDs(cals))
}

// AddWindow stores a weekly availability window with its slots for the
// given number of days starting at from.
func (s *Service) AddWindow(ctx context.Context, weekday time.Weekday, start, end availsync.Clock, from availsync.Date, days int, slotLength time.Duration) (availsync.AvailabilityWindow, error) {
	w, err := availsync.NewAvailabilityWindow(weekday, start, end)
	if err != nil {
		return w, err
	}
	if w.Slots, err = availsync.GenerateSlots(w, from, days, slotLength); err != nil {
		return w, err
	}
	if err := s.storage.PutAvailabilityWindow(ctx, w); err != nil {
		return w, fmt.Errorf("%w: %w", availsync.ErrPersistence, err)
	}
	return w, nil
}

func (s *Service) Windows(ctx context.Context) ([]availsync.AvailabilityWindow, error) {
	return s.storage.AvailabilityWindows(ctx)
}

func (s *Service) Meetings(ctx context.Context) ([]*availsync.Meeting, error) {
	return s.storage.Meetings(ctx)
}

// ScheduleMeeting books a tentative event on the primary calendar and keeps
// a pending meeting for it, identified by the event id.
func (s *Service) ScheduleMeeting(ctx context.Context, title string, start, end time.Time) (*availsync.Meeting, string, error) {
	if !end.After(start) {
		return nil, "", fmt.Errorf("meeting must end after it starts")
	}
	cal, err := s.primaryCalendar(ctx)
	if err != nil {
		return nil, "", err
	}
	event, err := s.client.CreateEvent(ctx, cal.ID, &availsync.Event{
		Summary:  title,
		Status:   availsync.EventTentative,
		StartsAt: start,
		EndsAt:   end,
	})
	if err != nil {
		return nil, "", err
	}

	m := &availsync.Meeting{
		ID:     event.ID,
		Title:  title,
		Start:  start,
		End:    end,
		Status: availsync.MeetingPending,
	}
	if err := s.storage.PutMeeting(ctx, m); err != nil {
		s.logger.Error("Unable to save meeting, removing event", "event", event.ID, "error", err)
		_ = s.client.DeleteEvent(ctx, cal.ID, event.ID)
		return nil, "", fmt.Errorf("%w: %w", availsync.ErrPersistence, err)
	}
	return m, cal.ID, nil
}

// ConfirmMeeting fetches the event from the provider, marks it confirmed
// there and stores the meeting as confirmed with the fetched time range. The
// meeting is checked for conflicts right away.
func (s *Service) ConfirmMeeting(ctx context.Context, calendarID, eventID string) (*availsync.Meeting, error) {
	event, err := s.client.GetEvent(ctx, calendarID, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status == availsync.EventCancelled {
		return nil, fmt.Errorf("event %s was cancelled", eventID)
	}
	if event.Status != availsync.EventConfirmed {
		event.Status = availsync.EventConfirmed
		if event, err = s.client.UpdateEvent(ctx, calendarID, event); err != nil {
			return nil, err
		}
	}

	m, err := s.storage.Meeting(ctx, eventID)
	if errors.Is(err, availsync.ErrNotFound) {
		m, err = &availsync.Meeting{ID: eventID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", availsync.ErrPersistence, err)
	}
	if event.Summary != "" {
		m.Title = event.Summary
	}
	m.Start = event.StartsAt
	m.End = event.EndsAt
	m.Status = availsync.MeetingConfirmed
	if err := s.storage.PutMeeting(ctx, m); err != nil {
		return nil, fmt.Errorf("%w: %w", availsync.ErrPersistence, err)
	}
	s.logger.Info("Meeting confirmed", "meeting", m.ID, "title", m.Title)

	cals, err := s.client.ListCalendars(ctx)
	if err != nil {
		s.logger.Warn("Unable to check new meeting for conflicts", "error", err)
		return m, nil
	}
	if _, err := s.detector.DetectConflicts(ctx, []*availsync.Meeting{m}, calendarIDs(cals)); err != nil {
		s.logger.Warn("Unable to check new meeting for conflicts", "error", err)
	}
	return m, nil
}

func (s *Service) primaryCalendar(ctx context.Context) (availsync.CalendarRef, error) {
	cals, err := s.client.ListCalendars(ctx)
	if err != nil {
		return availsync.CalendarRef{}, err
	}
	for _, cal := range cals {
		if cal.IsPrimary {
			return cal, nil
		}
	}
	if len(cals) == 0 {
		return availsync.CalendarRef{}, fmt.Errorf("primary calendar: %w", availsync.ErrNotFound)
	}
	return cals[0], nil
}

func calendarIDs(cals []availsync.CalendarRef) []string {
	ids := make([]string, len(cals))
	for i, cal := range cals {
		ids[i] = cal.ID
	}
	return ids
}
