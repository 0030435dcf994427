// Package storagetest provides an in-memory availsync.Storage for tests.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/guilherme-santos/availsync"
)

type Storage struct {
	mu       sync.Mutex
	windows  map[string]availsync.AvailabilityWindow
	meetings map[string]*availsync.Meeting

	windowPuts  map[string]int
	meetingPuts map[string]int

	// PutWindowErr, when it returns an error, makes PutAvailabilityWindow fail
	// for that window.
	PutWindowErr  func(availsync.AvailabilityWindow) error
	PutMeetingErr func(*availsync.Meeting) error
}

func New() *Storage {
	return &Storage{
		windows:     make(map[string]availsync.AvailabilityWindow),
		meetings:    make(map[string]*availsync.Meeting),
		windowPuts:  make(map[string]int),
		meetingPuts: make(map[string]int),
	}
}

// AddWindow seeds a window without counting it as a write.
func (s *Storage) AddWindow(w availsync.AvailabilityWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.ID] = cloneWindow(w)
}

func (s *Storage) AddMeeting(m *availsync.Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.meetings[m.ID] = &c
}

func (s *Storage) Window(id string) availsync.AvailabilityWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneWindow(s.windows[id])
}

// StoredMeeting returns the stored copy of a meeting, nil when absent.
func (s *Storage) StoredMeeting(id string) *availsync.Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil
	}
	c := *m
	return &c
}

func (s *Storage) WindowPuts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowPuts[id]
}

func (s *Storage) MeetingPuts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meetingPuts[id]
}

func (s *Storage) AvailabilityWindows(context.Context) ([]availsync.AvailabilityWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	windows := make([]availsync.AvailabilityWindow, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, cloneWindow(w))
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].ID < windows[j].ID })
	return windows, nil
}

func (s *Storage) PutAvailabilityWindow(_ context.Context, w availsync.AvailabilityWindow) error {
	if s.PutWindowErr != nil {
		if err := s.PutWindowErr(w); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[w.ID] = cloneWindow(w)
	s.windowPuts[w.ID]++
	return nil
}

func (s *Storage) Meetings(context.Context) ([]*availsync.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meetings []*availsync.Meeting
	for _, m := range s.meetings {
		c := *m
		meetings = append(meetings, &c)
	}
	sort.Slice(meetings, func(i, j int) bool { return meetings[i].Start.Before(meetings[j].Start) })
	return meetings, nil
}

func (s *Storage) Meeting(_ context.Context, id string) (*availsync.Meeting, error) {
	if m := s.StoredMeeting(id); m != nil {
		return m, nil
	}
	return nil, fmt.Errorf("meeting %s: %w", id, availsync.ErrNotFound)
}

func (s *Storage) ConfirmedMeetings(context.Context) ([]*availsync.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meetings []*availsync.Meeting
	for _, m := range s.meetings {
		if m.Status != availsync.MeetingConfirmed {
			continue
		}
		c := *m
		meetings = append(meetings, &c)
	}
	sort.Slice(meetings, func(i, j int) bool { return meetings[i].Start.Before(meetings[j].Start) })
	return meetings, nil
}

func (s *Storage) PutMeeting(_ context.Context, m *availsync.Meeting) error {
	if s.PutMeetingErr != nil {
		if err := s.PutMeetingErr(m); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.meetings[m.ID] = &c
	s.meetingPuts[m.ID]++
	return nil
}

func cloneWindow(w availsync.AvailabilityWindow) availsync.AvailabilityWindow {
	w.Slots = append([]availsync.Slot(nil), w.Slots...)
	return w
}
