// Package calendartest provides in-memory doubles for provider and token
// store, shared by the package tests.
package calendartest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guilherme-santos/availsync"
)

type TokenStore struct {
	mu    sync.Mutex
	cred  *availsync.Credential
	saves int
}

func NewTokenStore(cred *availsync.Credential) *TokenStore {
	return &TokenStore{cred: cred}
}

func (s *TokenStore) Load(context.Context) (*availsync.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *TokenStore) Save(_ context.Context, cred *availsync.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *cred
	s.cred = &c
	s.saves++
	return nil
}

func (s *TokenStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil
	return nil
}

func (s *TokenStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Provider answers from static data unless a hook is set. Hooks take
// precedence and let tests inject failures. FreeBusy reports Busy plus every
// busy event, like a real calendar does.
type Provider struct {
	mu sync.Mutex

	Calendars []availsync.CalendarRef
	Events    map[string][]*availsync.Event
	Busy      map[string][]availsync.BusyPeriod

	ListCalendarsFunc func(context.Context, *availsync.Credential) ([]availsync.CalendarRef, error)
	ListEventsFunc    func(_ context.Context, _ *availsync.Credential, calendarID string) ([]*availsync.Event, error)
	FreeBusyFunc      func(_ context.Context, _ *availsync.Credential, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error)
	RefreshFunc       func(context.Context, *availsync.Credential) (*availsync.Credential, error)

	calls map[string]int
}

func (p *Provider) count(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[op]++
}

func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *Provider) ListCalendars(ctx context.Context, cred *availsync.Credential) ([]availsync.CalendarRef, error) {
	p.count("ListCalendars")
	if p.ListCalendarsFunc != nil {
		return p.ListCalendarsFunc(ctx, cred)
	}
	return p.Calendars, nil
}

func (p *Provider) ListEvents(ctx context.Context, cred *availsync.Credential, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*availsync.Event, error) {
	p.count("ListEvents")
	if p.ListEventsFunc != nil {
		return p.ListEventsFunc(ctx, cred, calendarID)
	}
	return p.Events[calendarID], nil
}

func (p *Provider) GetEvent(_ context.Context, _ *availsync.Credential, calendarID, eventID string) (*availsync.Event, error) {
	p.count("GetEvent")
	for _, e := range p.Events[calendarID] {
		if e.ID == eventID {
			return e, nil
		}
	}
	return nil, availsync.ErrNotFound
}

// CreateEvent assigns an id when missing and keeps the event so GetEvent
// and ListEvents can find it.
func (p *Provider) CreateEvent(_ context.Context, _ *availsync.Credential, calendarID string, e *availsync.Event) (*availsync.Event, error) {
	p.count("CreateEvent")

	p.mu.Lock()
	defer p.mu.Unlock()

	created := *e
	created.CalendarID = calendarID
	if created.ID == "" {
		created.ID = fmt.Sprintf("event-%d", p.calls["CreateEvent"])
	}
	if p.Events == nil {
		p.Events = make(map[string][]*availsync.Event)
	}
	p.Events[calendarID] = append(p.Events[calendarID], &created)
	return &created, nil
}

func (p *Provider) UpdateEvent(_ context.Context, _ *availsync.Credential, calendarID string, e *availsync.Event) (*availsync.Event, error) {
	p.count("UpdateEvent")
	return e, nil
}

func (p *Provider) DeleteEvent(context.Context, *availsync.Credential, string, string) error {
	p.count("DeleteEvent")
	return nil
}

func (p *Provider) FreeBusy(ctx context.Context, cred *availsync.Credential, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error) {
	p.count("FreeBusy")
	if p.FreeBusyFunc != nil {
		return p.FreeBusyFunc(ctx, cred, calendarIDs, timeMin, timeMax)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	res := make(map[string][]availsync.BusyPeriod)
	for _, id := range calendarIDs {
		for _, b := range p.Busy[id] {
			if b.Start.Before(timeMax) && b.End.After(timeMin) {
				res[id] = append(res[id], b)
			}
		}
		for _, e := range p.Events[id] {
			if e.Busy() && e.StartsAt.Before(timeMax) && e.EndsAt.After(timeMin) {
				res[id] = append(res[id], availsync.BusyPeriod{CalendarID: id, Start: e.StartsAt, End: e.EndsAt})
			}
		}
	}
	return res, nil
}

func (p *Provider) Refresh(ctx context.Context, cred *availsync.Credential) (*availsync.Credential, error) {
	p.count("Refresh")
	if p.RefreshFunc != nil {
		return p.RefreshFunc(ctx, cred)
	}
	return &availsync.Credential{AccessToken: cred.AccessToken + "-refreshed", RefreshToken: cred.RefreshToken}, nil
}
