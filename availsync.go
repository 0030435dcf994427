package availsync

import (
	"context"
	"fmt"
	"time"
)

// Credential is the OAuth bundle of the connected calendar account.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type TokenStore interface {
	Load(context.Context) (*Credential, error)
	Save(context.Context, *Credential) error
	Clear(context.Context) error
}

type CalendarRef struct {
	ID          string
	DisplayName string
	IsPrimary   bool
}

func (c CalendarRef) String() string {
	if c.DisplayName == "" {
		return c.ID
	}
	return fmt.Sprintf("%s (%s)", c.DisplayName, c.ID)
}

type BusyPeriod struct {
	CalendarID string    `json:"calendar_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// AvailabilityWindow is a recurring weekly range with bookable slots.
type AvailabilityWindow struct {
	ID        string
	Weekday   time.Weekday
	StartTime Clock
	EndTime   Clock
	Slots     []Slot
}

type MeetingStatus string

func (s MeetingStatus) String() string {
	return string(s)
}

var (
	MeetingPending   MeetingStatus = "pending"
	MeetingConfirmed MeetingStatus = "confirmed"
	MeetingCancelled MeetingStatus = "cancelled"
)

type Meeting struct {
	ID              string
	Title           string
	Start           time.Time
	End             time.Time
	Status          MeetingStatus
	HasConflict     bool
	ConflictDetails []BusyPeriod
}

type ConflictReport struct {
	Meeting           *Meeting
	ConflictingEvents []BusyPeriod
}

// Storage is the local persistence collaborator. It owns windows and
// meetings; the engine only rewrites slot lists and conflict flags.
type Storage interface {
	AvailabilityWindows(context.Context) ([]AvailabilityWindow, error)
	PutAvailabilityWindow(context.Context, AvailabilityWindow) error
	ConfirmedMeetings(context.Context) ([]*Meeting, error)
	PutMeeting(context.Context, *Meeting) error
}

type WebhookRegistrar interface {
	RegisterWebhook(_ context.Context, calendarID string, _ *Credential) error
	UnregisterWebhook(context.Context, *Credential) error
}

// Provider talks to one remote calendar platform. Every call receives the
// credential to use; an authorization failure must be reported as
// ErrUnauthorized so the caller can refresh and retry.
type Provider interface {
	ListCalendars(context.Context, *Credential) ([]CalendarRef, error)
	ListEvents(_ context.Context, _ *Credential, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*Event, error)
	GetEvent(_ context.Context, _ *Credential, calendarID, eventID string) (*Event, error)
	CreateEvent(_ context.Context, _ *Credential, calendarID string, _ *Event) (*Event, error)
	UpdateEvent(_ context.Context, _ *Credential, calendarID string, _ *Event) (*Event, error)
	DeleteEvent(_ context.Context, _ *Credential, calendarID, eventID string) error
	FreeBusy(_ context.Context, _ *Credential, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]BusyPeriod, error)
	Refresh(context.Context, *Credential) (*Credential, error)
}

type Event struct {
	ID             string
	CalendarID     string
	Type           EventType
	Status         EventStatus
	Summary        string
	Description    string
	StartsAt       time.Time
	EndsAt         time.Time
	AllDay         bool
	Transparent    bool
	ResponseStatus ResponseStatus
}

// Busy reports whether the event blocks its time range.
func (e *Event) Busy() bool {
	if e.Status == EventCancelled || e.ResponseStatus == Declined || e.Transparent {
		return false
	}
	return e.EndsAt.After(e.StartsAt)
}

type EventType string

func (s EventType) String() string {
	return string(s)
}

var (
	EventTypeDefault     EventType = "default"
	EventTypeOutOfOffice EventType = "outOfOffice"
	EventTypeFocusTime   EventType = "focusTime"
)

type EventStatus string

var (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

type ResponseStatus string

func (s ResponseStatus) String() string {
	return string(s)
}

var (
	NeedsAction ResponseStatus = "needsAction"
	Declined    ResponseStatus = "declined"
	Tentative   ResponseStatus = "tentative"
	Accepted    ResponseStatus = "accepted"
)

type ConnectionStatus string

var (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// SyncState is the outcome of the last sync attempt.
type SyncState struct {
	Status    ConnectionStatus
	LastSync  time.Time
	LastError string
}

type SyncStateStore interface {
	SyncState(context.Context) (SyncState, error)
	SaveSyncState(context.Context, SyncState) error
}
