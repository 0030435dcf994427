package caldav

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guilherme-santos/availsync"
)

func TestUnauthorizedIsMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "me@example.com", user)
		assert.Equal(t, "wrong", pass)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(nil, srv.URL, "me@example.com", "")
	_, err := client.ListCalendars(context.Background(), &availsync.Credential{AccessToken: "wrong"})
	require.Error(t, err)
	assert.ErrorIs(t, err, availsync.ErrUnauthorized)
}

func TestNotFoundIsMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(nil, srv.URL, "me@example.com", "")
	_, err := client.GetEvent(context.Background(), &availsync.Credential{AccessToken: "pass"}, "/cal/work/", "missing")
	assert.ErrorIs(t, err, availsync.ErrNotFound)
	assert.NotErrorIs(t, err, availsync.ErrNetwork)
}

func TestRefreshIsNotSupported(t *testing.T) {
	client := NewClient(nil, "https://caldav.example.com", "me", "")
	_, err := client.Refresh(context.Background(), &availsync.Credential{AccessToken: "pass"})
	assert.Error(t, err)
}

func TestCalendarRefs(t *testing.T) {
	client := NewClient(nil, "https://caldav.example.com", "me", "Work")
	refs := client.calendarRefs([]caldav.Calendar{
		{Path: "/cal/home/", Name: "Home"},
		{Path: "/cal/tasks/", Name: "Tasks", SupportedComponentSet: []string{ical.CompToDo}},
		{Path: "/cal/work/", Name: "Work", SupportedComponentSet: []string{ical.CompEvent, ical.CompToDo}},
	})
	require.Len(t, refs, 2)
	assert.False(t, refs[0].IsPrimary)
	assert.Equal(t, availsync.CalendarRef{ID: "/cal/work/", DisplayName: "Work", IsPrimary: true}, refs[1])

	client = NewClient(nil, "https://caldav.example.com", "me", "")
	refs = client.calendarRefs([]caldav.Calendar{{Path: "/a/", Name: "A"}, {Path: "/b/", Name: "B"}})
	assert.True(t, refs[0].IsPrimary, "first calendar is primary when none is configured")
	assert.False(t, refs[1].IsPrimary)
}

func TestNewEvents(t *testing.T) {
	cal := ical.NewCalendar()

	timed := ical.NewComponent(ical.CompEvent)
	timed.Props.SetText(ical.PropUID, "e1")
	timed.Props.SetText(ical.PropSummary, "Standup")
	timed.Props.SetDateTime(ical.PropDateTimeStart, time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	timed.Props.SetDateTime(ical.PropDateTimeEnd, time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC))
	attendee := ical.NewProp("ATTENDEE")
	attendee.Value = "mailto:me@example.com"
	attendee.Params.Set("PARTSTAT", "DECLINED")
	timed.Props.Add(attendee)

	allDay := ical.NewComponent(ical.CompEvent)
	allDay.Props.SetText(ical.PropUID, "e2")
	dtstart := ical.NewProp(ical.PropDateTimeStart)
	dtstart.SetDate(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	allDay.Props.Set(dtstart)
	allDay.Props.SetText(ical.PropStatus, "CANCELLED")

	cal.Children = append(cal.Children, timed, allDay, ical.NewComponent(ical.CompToDo))

	events := newEvents("/cal/work/", "/cal/work/x.ics", cal, "me@example.com", time.Time{}, time.Time{})
	require.Len(t, events, 2)

	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "/cal/work/", events[0].CalendarID)
	assert.Equal(t, availsync.Declined, events[0].ResponseStatus)
	assert.Equal(t, 30*time.Minute, events[0].EndsAt.Sub(events[0].StartsAt))
	assert.False(t, events[0].Busy())

	assert.True(t, events[1].AllDay)
	assert.Equal(t, availsync.EventCancelled, events[1].Status)
	assert.Equal(t, events[1].StartsAt.AddDate(0, 0, 1), events[1].EndsAt, "all-day event without DTEND lasts one day")
}

func TestNewCalendar(t *testing.T) {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	cal := newCalendar(&availsync.Event{
		ID:          "meeting-1",
		Summary:     "Intro call",
		Status:      availsync.EventConfirmed,
		Transparent: true,
		StartsAt:    start,
		EndsAt:      start.Add(30 * time.Minute),
	})

	events := newEvents("/cal/work/", "", cal, "", time.Time{}, time.Time{})
	require.Len(t, events, 1)
	assert.Equal(t, "meeting-1", events[0].ID)
	assert.Equal(t, "Intro call", events[0].Summary)
	assert.True(t, events[0].Transparent)
	assert.True(t, start.Equal(events[0].StartsAt))
	assert.Equal(t, "/cal/work/meeting-1.ics", objectPath("/cal/work/", "meeting-1"))
}

const dailyStandup = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//availsync//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20250101T000000Z
DTSTART:20250106T090000Z
DTEND:20250106T091500Z
RRULE:FREQ=DAILY
EXDATE:20250305T090000Z
SUMMARY:Standup
END:VEVENT
BEGIN:VEVENT
UID:standup
DTSTAMP:20250101T000000Z
RECURRENCE-ID:20250304T090000Z
DTSTART:20250304T140000Z
DTEND:20250304T141500Z
SUMMARY:Standup (moved)
END:VEVENT
END:VCALENDAR
`

func decodeCalendar(t *testing.T, data string) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(strings.ReplaceAll(data, "\n", "\r\n"))).Decode()
	require.NoError(t, err)
	return cal
}

func TestNewEventsExpandsRecurrences(t *testing.T) {
	cal := decodeCalendar(t, dailyStandup)

	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	events := newEvents("/cal/work/", "/cal/work/standup.ics", cal, "", from, from.AddDate(0, 0, 3))
	require.Len(t, events, 2)

	assert.Equal(t, "standup_20250303T090000Z", events[0].ID)
	assert.True(t, time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC).Equal(events[0].StartsAt))
	assert.Equal(t, 15*time.Minute, events[0].EndsAt.Sub(events[0].StartsAt))
	assert.True(t, events[0].Busy())

	assert.Equal(t, "standup_20250304T090000Z", events[1].ID, "the moved instance replaces the generated one")
	assert.Equal(t, "Standup (moved)", events[1].Summary)
	assert.True(t, time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC).Equal(events[1].StartsAt))

	// A series started long before the range still blocks every day in it.
	from = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	events = newEvents("/cal/work/", "/cal/work/standup.ics", cal, "", from, from.AddDate(0, 0, 7))
	require.Len(t, events, 7)
	for i, e := range events {
		assert.True(t, from.AddDate(0, 0, i).Add(9*time.Hour).Equal(e.StartsAt), e.ID)
	}
}

func TestNewEventsWithoutEnd(t *testing.T) {
	cal := ical.NewCalendar()
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, "reminder")
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start)
	cal.Children = append(cal.Children, vevent)

	events := newEvents("/cal/work/", "", cal, "", start.Add(-time.Hour), start.Add(time.Hour))
	require.Len(t, events, 1)
	assert.True(t, start.Equal(events[0].EndsAt), "a timed event without DTEND or DURATION ends when it starts")
	assert.False(t, events[0].Busy())
}
