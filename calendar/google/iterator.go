package google

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/guilherme-santos/availsync"
)

type eventOrError struct {
	e   *availsync.Event
	err error
}

type eventIterator struct {
	events  chan eventOrError
	current eventOrError
}

func newEventIterator() *eventIterator {
	return &eventIterator{
		events: make(chan eventOrError),
	}
}

func (it *eventIterator) Next() (ok bool) {
	it.current, ok = <-it.events
	if it.current.err != nil {
		return false
	}
	return ok
}

func (it *eventIterator) Event() *availsync.Event {
	c := it.current
	if c.e == nil && c.err == nil {
		panic("google: Event() called before Next()")
	}
	return c.e
}

func (it *eventIterator) Err() error {
	return it.current.err
}

func newEvent(calendarID string, event *calendar.Event) *availsync.Event {
	e := &availsync.Event{
		ID:          event.Id,
		CalendarID:  calendarID,
		Type:        availsync.EventType(event.EventType),
		Status:      availsync.EventStatus(event.Status),
		Summary:     event.Summary,
		Description: event.Description,
		Transparent: event.Transparency == "transparent",
	}
	if event.Status == "cancelled" {
		return e
	}

	for _, attendee := range event.Attendees {
		if attendee.Self {
			e.ResponseStatus = availsync.ResponseStatus(attendee.ResponseStatus)
		}
	}

	e.StartsAt, e.AllDay = parseEventDateTime(event.Start)
	e.EndsAt, _ = parseEventDateTime(event.End)
	return e
}

// parseEventDateTime handles both timed and all-day (date only) values.
func parseEventDateTime(dt *calendar.EventDateTime) (time.Time, bool) {
	if dt == nil {
		return time.Time{}, false
	}
	if dt.DateTime != "" {
		t, _ := time.Parse(time.RFC3339, dt.DateTime)
		return t, false
	}
	loc := time.UTC
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, _ := time.ParseInLocation(availsync.DateFormat, dt.Date, loc)
	return t, true
}

func newGoogleEvent(event *availsync.Event) *calendar.Event {
	gevent := &calendar.Event{
		Summary:     event.Summary,
		Description: event.Description,
		Reminders: &calendar.EventReminders{
			UseDefault: true,
		},
	}
	if event.Type != "" {
		gevent.EventType = event.Type.String()
	}
	if event.Status != "" {
		gevent.Status = string(event.Status)
	}
	if event.Transparent {
		gevent.Transparency = "transparent"
	}
	if event.AllDay {
		gevent.Start = &calendar.EventDateTime{Date: event.StartsAt.Format(availsync.DateFormat)}
		gevent.End = &calendar.EventDateTime{Date: event.EndsAt.Format(availsync.DateFormat)}
	} else {
		gevent.Start = &calendar.EventDateTime{DateTime: event.StartsAt.Format(time.RFC3339)}
		gevent.End = &calendar.EventDateTime{DateTime: event.EndsAt.Format(time.RFC3339)}
	}
	return gevent
}
