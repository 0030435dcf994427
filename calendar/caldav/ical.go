package caldav

import (
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/guilherme-santos/availsync"
)

// newEvents converts every VEVENT of a calendar object. With a non-zero
// range, recurring events are expanded into the instances overlapping
// [timeMin,timeMax) and everything outside the range is dropped; without
// one the master of a series is returned as is.
func newEvents(calendarID, objPath string, cal *ical.Calendar, username string, timeMin, timeMax time.Time) []*availsync.Event {
	if cal == nil {
		return nil
	}
	fallbackID := strings.TrimSuffix(path.Base(objPath), ".ics")
	expand := !timeMin.IsZero() && !timeMax.IsZero()

	// Instances moved or cancelled by a RECURRENCE-ID override.
	overridden := make(map[string]bool)
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			if t, err := rid.DateTime(time.UTC); err == nil {
				overridden[instanceID(uid(comp, fallbackID), t)] = true
			}
		}
	}

	var events []*availsync.Event
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		e := newEvent(calendarID, comp, username)
		if e.ID == "" {
			e.ID = fallbackID
		}
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			if t, err := rid.DateTime(time.UTC); err == nil {
				e.ID = instanceID(e.ID, t)
			}
		}
		if !expand {
			events = append(events, e)
			continue
		}

		set, err := comp.RecurrenceSet(time.UTC)
		if err != nil || set == nil || comp.Props.Get(ical.PropRecurrenceID) != nil {
			if overlaps(e, timeMin, timeMax) {
				events = append(events, e)
			}
			continue
		}

		d := e.EndsAt.Sub(e.StartsAt)
		for _, start := range set.Between(timeMin.Add(-d), timeMax, true) {
			inst := *e
			inst.ID = instanceID(e.ID, start)
			inst.StartsAt = start.UTC()
			inst.EndsAt = inst.StartsAt.Add(d)
			if overridden[inst.ID] || !overlaps(&inst, timeMin, timeMax) {
				continue
			}
			events = append(events, &inst)
		}
	}
	return events
}

// instanceID names one occurrence of a series the way Google does,
// <uid>_<start in UTC basic format>.
func instanceID(id string, start time.Time) string {
	return id + "_" + start.UTC().Format("20060102T150405Z")
}

func uid(comp *ical.Component, fallback string) string {
	if p := comp.Props.Get(ical.PropUID); p != nil && p.Value != "" {
		return p.Value
	}
	return fallback
}

func overlaps(e *availsync.Event, timeMin, timeMax time.Time) bool {
	if e.EndsAt.Equal(e.StartsAt) {
		return !e.StartsAt.Before(timeMin) && e.StartsAt.Before(timeMax)
	}
	return e.StartsAt.Before(timeMax) && e.EndsAt.After(timeMin)
}

func newEvent(calendarID string, comp *ical.Component, username string) *availsync.Event {
	e := &availsync.Event{
		CalendarID: calendarID,
		Type:       availsync.EventTypeDefault,
		Status:     availsync.EventConfirmed,
	}
	if uid := comp.Props.Get(ical.PropUID); uid != nil {
		e.ID = uid.Value
	}
	if summary := comp.Props.Get(ical.PropSummary); summary != nil {
		e.Summary = summary.Value
	}
	if desc := comp.Props.Get(ical.PropDescription); desc != nil {
		e.Description = desc.Value
	}
	if status := comp.Props.Get(ical.PropStatus); status != nil {
		switch strings.ToUpper(status.Value) {
		case "CANCELLED":
			e.Status = availsync.EventCancelled
		case "TENTATIVE":
			e.Status = availsync.EventTentative
		}
	}
	if transp := comp.Props.Get("TRANSP"); transp != nil {
		e.Transparent = strings.EqualFold(transp.Value, "TRANSPARENT")
	}

	for _, attendee := range comp.Props["ATTENDEE"] {
		if username == "" || !strings.EqualFold(strings.TrimPrefix(strings.ToLower(attendee.Value), "mailto:"), username) {
			continue
		}
		switch strings.ToUpper(attendee.Params.Get("PARTSTAT")) {
		case "DECLINED":
			e.ResponseStatus = availsync.Declined
		case "TENTATIVE":
			e.ResponseStatus = availsync.Tentative
		case "ACCEPTED":
			e.ResponseStatus = availsync.Accepted
		case "NEEDS-ACTION":
			e.ResponseStatus = availsync.NeedsAction
		}
	}

	if dtstart := comp.Props.Get(ical.PropDateTimeStart); dtstart != nil {
		e.StartsAt, _ = dtstart.DateTime(time.UTC)
		e.AllDay = isDate(dtstart)
	}
	if dtend := comp.Props.Get(ical.PropDateTimeEnd); dtend != nil {
		e.EndsAt, _ = dtend.DateTime(time.UTC)
	}
	if e.EndsAt.IsZero() && !e.StartsAt.IsZero() {
		switch dur := comp.Props.Get(ical.PropDuration); {
		case dur != nil:
			if d, err := dur.Duration(); err == nil {
				e.EndsAt = e.StartsAt.Add(d)
			}
		case e.AllDay:
			e.EndsAt = e.StartsAt.AddDate(0, 0, 1)
		}
		// A timed event with neither DTEND nor DURATION takes no time
		// (RFC 5545 3.6.1) and therefore blocks nothing.
		if e.EndsAt.IsZero() {
			e.EndsAt = e.StartsAt
		}
	}
	return e
}

func isDate(prop *ical.Prop) bool {
	return strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE")
}

func newCalendar(e *availsync.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//availsync//EN")

	vevent := ical.NewComponent(ical.CompEvent)
	cal.Children = append(cal.Children, vevent)

	vevent.Props.SetText(ical.PropUID, e.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if e.Summary != "" {
		vevent.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		vevent.Props.SetText(ical.PropDescription, e.Description)
	}
	switch e.Status {
	case availsync.EventCancelled:
		vevent.Props.SetText(ical.PropStatus, "CANCELLED")
	case availsync.EventTentative:
		vevent.Props.SetText(ical.PropStatus, "TENTATIVE")
	case availsync.EventConfirmed:
		vevent.Props.SetText(ical.PropStatus, "CONFIRMED")
	}
	if e.Transparent {
		vevent.Props.SetText("TRANSP", "TRANSPARENT")
	}

	if e.AllDay {
		dtstart := ical.NewProp(ical.PropDateTimeStart)
		dtstart.SetDate(e.StartsAt)
		vevent.Props.Set(dtstart)
		dtend := ical.NewProp(ical.PropDateTimeEnd)
		dtend.SetDate(e.EndsAt)
		vevent.Props.Set(dtend)
	} else {
		vevent.Props.SetDateTime(ical.PropDateTimeStart, e.StartsAt.UTC())
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, e.EndsAt.UTC())
	}
	return cal
}
