package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/guilherme-santos/availsync"
)

const Platform = "caldav"

// authTransport adds Basic Auth to every request and turns a 401 answer
// into availsync.ErrUnauthorized and a 404 into availsync.ErrNotFound.
type authTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "availsync/1.0")

	res, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch res.StatusCode {
	case http.StatusUnauthorized:
		res.Body.Close()
		return nil, availsync.ErrUnauthorized
	case http.StatusNotFound:
		res.Body.Close()
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, availsync.ErrNotFound)
	}
	return res, nil
}

// Client is a CalDAV provider. The credential access token is the account
// (app-specific) password; calendar IDs are collection paths and event IDs
// are iCalendar UIDs.
type Client struct {
	endpoint  string
	username  string
	primary   string
	transport http.RoundTripper
	logger    *slog.Logger
}

func NewClient(logger *slog.Logger, endpoint, username, primaryCalendar string) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:  endpoint,
		username:  username,
		primary:   primaryCalendar,
		transport: http.DefaultTransport,
		logger:    logger.With("provider", Platform),
	}
}

func (c *Client) caldavClient(cred *availsync.Credential) (*caldav.Client, error) {
	if cred == nil {
		return nil, availsync.ErrNotAuthenticated
	}
	httpClient := &http.Client{
		Transport: &authTransport{
			Username:  c.username,
			Password:  cred.AccessToken,
			Transport: c.transport,
		},
	}
	client, err := caldav.NewClient(httpClient, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav: creating client: %w", err)
	}
	return client, nil
}

func (c *Client) ListCalendars(ctx context.Context, cred *availsync.Credential) ([]availsync.CalendarRef, error) {
	client, err := c.caldavClient(cred)
	if err != nil {
		return nil, err
	}
	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, mapErr(fmt.Errorf("caldav: finding principal: %w", err))
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, mapErr(fmt.Errorf("caldav: finding calendar home set: %w", err))
	}
	found, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, mapErr(fmt.Errorf("caldav: finding calendars: %w", err))
	}
	return c.calendarRefs(found), nil
}

func (c *Client) calendarRefs(found []caldav.Calendar) []availsync.CalendarRef {
	var (
		cals       []availsync.CalendarRef
		hasPrimary bool
	)
	for _, cal := range found {
		if !supportsEvents(cal) {
			continue
		}
		ref := availsync.CalendarRef{ID: cal.Path, DisplayName: cal.Name}
		if !hasPrimary && (c.primary == "" || cal.Name == c.primary) {
			ref.IsPrimary = true
			hasPrimary = true
		}
		cals = append(cals, ref)
	}
	return cals
}

func supportsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if comp == ical.CompEvent {
			return true
		}
	}
	return false
}

func (c *Client) ListEvents(ctx context.Context, cred *availsync.Credential, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*availsync.Event, error) {
	client, err := c.caldavClient(cred)
	if err != nil {
		return nil, err
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: timeMin.UTC(),
				End:   timeMax.UTC(),
			}},
		},
	}
	objects, err := client.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, mapErr(fmt.Errorf("caldav: querying %s: %w", calendarID, err))
	}

	var events []*availsync.Event
	for _, obj := range objects {
		for _, e := range newEvents(calendarID, obj.Path, obj.Data, c.username, timeMin, timeMax) {
			events = append(events, e)
			if maxResults > 0 && len(events) >= maxResults {
				return events, nil
			}
		}
	}
	return events, nil
}

func (c *Client) GetEvent(ctx context.Context, cred *availsync.Credential, calendarID, eventID string) (*availsync.Event, error) {
	client, err := c.caldavClient(cred)
	if err != nil {
		return nil, err
	}
	obj, err := client.GetCalendarObject(ctx, objectPath(calendarID, eventID))
	if err != nil {
		return nil, mapErr(fmt.Errorf("caldav: getting event %s: %w", eventID, err))
	}
	events := newEvents(calendarID, obj.Path, obj.Data, c.username, time.Time{}, time.Time{})
	if len(events) == 0 {
		return nil, fmt.Errorf("caldav: event %s: %w", eventID, availsync.ErrNotFound)
	}
	return events[0], nil
}

func (c *Client) CreateEvent(ctx context.Context, cred *availsync.Credential, calendarID string, req *availsync.Event) (*availsync.Event, error) {
	e := *req
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return c.put(ctx, cred, calendarID, &e)
}

func (c *Client) UpdateEvent(ctx context.Context, cred *availsync.Credential, calendarID string, req *availsync.Event) (*availsync.Event, error) {
	if req.ID == "" {
		return nil, errors.New("caldav: updating event without id")
	}
	return c.put(ctx, cred, calendarID, req)
}

func (c *Client) put(ctx context.Context, cred *availsync.Credential, calendarID string, e *availsync.Event) (*availsync.Event, error) {
	client, err := c.caldavClient(cred)
	if err != nil {
		return nil, err
	}
	if _, err := client.PutCalendarObject(ctx, objectPath(calendarID, e.ID), newCalendar(e)); err != nil {
		return nil, mapErr(fmt.Errorf("caldav: saving event %s: %w", e.ID, err))
	}
	c.logger.Info("Event saved", "calendar", calendarID, "event", e.ID, "summary", e.Summary)

	saved := *e
	saved.CalendarID = calendarID
	return &saved, nil
}

func (c *Client) DeleteEvent(ctx context.Context, cred *availsync.Credential, calendarID, eventID string) error {
	client, err := c.caldavClient(cred)
	if err != nil {
		return err
	}
	if err := client.RemoveAll(ctx, objectPath(calendarID, eventID)); err != nil {
		return mapErr(fmt.Errorf("caldav: deleting event %s: %w", eventID, err))
	}
	c.logger.Info("Event deleted", "calendar", calendarID, "event", eventID)
	return nil
}

// FreeBusy is derived from the events of each calendar; the protocol's
// free-busy-query report is not offered by every server.
func (c *Client) FreeBusy(ctx context.Context, cred *availsync.Credential, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error) {
	busy := make(map[string][]availsync.BusyPeriod, len(calendarIDs))
	for _, id := range calendarIDs {
		events, err := c.ListEvents(ctx, cred, id, timeMin, timeMax, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if !e.Busy() || !e.StartsAt.Before(timeMax) || !e.EndsAt.After(timeMin) {
				continue
			}
			busy[id] = append(busy[id], availsync.BusyPeriod{CalendarID: id, Start: e.StartsAt, End: e.EndsAt})
		}
	}
	return busy, nil
}

func (c *Client) Refresh(context.Context, *availsync.Credential) (*availsync.Credential, error) {
	return nil, errors.New("caldav: passwords cannot be refreshed, connect again")
}

func objectPath(calendarID, eventID string) string {
	return path.Join(calendarID, eventID+".ics")
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, availsync.ErrUnauthorized),
		errors.Is(err, availsync.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", availsync.ErrNetwork, err)
	}
	return err
}
