package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/guilherme-santos/availsync"
)

const Platform = "google"

type Client struct {
	oauthCfg *oauth2.Config
	logger   *slog.Logger
	opts     []option.ClientOption
}

// ConfigFromJSON parses a credentials.json downloaded from the Google console.
func ConfigFromJSON(credJSON []byte) (*oauth2.Config, error) {
	oauthCfg, err := google.ConfigFromJSON(credJSON, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("google: parsing credentials file: %v", err)
	}
	return oauthCfg, nil
}

func NewConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     google.Endpoint,
	}
}

// NewClient returns a provider backed by the Calendar v3 API. Extra options
// are appended to every service, e.g. option.WithEndpoint.
func NewClient(logger *slog.Logger, oauthCfg *oauth2.Config, opts ...option.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		oauthCfg: oauthCfg,
		logger:   logger.With("provider", Platform),
		opts:     opts,
	}
}

const (
	defaultSleep        = 5 * time.Second
	maxRateLimitRetries = 3
	pageSize            = 250
)

func (c *Client) ListCalendars(ctx context.Context, cred *availsync.Credential) ([]availsync.CalendarRef, error) {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, err
	}

	var (
		cals          []availsync.CalendarRef
		nextPageToken string
	)
	for {
		var list *calendar.CalendarList
		err := c.retry(ctx, func() (err error) {
			list, err = svc.CalendarList.List().Context(ctx).PageToken(nextPageToken).Do()
			return err
		})
		if err != nil {
			return nil, mapErr(err)
		}
		for _, item := range list.Items {
			cals = append(cals, availsync.CalendarRef{
				ID:          item.Id,
				DisplayName: item.Summary,
				IsPrimary:   item.Primary,
			})
		}
		nextPageToken = list.NextPageToken
		if nextPageToken == "" {
			break
		}
	}
	return cals, nil
}

func (c *Client) ListEvents(ctx context.Context, cred *availsync.Credential, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*availsync.Event, error) {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	call := svc.Events.List(calendarID).
		Context(ctx).
		ShowDeleted(false).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		MaxResults(pageSize)

	it := newEventIterator()
	go c.events(ctx, calendarID, call, it.events)

	var events []*availsync.Event
	for it.Next() {
		events = append(events, it.Event())
		if maxResults > 0 && len(events) >= maxResults {
			break
		}
	}
	if err := it.Err(); err != nil {
		return nil, mapErr(err)
	}
	return events, nil
}

func (c *Client) events(ctx context.Context, calendarID string, call *calendar.EventsListCall, eventCh chan eventOrError) {
	defer close(eventCh)

	var nextPageToken string
	for {
		var events *calendar.Events
		err := c.retry(ctx, func() (err error) {
			events, err = call.PageToken(nextPageToken).Do()
			return err
		})
		if err != nil {
			c.logger.Debug("Unable to get list of events", "calendar", calendarID, "error", err)
			select {
			case eventCh <- eventOrError{err: err}:
			case <-ctx.Done():
			}
			return
		}

		for _, item := range events.Items {
			select {
			case eventCh <- eventOrError{e: newEvent(calendarID, item)}:
			case <-ctx.Done():
				return
			}
		}
		nextPageToken = events.NextPageToken
		if nextPageToken == "" {
			return
		}
	}
}

func (c *Client) GetEvent(ctx context.Context, cred *availsync.Credential, calendarID, eventID string) (*availsync.Event, error) {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, err
	}
	var gevent *calendar.Event
	err = c.retry(ctx, func() (err error) {
		gevent, err = svc.Events.Get(calendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return newEvent(calendarID, gevent), nil
}

func (c *Client) CreateEvent(ctx context.Context, cred *availsync.Credential, calendarID string, req *availsync.Event) (*availsync.Event, error) {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, err
	}
	var gevent *calendar.Event
	err = c.retry(ctx, func() (err error) {
		gevent, err = svc.Events.Insert(calendarID, newGoogleEvent(req)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	c.logger.Info("Event created", "calendar", calendarID, "summary", req.Summary, "starts_at", req.StartsAt)
	return newEvent(calendarID, gevent), nil
}

func (c *Client) UpdateEvent(ctx context.Context, cred *availsync.Credential, calendarID string, req *availsync.Event) (*availsync.Event, error) {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, err
	}
	var gevent *calendar.Event
	err = c.retry(ctx, func() (err error) {
		gevent, err = svc.Events.Update(calendarID, req.ID, newGoogleEvent(req)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}
	c.logger.Info("Event updated", "calendar", calendarID, "event", req.ID)
	return newEvent(calendarID, gevent), nil
}

func (c *Client) DeleteEvent(ctx context.Context, cred *availsync.Credential, calendarID, eventID string) error {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return err
	}
	err = c.retry(ctx, func() error {
		return svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil && !alreadyDeleted(err) {
		return mapErr(err)
	}
	c.logger.Info("Event deleted", "calendar", calendarID, "event", eventID)
	return nil
}

func (c *Client) FreeBusy(ctx context.Context, cred *availsync.Credential, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error) {
	svc, err := c.calendarSvc(ctx, cred)
	if err != nil {
		return nil, err
	}
	req := &calendar.FreeBusyRequest{
		TimeMin: timeMin.Format(time.RFC3339),
		TimeMax: timeMax.Format(time.RFC3339),
	}
	for _, id := range calendarIDs {
		req.Items = append(req.Items, &calendar.FreeBusyRequestItem{Id: id})
	}

	var res *calendar.FreeBusyResponse
	err = c.retry(ctx, func() (err error) {
		res, err = svc.Freebusy.Query(req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, mapErr(err)
	}

	busy := make(map[string][]availsync.BusyPeriod, len(res.Calendars))
	for id, cal := range res.Calendars {
		for _, e := range cal.Errors {
			c.logger.Warn("Free/busy unavailable for calendar", "calendar", id, "reason", e.Reason)
		}
		for _, p := range cal.Busy {
			start, err := time.Parse(time.RFC3339, p.Start)
			if err != nil {
				continue
			}
			end, err := time.Parse(time.RFC3339, p.End)
			if err != nil {
				continue
			}
			busy[id] = append(busy[id], availsync.BusyPeriod{CalendarID: id, Start: start, End: end})
		}
	}
	return busy, nil
}

func (c *Client) Refresh(ctx context.Context, cred *availsync.Credential) (*availsync.Credential, error) {
	if cred.RefreshToken == "" {
		return nil, errors.New("google: no refresh token")
	}
	tok, err := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("google: refreshing token: %w", err)
	}
	return newCredential(tok), nil
}

// RedirectURL is where the authorization code flow sends the browser back.
func (c *Client) RedirectURL() string {
	return c.oauthCfg.RedirectURL
}

// Login runs the authorization code flow, receiving the redirect on addr.
func (c *Client) Login(ctx context.Context, addr string, openURL func(authURL string)) (*availsync.Credential, error) {
	state := fmt.Sprintf("availsync-%d", time.Now().UTC().Nanosecond())
	openURL(c.oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	mux := http.NewServeMux()
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	var (
		token   *oauth2.Token
		authErr error
	)

	callbackPath := "/"
	if u, err := url.Parse(c.oauthCfg.RedirectURL); err == nil && u.Path != "" {
		callbackPath = u.Path
	}
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			go server.Shutdown(context.Background())
		}()

		query := req.URL.Query()
		if query.Get("state") != state {
			authErr = errors.New("oauth link is not valid")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		token, authErr = c.oauthCfg.Exchange(ctx, query.Get("code"))
		if authErr != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintln(w, "Unable to retrieve token:", authErr)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "All good, you can close this window!")
	})

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return nil, err
	}
	if authErr != nil {
		return nil, authErr
	}
	if token == nil {
		return nil, ctx.Err()
	}
	return newCredential(token), nil
}

func (c *Client) calendarSvc(ctx context.Context, cred *availsync.Credential) (*calendar.Service, error) {
	if cred == nil {
		return nil, availsync.ErrNotAuthenticated
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(newToken(cred)))
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, c.opts...)
	return calendar.NewService(ctx, opts...)
}

// retry repeats fn while Google answers with a rate limit.
func (c *Client) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !shouldRetry(err) || attempt == maxRateLimitRetries {
			return err
		}
		c.logger.Warn("Rate limited, retrying", "attempt", attempt+1)
		select {
		case <-time.After(defaultSleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func mapErr(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("google: %w: %v", availsync.ErrUnauthorized, err)
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("google: %w: %v", availsync.ErrNotFound, err)
		}
		return fmt.Errorf("google: %w: %v", availsync.ErrRemoteService, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("google: %w: %w", availsync.ErrNetwork, err)
	}
	return err
}

func shouldRetry(err error) bool {
	return errIsReason(err, "rateLimitExceeded") || errIsReason(err, "userRateLimitExceeded")
}

func alreadyDeleted(err error) bool {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusGone {
		return true
	}
	return errIsReason(err, "deleted")
}

func errIsReason(err error, reason string) bool {
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return false
	}

	for _, err := range gErr.Errors {
		switch err.Reason {
		case reason:
			return true
		}
	}
	return false
}

func newToken(cred *availsync.Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}
}

func newCredential(tok *oauth2.Token) *availsync.Credential {
	return &availsync.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}
