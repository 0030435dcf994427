package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/guilherme-santos/availsync"
)

// DefaultTimeout bounds every single provider request.
const DefaultTimeout = 30 * time.Second

// Client is the authenticated entry point to a provider. It loads the stored
// credential for each call, refreshes it once when the provider rejects it,
// and maps failures onto the availsync error taxonomy.
type Client struct {
	provider availsync.Provider
	tokens   availsync.TokenStore
	logger   *slog.Logger

	Timeout time.Duration

	refreshMu sync.Mutex
}

func NewClient(logger *slog.Logger, provider availsync.Provider, tokens availsync.TokenStore) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		tokens:   tokens,
		logger:   logger,
		Timeout:  DefaultTimeout,
	}
}

func (c *Client) Connect(ctx context.Context, cred *availsync.Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return errors.New("credential has no access token")
	}
	if err := c.tokens.Save(ctx, cred); err != nil {
		return fmt.Errorf("saving credential: %w: %w", availsync.ErrPersistence, err)
	}
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.tokens.Clear(ctx); err != nil {
		return fmt.Errorf("clearing credential: %w: %w", availsync.ErrPersistence, err)
	}
	return nil
}

// Credential returns the stored credential or ErrNotAuthenticated.
func (c *Client) Credential(ctx context.Context) (*availsync.Credential, error) {
	cred, err := c.tokens.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w: %w", availsync.ErrPersistence, err)
	}
	if cred == nil {
		return nil, availsync.ErrNotAuthenticated
	}
	return cred, nil
}

func (c *Client) ListCalendars(ctx context.Context) ([]availsync.CalendarRef, error) {
	var cals []availsync.CalendarRef
	err := c.do(ctx, "list calendars", func(ctx context.Context, cred *availsync.Credential) (err error) {
		cals, err = c.provider.ListCalendars(ctx, cred)
		return err
	})
	return cals, err
}

func (c *Client) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time, maxResults int) ([]*availsync.Event, error) {
	var events []*availsync.Event
	err := c.do(ctx, "list events of "+calendarID, func(ctx context.Context, cred *availsync.Credential) (err error) {
		events, err = c.provider.ListEvents(ctx, cred, calendarID, timeMin, timeMax, maxResults)
		return err
	})
	return events, err
}

func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (*availsync.Event, error) {
	var event *availsync.Event
	err := c.do(ctx, "get event "+eventID, func(ctx context.Context, cred *availsync.Credential) (err error) {
		event, err = c.provider.GetEvent(ctx, cred, calendarID, eventID)
		return err
	})
	return event, err
}

func (c *Client) CreateEvent(ctx context.Context, calendarID string, req *availsync.Event) (*availsync.Event, error) {
	var event *availsync.Event
	err := c.do(ctx, "create event", func(ctx context.Context, cred *availsync.Credential) (err error) {
		event, err = c.provider.CreateEvent(ctx, cred, calendarID, req)
		return err
	})
	return event, err
}

func (c *Client) UpdateEvent(ctx context.Context, calendarID string, req *availsync.Event) (*availsync.Event, error) {
	var event *availsync.Event
	err := c.do(ctx, "update event "+req.ID, func(ctx context.Context, cred *availsync.Credential) (err error) {
		event, err = c.provider.UpdateEvent(ctx, cred, calendarID, req)
		return err
	})
	return event, err
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return c.do(ctx, "delete event "+eventID, func(ctx context.Context, cred *availsync.Credential) error {
		return c.provider.DeleteEvent(ctx, cred, calendarID, eventID)
	})
}

func (c *Client) FreeBusy(ctx context.Context, calendarIDs []string, timeMin, timeMax time.Time) (map[string][]availsync.BusyPeriod, error) {
	var busy map[string][]availsync.BusyPeriod
	err := c.do(ctx, "free/busy", func(ctx context.Context, cred *availsync.Credential) (err error) {
		busy, err = c.provider.FreeBusy(ctx, cred, calendarIDs, timeMin, timeMax)
		return err
	})
	return busy, err
}

// do runs fn with the stored credential. An ErrUnauthorized answer triggers
// one refresh and one retry; a second rejection is ErrAuthenticationExpired.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context, *availsync.Credential) error) error {
	cred, err := c.Credential(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; ; attempt++ {
		err = c.call(ctx, cred, fn)
		if !errors.Is(err, availsync.ErrUnauthorized) {
			return classify(ctx, op, err)
		}
		if attempt > 0 {
			return fmt.Errorf("%s: %w: %v", op, availsync.ErrAuthenticationExpired, err)
		}

		c.logger.Info("Access token rejected, refreshing", "op", op)
		cred, err = c.refresh(ctx, cred)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

func (c *Client) call(ctx context.Context, cred *availsync.Credential, fn func(context.Context, *availsync.Credential) error) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	return fn(ctx, cred)
}

func (c *Client) refresh(ctx context.Context, stale *availsync.Credential) (*availsync.Credential, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another caller may have refreshed, or the account may have been
	// disconnected, while this request was in flight.
	current, err := c.Credential(ctx)
	if err != nil {
		return nil, err
	}
	if current.AccessToken != stale.AccessToken {
		return current, nil
	}

	fresh, err := c.provider.Refresh(ctx, stale)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", availsync.ErrAuthenticationExpired, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stale.RefreshToken
	}
	if err := c.tokens.Save(ctx, fresh); err != nil {
		c.logger.Error("Unable to save refreshed credential", "error", err)
	}
	return fresh, nil
}

func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, known := range []error{
		availsync.ErrNetwork,
		availsync.ErrRemoteService,
		availsync.ErrNotFound,
		availsync.ErrAuthenticationExpired,
		availsync.ErrNotAuthenticated,
	} {
		if errors.Is(err, known) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, availsync.ErrNetwork, err)
	}
	return fmt.Errorf("%s: %w: %w", op, availsync.ErrRemoteService, err)
}
