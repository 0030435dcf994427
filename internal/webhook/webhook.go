// Package webhook registers push notification channels with the application
// backend and receives the notifications it forwards.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/internal"
)

type registration struct {
	ID          string `json:"id"`
	CalendarID  string `json:"calendarId"`
	Address     string `json:"address"`
	AccessToken string `json:"accessToken"`
}

// Registrar asks the backend to open a push channel per calendar, the
// backend forwards notifications to Address.
type Registrar struct {
	backend    string
	address    string
	httpClient *http.Client
	logger     *slog.Logger

	mu  sync.Mutex
	ids []string
}

func NewRegistrar(logger *slog.Logger, backendURL, address string) *Registrar {
	return &Registrar{
		backend:    strings.TrimSuffix(backendURL, "/"),
		address:    address,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     internal.LoggerOrDefault(logger),
	}
}

func (r *Registrar) RegisterWebhook(ctx context.Context, calendarID string, cred *availsync.Credential) error {
	if cred == nil {
		return availsync.ErrNotAuthenticated
	}
	reg := registration{
		ID:          uuid.NewString(),
		CalendarID:  calendarID,
		Address:     r.address,
		AccessToken: cred.AccessToken,
	}
	body, err := json.Marshal(reg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.backend+"/webhooks", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := r.do(req, cred); err != nil {
		return fmt.Errorf("webhook: registering %s: %w", calendarID, err)
	}

	r.mu.Lock()
	r.ids = append(r.ids, reg.ID)
	r.mu.Unlock()

	r.logger.Info("Webhook registered", "calendar", calendarID, "id", reg.ID)
	return nil
}

// UnregisterWebhook removes every channel opened by this registrar.
func (r *Registrar) UnregisterWebhook(ctx context.Context, cred *availsync.Credential) error {
	if cred == nil {
		return availsync.ErrNotAuthenticated
	}
	r.mu.Lock()
	ids := r.ids
	r.ids = nil
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.backend+"/webhooks/"+url.PathEscape(id), nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.do(req, cred); err != nil {
			errs = append(errs, fmt.Errorf("webhook: unregistering %s: %w", id, err))
			continue
		}
		r.logger.Info("Webhook unregistered", "id", id)
	}
	return errors.Join(errs...)
}

// Registered returns the ids of the open channels.
func (r *Registrar) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func (r *Registrar) do(req *http.Request, cred *availsync.Credential) error {
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", availsync.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", availsync.ErrUnauthorized, strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("%w: %s: %s", availsync.ErrRemoteService, resp.Status, strings.TrimSpace(string(msg)))
}

// Trigger starts a sync, usually (*syncer.Syncer).Trigger.
type Trigger func()

// Handler receives push notifications. The initial "sync" message sent when
// a channel opens carries no change and is acknowledged without syncing.
type Handler struct {
	trigger Trigger
	logger  *slog.Logger
}

func NewHandler(logger *slog.Logger, trigger Trigger) *Handler {
	return &Handler{
		trigger: trigger,
		logger:  internal.LoggerOrDefault(logger),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))

	state := r.Header.Get("X-Goog-Resource-State")
	channel := r.Header.Get("X-Goog-Channel-ID")
	if state == "sync" {
		h.logger.Debug("Webhook channel opened", "channel", channel)
		w.WriteHeader(http.StatusOK)
		return
	}

	h.logger.Info("Remote calendar changed", "channel", channel, "state", state)
	h.trigger()
	w.WriteHeader(http.StatusAccepted)
}

// NewServer serves the handler at /webhook on addr.
func NewServer(addr string, h http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/webhook", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
