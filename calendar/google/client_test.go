package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/guilherme-santos/availsync"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := NewConfig("client-id", "client-secret", "http://localhost:8080/oauth/callback")
	return NewClient(nil, cfg, option.WithEndpoint(srv.URL+"/"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func requireBearer(w http.ResponseWriter, r *http.Request, token string) bool {
	if r.Header.Get("Authorization") == "Bearer "+token {
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials","errors":[{"reason":"authError"}]}}`))
	return false
}

func TestListCalendars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		if !requireBearer(w, r, "good") {
			return
		}
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]any{
				"items":         []map[string]any{{"id": "me@example.com", "summary": "Me", "primary": true}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, map[string]any{
			"items": []map[string]any{{"id": "team@example.com", "summary": "Team"}},
		})
	})
	client := newTestClient(t, mux)

	cals, err := client.ListCalendars(context.Background(), &availsync.Credential{AccessToken: "good"})
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.Equal(t, availsync.CalendarRef{ID: "me@example.com", DisplayName: "Me", IsPrimary: true}, cals[0])
	assert.False(t, cals[1].IsPrimary)

	_, err = client.ListCalendars(context.Background(), &availsync.Credential{AccessToken: "stale"})
	require.Error(t, err)
	assert.ErrorIs(t, err, availsync.ErrUnauthorized)
}

func TestListEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		assert.NotEmpty(t, r.URL.Query().Get("timeMin"))
		writeJSON(w, map[string]any{
			"items": []map[string]any{
				{
					"id":     "e1",
					"status": "confirmed",
					"start":  map[string]string{"dateTime": "2025-03-03T09:15:00Z"},
					"end":    map[string]string{"dateTime": "2025-03-03T09:45:00Z"},
					"attendees": []map[string]any{
						{"email": "me@example.com", "self": true, "responseStatus": "declined"},
					},
				},
				{
					"id":           "e2",
					"status":       "confirmed",
					"transparency": "transparent",
					"start":        map[string]string{"date": "2025-03-04"},
					"end":          map[string]string{"date": "2025-03-05"},
				},
				{"id": "e3", "status": "confirmed",
					"start": map[string]string{"dateTime": "2025-03-05T10:00:00Z"},
					"end":   map[string]string{"dateTime": "2025-03-05T11:00:00Z"},
				},
			},
		})
	})
	client := newTestClient(t, mux)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	events, err := client.ListEvents(context.Background(), &availsync.Credential{AccessToken: "tok"}, "primary", from, from.AddDate(0, 0, 60), 2)
	require.NoError(t, err)
	require.Len(t, events, 2, "maxResults caps the result")

	assert.Equal(t, "primary", events[0].CalendarID)
	assert.Equal(t, availsync.Declined, events[0].ResponseStatus)
	assert.Equal(t, time.Date(2025, 3, 3, 9, 15, 0, 0, time.UTC), events[0].StartsAt.UTC())
	assert.False(t, events[0].Busy())

	assert.True(t, events[1].AllDay)
	assert.True(t, events[1].Transparent)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), events[1].StartsAt)
}

func TestFreeBusy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/freeBusy", func(w http.ResponseWriter, r *http.Request) {
		var req calendar.FreeBusyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 2)
		writeJSON(w, map[string]any{
			"calendars": map[string]any{
				"primary": map[string]any{
					"busy": []map[string]string{{"start": "2025-03-03T09:15:00Z", "end": "2025-03-03T09:45:00Z"}},
				},
				"gone@example.com": map[string]any{
					"errors": []map[string]string{{"domain": "global", "reason": "notFound"}},
				},
			},
		})
	})
	client := newTestClient(t, mux)

	from := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	busy, err := client.FreeBusy(context.Background(), &availsync.Credential{AccessToken: "tok"}, []string{"primary", "gone@example.com"}, from, from.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, busy["primary"], 1)
	assert.Equal(t, "primary", busy["primary"][0].CalendarID)
	assert.Equal(t, 30*time.Minute, busy["primary"][0].End.Sub(busy["primary"][0].Start))
	assert.Empty(t, busy["gone@example.com"])
}

func TestDeleteEventAlreadyGone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/primary/events/e1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error":{"code":410,"message":"Resource has been deleted","errors":[{"reason":"deleted"}]}}`))
	})
	client := newTestClient(t, mux)

	err := client.DeleteEvent(context.Background(), &availsync.Credential{AccessToken: "tok"}, "primary", "e1")
	assert.NoError(t, err)
}

func TestGetEventNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calendars/primary/events/missing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":404,"message":"Not Found","errors":[{"reason":"notFound"}]}}`))
	})
	client := newTestClient(t, mux)

	_, err := client.GetEvent(context.Background(), &availsync.Credential{AccessToken: "tok"}, "primary", "missing")
	assert.ErrorIs(t, err, availsync.ErrNotFound)
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	client := NewClient(nil, NewConfig("id", "secret", ""))
	_, err := client.Refresh(context.Background(), &availsync.Credential{AccessToken: "tok"})
	assert.Error(t, err)
}

func TestNewGoogleEvent(t *testing.T) {
	start := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	gevent := newGoogleEvent(&availsync.Event{
		Summary:  "Intro call",
		StartsAt: start,
		EndsAt:   start.Add(30 * time.Minute),
	})
	assert.Equal(t, "2025-03-03T09:00:00Z", gevent.Start.DateTime)
	assert.Equal(t, "2025-03-03T09:30:00Z", gevent.End.DateTime)
	assert.Empty(t, gevent.EventType)

	allDay := newGoogleEvent(&availsync.Event{AllDay: true, StartsAt: start, EndsAt: start.AddDate(0, 0, 1)})
	assert.Equal(t, "2025-03-03", allDay.Start.Date)
	assert.Equal(t, "2025-03-04", allDay.End.Date)
}
