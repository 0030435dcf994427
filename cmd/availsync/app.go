package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/calendar"
	"github.com/guilherme-santos/availsync/calendar/caldav"
	"github.com/guilherme-santos/availsync/calendar/google"
	"github.com/guilherme-santos/availsync/file"
	"github.com/guilherme-santos/availsync/internal/config"
	"github.com/guilherme-santos/availsync/internal/service"
	"github.com/guilherme-santos/availsync/internal/sqlite"
	"github.com/guilherme-santos/availsync/internal/syncer"
	"github.com/guilherme-santos/availsync/internal/webhook"
)

const defaultRedirectURL = "http://localhost:8085/callback"

// app holds everything a command needs, wired from the configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	storage   *sqlite.Storage
	google    *google.Client
	client    *calendar.Client
	syncer    *syncer.Syncer
	registrar *webhook.Registrar
	service   *service.Service
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	storage, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", cfg.DBPath, err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		storage: storage,
	}

	mux := calendar.NewMux()
	if a.google, err = newGoogleClient(cfg, logger); err != nil {
		storage.Close()
		return nil, err
	}
	if a.google != nil {
		mux.Register(google.Platform, a.google)
	}
	if cfg.CalDAVEndpoint != "" {
		mux.Register(caldav.Platform, caldav.NewClient(logger, cfg.CalDAVEndpoint, cfg.CalDAVUsername, cfg.CalDAVPrimaryCalendar))
	}

	provider, err := mux.Get(cfg.Provider)
	if err != nil {
		storage.Close()
		return nil, err
	}

	a.client = calendar.NewClient(logger, provider, a.tokenStore())
	a.client.Timeout = cfg.RequestTimeout

	a.syncer = syncer.New(logger, a.client, storage, nil)
	a.syncer.Interval = cfg.SyncInterval
	a.syncer.Lookahead = cfg.Lookahead()
	a.syncer.MaxResults = cfg.MaxResults
	a.syncer.SkipSecondary = cfg.SkipSecondary
	a.syncer.States = storage
	if cfg.WebhookBackend != "" {
		a.registrar = webhook.NewRegistrar(logger, cfg.WebhookBackend, cfg.WebhookAddress)
		a.syncer.Webhooks = a.registrar
	}

	a.service = service.New(logger, a.client, storage, a.syncer)
	return a, nil
}

func (a *app) Close() error {
	return a.storage.Close()
}

func (a *app) tokenStore() availsync.TokenStore {
	if a.cfg.TokenStore == config.TokenStoreFile {
		return file.NewTokenStore(file.DefaultPath(a.cfg.Provider))
	}
	return a.storage.TokenStore(sqlite.AccountID(a.cfg.Provider, ""))
}

// newGoogleClient returns nil when the provider is not google and no Google
// credentials are configured.
func newGoogleClient(cfg *config.Config, logger *slog.Logger) (*google.Client, error) {
	switch {
	case cfg.GoogleCredentialsFile != "":
		credJSON, err := os.ReadFile(cfg.GoogleCredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file: %w", err)
		}
		oauthCfg, err := google.ConfigFromJSON(credJSON)
		if err != nil {
			return nil, err
		}
		return google.NewClient(logger, oauthCfg), nil
	case cfg.GoogleClientID != "":
		return google.NewClient(logger, google.NewConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, defaultRedirectURL)), nil
	}
	if cfg.Provider == config.ProviderGoogle {
		return nil, fmt.Errorf("google credentials are not configured")
	}
	return nil, nil
}

// loginAddr is the address the OAuth redirect is received on.
func loginAddr(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Host == "" {
		return "localhost:8085"
	}
	return u.Host
}
