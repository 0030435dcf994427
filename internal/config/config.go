// Package config reads the settings from the environment, optionally seeded
// by a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"

	TokenStoreSQLite = "sqlite"
	TokenStoreFile   = "file"
)

type Config struct {
	Provider   string
	DBPath     string
	TokenStore string

	GoogleCredentialsFile string
	GoogleClientID        string
	GoogleClientSecret    string

	CalDAVEndpoint        string
	CalDAVUsername        string
	CalDAVPrimaryCalendar string

	SyncInterval   time.Duration
	LookaheadDays  int
	MaxResults     int
	RequestTimeout time.Duration
	SkipSecondary  bool

	WebhookBackend string
	WebhookAddress string
	Listen         string

	LogLevel string
}

// Load reads .env, when present, and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

func FromEnv() (*Config, error) {
	cfg := &Config{
		Provider:              strings.ToLower(getenv("AVAILSYNC_PROVIDER", ProviderGoogle)),
		DBPath:                getenv("AVAILSYNC_DB", filepath.Join(xdg.DataHome, "availsync", "availsync.db")),
		TokenStore:            strings.ToLower(getenv("AVAILSYNC_TOKEN_STORE", TokenStoreSQLite)),
		GoogleCredentialsFile: os.Getenv("GOOGLE_CREDENTIALS_FILE"),
		GoogleClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		CalDAVEndpoint:        os.Getenv("CALDAV_ENDPOINT"),
		CalDAVUsername:        os.Getenv("CALDAV_USERNAME"),
		CalDAVPrimaryCalendar: os.Getenv("CALDAV_PRIMARY_CALENDAR"),
		WebhookBackend:        os.Getenv("AVAILSYNC_WEBHOOK_BACKEND"),
		WebhookAddress:        os.Getenv("AVAILSYNC_WEBHOOK_ADDRESS"),
		Listen:                getenv("AVAILSYNC_LISTEN", ":8080"),
		LogLevel:              getenv("LOG_LEVEL", "info"),
	}

	var errs []error
	parse := func(name string, fn func(string) error) {
		if v := os.Getenv(name); v != "" {
			if err := fn(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}

	cfg.SyncInterval = 5 * time.Minute
	parse("AVAILSYNC_SYNC_INTERVAL", func(v string) (err error) {
		cfg.SyncInterval, err = time.ParseDuration(v)
		return err
	})
	cfg.LookaheadDays = 60
	parse("AVAILSYNC_LOOKAHEAD_DAYS", func(v string) (err error) {
		cfg.LookaheadDays, err = strconv.Atoi(v)
		return err
	})
	cfg.MaxResults = 250
	parse("AVAILSYNC_MAX_RESULTS", func(v string) (err error) {
		cfg.MaxResults, err = strconv.Atoi(v)
		return err
	})
	cfg.RequestTimeout = 30 * time.Second
	parse("AVAILSYNC_REQUEST_TIMEOUT", func(v string) (err error) {
		cfg.RequestTimeout, err = time.ParseDuration(v)
		return err
	})
	parse("AVAILSYNC_SKIP_SECONDARY", func(v string) (err error) {
		cfg.SkipSecondary, err = strconv.ParseBool(v)
		return err
	})

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Provider {
	case ProviderGoogle:
		if c.GoogleCredentialsFile == "" && (c.GoogleClientID == "" || c.GoogleClientSecret == "") {
			errs = append(errs, errors.New("google: set GOOGLE_CREDENTIALS_FILE or GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET"))
		}
	case ProviderCalDAV:
		if c.CalDAVEndpoint == "" || c.CalDAVUsername == "" {
			errs = append(errs, errors.New("caldav: set CALDAV_ENDPOINT and CALDAV_USERNAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	switch c.TokenStore {
	case TokenStoreSQLite, TokenStoreFile:
	default:
		errs = append(errs, fmt.Errorf("unknown token store %q", c.TokenStore))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	if c.LookaheadDays <= 0 {
		errs = append(errs, errors.New("lookahead days must be positive"))
	}
	if c.WebhookBackend != "" && c.WebhookAddress == "" {
		errs = append(errs, errors.New("AVAILSYNC_WEBHOOK_ADDRESS is required with AVAILSYNC_WEBHOOK_BACKEND"))
	}
	return errors.Join(errs...)
}

func (c *Config) Lookahead() time.Duration {
	return time.Duration(c.LookaheadDays) * 24 * time.Hour
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
