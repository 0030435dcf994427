package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/availsync/internal"
	"github.com/guilherme-santos/availsync/internal/config"
)

func main() {
	app := &cli.App{
		Name:  "availsync",
		Usage: "Keep bookable availability slots free of calendar conflicts.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "sqlite database file",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "time between scheduled syncs",
			},
			&cli.IntFlag{
				Name:  "lookahead-days",
				Usage: "how many days ahead events are read",
			},
		},
		Commands: []*cli.Command{
			connectCommand(),
			disconnectCommand(),
			statusCommand(),
			syncCommand(),
			watchCommand(),
			eventsCommand(),
			conflictsCommand(),
			windowsCommand(),
			meetingsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// action loads the configuration, applies the global flags and hands a wired
// app to fn, closing it afterwards.
func action(fn func(c *cli.Context, a *app) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if v := c.String("log-level"); v != "" {
			cfg.LogLevel = v
		}
		if v := c.String("db"); v != "" {
			cfg.DBPath = v
		}
		if v := c.Duration("interval"); v > 0 {
			cfg.SyncInterval = v
		}
		if v := c.Int("lookahead-days"); v > 0 {
			cfg.LookaheadDays = v
		}

		logger := internal.NewLogger(os.Stderr, cfg.LogLevel)
		slog.SetDefault(logger)

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		return fn(c, a)
	}
}
