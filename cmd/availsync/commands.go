package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/guilherme-santos/availsync"
	"github.com/guilherme-santos/availsync/internal/config"
	"github.com/guilherme-santos/availsync/internal/notify"
	"github.com/guilherme-santos/availsync/internal/webhook"
)

func connectCommand() *cli.Command {
	return &cli.Command{
		Name:  "connect",
		Usage: "Authorize access to the calendar account.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "password",
				Usage:   "app-specific password for CalDAV",
				EnvVars: []string{"CALDAV_PASSWORD"},
			},
		},
		Action: action(func(c *cli.Context, a *app) error {
			var cred *availsync.Credential
			switch a.cfg.Provider {
			case config.ProviderCalDAV:
				password := c.String("password")
				if password == "" {
					return errors.New("caldav: --password or CALDAV_PASSWORD is required")
				}
				cred = &availsync.Credential{AccessToken: password}
			default:
				var err error
				cred, err = a.google.Login(c.Context, loginAddr(a.google.RedirectURL()), func(authURL string) {
					fmt.Fprintf(c.App.Writer, "Go to the following link in your browser\n%s\n", authURL)
				})
				if err != nil {
					return fmt.Errorf("google: logging in: %w", err)
				}
			}
			if err := a.service.Connect(c.Context, cred); err != nil {
				return err
			}

			cals, err := a.client.ListCalendars(c.Context)
			if err != nil {
				return fmt.Errorf("listing calendars: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "Connected to %s, %d calendar(s) found:\n", a.cfg.Provider, len(cals))
			for _, cal := range cals {
				mark := " "
				if cal.IsPrimary {
					mark = "*"
				}
				fmt.Fprintf(c.App.Writer, "%s %s\n", mark, cal)
			}
			return nil
		}),
	}
}

func disconnectCommand() *cli.Command {
	return &cli.Command{
		Name:  "disconnect",
		Usage: "Forget the stored credential.",
		Action: action(func(c *cli.Context, a *app) error {
			if err := a.service.Disconnect(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "Disconnected")
			return nil
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the connection status and the last sync.",
		Action: action(func(c *cli.Context, a *app) error {
			state, err := a.service.Status(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Status:    %s\n", state.Status)
			if !state.LastSync.IsZero() {
				fmt.Fprintf(c.App.Writer, "Last sync: %s\n", state.LastSync.Local().Format(time.RFC3339))
			}
			if state.LastError != "" {
				fmt.Fprintf(c.App.Writer, "Error:     %s\n", state.LastError)
			}
			return nil
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync cycle and exit.",
		Action: action(func(c *cli.Context, a *app) error {
			a.syncer.Bus().On(notify.ConflictDetected, printConflicts(c))
			if err := a.syncer.Sync(c.Context); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Fprintln(c.App.Writer, "Sync complete")
			return nil
		}),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Sync periodically and on webhook notifications until interrupted.",
		Action: action(func(c *cli.Context, a *app) error {
			ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a.syncer.Bus().On(notify.ConflictDetected, printConflicts(c))
			a.syncer.Bus().On(notify.CalendarUpdated, func(e notify.Event) {
				a.logger.Info("Calendar updated", "at", e.Timestamp.Format(time.RFC3339))
			})

			var server *http.Server
			if a.registrar != nil {
				server = webhook.NewServer(a.cfg.Listen, webhook.NewHandler(a.logger, a.syncer.Trigger))
				go func() {
					a.logger.Info("Listening for webhooks", "addr", a.cfg.Listen)
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("Webhook server failed", "error", err)
						cancel()
					}
				}()
			}

			a.syncer.Start(ctx)
			<-ctx.Done()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			a.syncer.Stop(stopCtx)
			if server != nil {
				server.Shutdown(stopCtx)
			}
			return nil
		}),
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List the events of every calendar.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "days",
				Usage: "how many days from now",
				Value: 7,
			},
		},
		Action: action(func(c *cli.Context, a *app) error {
			from := time.Now()
			events, err := a.service.Events(c.Context, from, from.AddDate(0, 0, c.Int("days")))
			if err != nil {
				return err
			}
			for _, e := range events {
				busy := "free"
				if e.Busy() {
					busy = "busy"
				}
				fmt.Fprintf(c.App.Writer, "%s  %s  %-4s  %s [%s]\n",
					e.StartsAt.Local().Format("2006-01-02 15:04"),
					e.EndsAt.Local().Format("15:04"),
					busy, e.Summary, e.CalendarID)
			}
			return nil
		}),
	}
}

func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "Check confirmed meetings against the calendars.",
		Action: action(func(c *cli.Context, a *app) error {
			reports, err := a.service.CheckConflicts(c.Context)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Fprintln(c.App.Writer, "No conflicts")
				return nil
			}
			printConflicts(c)(notify.Event{Conflicts: reports})
			return nil
		}),
	}
}

func windowsCommand() *cli.Command {
	return &cli.Command{
		Name:  "windows",
		Usage: "Manage availability windows.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add a weekly availability window.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "weekday", Usage: "e.g. monday", Required: true},
					&cli.StringFlag{Name: "start", Usage: "start time, e.g. 09:00", Required: true},
					&cli.StringFlag{Name: "end", Usage: "end time, e.g. 12:00", Required: true},
					&cli.StringFlag{Name: "from", Usage: "first date, e.g. 2025-03-03 (default today)"},
					&cli.IntFlag{Name: "days", Usage: "how many days slots are generated for", Value: 28},
					&cli.DurationFlag{Name: "slot", Usage: "slot length", Value: 30 * time.Minute},
				},
				Action: action(func(c *cli.Context, a *app) error {
					weekday, err := parseWeekday(c.String("weekday"))
					if err != nil {
						return err
					}
					start, err := availsync.ParseClock(c.String("start"))
					if err != nil {
						return err
					}
					end, err := availsync.ParseClock(c.String("end"))
					if err != nil {
						return err
					}
					from := availsync.Today()
					if v := c.String("from"); v != "" {
						if err := from.Set(v); err != nil {
							return fmt.Errorf("invalid date %q: %w", v, err)
						}
					}

					w, err := a.service.AddWindow(c.Context, weekday, start, end, from, c.Int("days"), c.Duration("slot"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Window %s added with %d slot(s)\n", w.ID, len(w.Slots))
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List availability windows and their free slots.",
				Action: action(func(c *cli.Context, a *app) error {
					windows, err := a.service.Windows(c.Context)
					if err != nil {
						return err
					}
					for _, w := range windows {
						fmt.Fprintf(c.App.Writer, "%s  %s %s-%s  %d slot(s)\n", w.ID, w.Weekday, w.StartTime, w.EndTime, len(w.Slots))
						for _, s := range w.Slots {
							fmt.Fprintf(c.App.Writer, "    %s - %s\n", s.Start.Local().Format("2006-01-02 15:04"), s.End.Local().Format("15:04"))
						}
					}
					return nil
				}),
			},
		},
	}
}

func meetingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "meetings",
		Usage: "Manage meetings.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a tentative meeting on the primary calendar.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Required: true},
					&cli.StringFlag{Name: "start", Usage: "RFC 3339 start, e.g. 2025-03-03T10:00:00+01:00", Required: true},
					&cli.DurationFlag{Name: "duration", Value: 30 * time.Minute},
				},
				Action: action(func(c *cli.Context, a *app) error {
					start, err := time.Parse(time.RFC3339, c.String("start"))
					if err != nil {
						return fmt.Errorf("invalid start: %w", err)
					}
					m, calendarID, err := a.service.ScheduleMeeting(c.Context, c.String("title"), start, start.Add(c.Duration("duration")))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Meeting %s created on %s (%s)\n", m.ID, calendarID, m.Status)
					return nil
				}),
			},
			{
				Name:      "confirm",
				Usage:     "Confirm a meeting from its calendar event.",
				ArgsUsage: "<event-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "calendar", Usage: "calendar id", Value: "primary"},
				},
				Action: action(func(c *cli.Context, a *app) error {
					if c.NArg() != 1 {
						return errors.New("expected exactly one event id")
					}
					m, err := a.service.ConfirmMeeting(c.Context, c.String("calendar"), c.Args().First())
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Meeting %s confirmed\n", m.ID)
					if m.HasConflict {
						printConflicts(c)(notify.Event{Conflicts: []availsync.ConflictReport{{Meeting: m, ConflictingEvents: m.ConflictDetails}}})
					}
					return nil
				}),
			},
			{
				Name:  "list",
				Usage: "List stored meetings.",
				Action: action(func(c *cli.Context, a *app) error {
					meetings, err := a.service.Meetings(c.Context)
					if err != nil {
						return err
					}
					for _, m := range meetings {
						conflict := ""
						if m.HasConflict {
							conflict = "  CONFLICT"
						}
						fmt.Fprintf(c.App.Writer, "%s  %s  %-9s  %s%s\n", m.ID, m.Start.Local().Format("2006-01-02 15:04"), m.Status, m.Title, conflict)
					}
					return nil
				}),
			},
		},
	}
}

func printConflicts(c *cli.Context) notify.Handler {
	return func(e notify.Event) {
		for _, r := range e.Conflicts {
			fmt.Fprintf(c.App.Writer, "Conflict: %q at %s\n", r.Meeting.Title, r.Meeting.Start.Local().Format("2006-01-02 15:04"))
			for _, b := range r.ConflictingEvents {
				fmt.Fprintf(c.App.Writer, "    busy %s - %s [%s]\n", b.Start.Local().Format("15:04"), b.End.Local().Format("15:04"), b.CalendarID)
			}
		}
	}
}

func parseWeekday(v string) (time.Weekday, error) {
	v = strings.ToLower(v)
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if v == name || v == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", v)
}
