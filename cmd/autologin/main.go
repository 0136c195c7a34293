package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/urfave/cli/v2"

	"github.com/phhowardchen/mteam-autologin/internal/browser"
	"github.com/phhowardchen/mteam-autologin/internal/cache"
	"github.com/phhowardchen/mteam-autologin/internal/config"
	"github.com/phhowardchen/mteam-autologin/internal/login"
	"github.com/phhowardchen/mteam-autologin/internal/mailstore"
	"github.com/phhowardchen/mteam-autologin/internal/notifier"
	"github.com/phhowardchen/mteam-autologin/internal/retry"
	"github.com/phhowardchen/mteam-autologin/internal/storage"
	"github.com/phhowardchen/mteam-autologin/internal/verify"
)

// Exit codes: 0 authenticated, 1 rejected or error, 2 indeterminate.
const (
	exitFailure       = 1
	exitIndeterminate = 2
)

func main() {
	app := &cli.App{
		Name:           "mteam-autologin",
		Usage:          "automated M-Team login with email verification-code retrieval",
		DefaultCommand: "login",
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "run the full login pipeline",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "run even if the minimum inter-run interval has not passed",
					},
				},
				Action: runLogin,
			},
			{
				Name:  "fetch-code",
				Usage: "fetch a verification code from the mailbox without touching the site",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "how long to poll the mailbox",
						Value: 60 * time.Second,
					},
				},
				Action: runFetchCode,
			},
			{
				Name:  "clean",
				Usage: "remove aged logs, failure dumps and browser caches",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "max-age",
						Usage: "delete log files older than this",
						Value: 7 * 24 * time.Hour,
					},
				},
				Action: runClean,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		cli.HandleExitCoder(err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailure)
	}
}

func runLogin(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitFailure)
	}

	logger, closeLog := setupLogger(cfg)
	defer closeLog()
	logger = logger.With("run", uuid.NewString()[:8])

	logger.Info("starting M-Team auto-login",
		"site_account", config.Mask(cfg.MTeamUsername),
		"mailbox", config.Mask(cfg.MailboxEmail),
		"headless", cfg.Headless)

	marker := storage.NewRunMarker(cfg.MarkerPath)
	if !c.Bool("force") {
		ok, next, err := marker.ShouldRun(time.Now(), cfg.MinRunInterval)
		if err != nil {
			logger.Warn("cannot read run marker, continuing", "error", err)
		} else if !ok {
			logger.Info("last successful run is too recent, skipping",
				"next_run", next.Format(time.DateTime))
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	var alerts *notifier.AlertClient
	if cfg.AlertsEnabled() {
		alerts = notifier.NewAlertClient(cfg.ResendAPIKey, cfg.AlertRecipient, logger)
	}

	poller := newPoller(cfg, logger)

	driver, err := browser.New(browser.Options{
		Headless:    cfg.Headless,
		Proxy:       cfg.Proxy,
		UserAgent:   cfg.UserAgent,
		BinaryPath:  cfg.BrowserBinary,
		UserDataDir: cfg.BrowserDataDir,
		DumpDir:     cfg.LogDir,
	}, logger)
	if err != nil {
		logger.Error("browser unavailable", "error", err)
		return cli.Exit(fmt.Sprintf("browser unavailable: %v", err), exitFailure)
	}
	defer driver.Close()

	machine := login.NewMachine(driver, poller, login.Config{
		Username:        cfg.MTeamUsername,
		Password:        cfg.MTeamPassword,
		MailboxAddress:  cfg.MailboxEmail,
		NavRetry:        retry.Policy{MaxAttempts: cfg.NavRetries, Delay: cfg.NavRetryDelay},
		OuterRetries:    cfg.OuterRetries,
		OuterRetryDelay: cfg.OuterRetryDelay,
	}, logger)

	outcome, err := machine.Run(ctx)
	if err != nil {
		var authErr *mailstore.AuthError
		if errors.As(err, &authErr) && authErr.Permanent && alerts != nil {
			alerts.MailboxAuthFailure(err)
		}
		logger.Error("login run failed", "state", outcome.State.String(), "reason", outcome.Reason, "error", err)
		return cli.Exit(fmt.Sprintf("login failed: %v", err), exitFailure)
	}

	switch outcome.State {
	case login.Authenticated:
		logger.Info("login succeeded", "reason", outcome.Reason)
		if err := marker.RecordSuccess(time.Now()); err != nil {
			logger.Warn("failed to record run marker", "error", err)
		}
		return nil
	case login.Indeterminate:
		logger.Warn("login outcome indeterminate", "reason", outcome.Reason)
		return cli.Exit(fmt.Sprintf("indeterminate: %s", outcome.Reason), exitIndeterminate)
	default:
		logger.Error("login rejected", "reason", outcome.Reason)
		if alerts != nil {
			alerts.LoginFailed(outcome.Reason)
		}
		return cli.Exit(fmt.Sprintf("rejected: %s", outcome.Reason), exitFailure)
	}
}

func runFetchCode(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitFailure)
	}
	cfg.PollTimeout = c.Duration("timeout")

	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := newPoller(cfg, logger).AwaitCode(ctx, time.Time{})
	if err != nil {
		return cli.Exit(fmt.Sprintf("mailbox: %v", err), exitFailure)
	}
	if code == "" {
		return cli.Exit("no verification code found", exitFailure)
	}
	fmt.Println(code)
	return nil
}

func runClean(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("config: %v", err), exitFailure)
	}

	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	cleaner := cache.NewCleaner(logger)
	if _, err := cleaner.CleanLogs(cfg.LogDir, c.Duration("max-age")); err != nil {
		logger.Warn("log cleanup failed", "error", err)
	}
	if err := cleaner.CleanBrowserData(cfg.BrowserDataDir); err != nil {
		logger.Warn("browser data cleanup failed", "error", err)
	}
	return nil
}

// newPoller wires the mailbox client, extractor and poller together. Each
// AwaitCode call opens and owns a fresh IMAP session.
func newPoller(cfg *config.Config, logger *slog.Logger) *verify.Poller {
	connector := verify.ConnectorFunc(func(ctx context.Context) (verify.Session, error) {
		client := mailstore.NewClient(mailstore.Options{
			Addr:        cfg.IMAPServer,
			Username:    cfg.MailboxEmail,
			Password:    cfg.MailboxPassword,
			DialTimeout: cfg.DialTimeout,
			ConnectRetry: retry.Policy{
				MaxAttempts: cfg.ConnectRetries,
				Delay:       cfg.ConnectRetryDelay,
			},
		}, logger)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		if err := client.Login(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	})

	return verify.NewPoller(connector, verify.NewExtractor(logger), verify.Options{
		Mailbox:        cfg.MailboxName,
		Guard:          cfg.Guard,
		Timeout:        cfg.PollTimeout,
		MaxRounds:      cfg.MaxPollRounds,
		SubPassDelay:   cfg.SubPassDelay,
		RoundWaitCap:   cfg.RoundWaitCap,
		DeleteAfterUse: cfg.DeleteAfterUse,
		DeleteWait:     cfg.DeleteWait,
	}, logger)
}

// setupLogger builds the injected logger: a colored console handler plus a
// per-run log file. The returned func closes the file.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	level := parseLevel(cfg.LogLevel)

	var w io.Writer = os.Stdout
	closeLog := func() {}
	noColor := false

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			name := filepath.Join(cfg.LogDir,
				fmt.Sprintf("autologin_%s.log", time.Now().Format("20060102_150405")))
			if f, err := os.Create(name); err == nil {
				w = io.MultiWriter(os.Stdout, f)
				closeLog = func() { f.Close() }
				noColor = true
			}
		}
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    noColor,
		})
	}
	return slog.New(handler), closeLog
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
