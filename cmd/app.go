package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fakeyudi/capwatch/internal/browser"
	"github.com/fakeyudi/capwatch/internal/config"
	"github.com/fakeyudi/capwatch/internal/engine"
	"github.com/fakeyudi/capwatch/internal/extract"
	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/retry"
	"github.com/fakeyudi/capwatch/internal/session"
)

// newLauncher opens pages for the engine. Tests swap it for static pages.
var newLauncher = func(c config.Config, logger *slog.Logger) engine.Launcher {
	return func(ctx context.Context, visible bool) (engine.Page, error) {
		d, err := browser.Launch(ctx, browser.Options{
			ProfileDir: c.ProfileDir,
			Headless:   !visible && c.IsHeadless(),
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func recordPath(c config.Config) string {
	return filepath.Join(c.DataDir, record.FileName)
}

func policyFrom(c config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:      c.MaxAttempts,
		Base:             c.BackoffBase.Std(),
		Cap:              c.BackoffCap.Std(),
		ChallengeWindow:  c.ChallengeWindow.Std(),
		ChallengePoll:    c.ChallengePoll.Std(),
		CircuitThreshold: c.CircuitThreshold,
		CircuitCooldown:  c.CircuitCooldown.Std(),
	}
}

func openSessions(c config.Config) (session.Store, error) {
	return session.NewStore(c.DataDir, c.SessionMaxAge(), slog.Default())
}

// newEngine wires the acquisition engine from the current config.
func newEngine(c config.Config) (*engine.Engine, error) {
	logger := slog.Default()
	store, err := openSessions(c)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		URL:               c.UsageURL,
		NavigationTimeout: c.NavigationTimeout.Std(),
		ProfileDir:        c.ProfileDir,
		Sessions:          store,
		Lease:             page.NewLease(c.ProfileDir, logger),
		Launch:            newLauncher(c, logger),
		Pipeline:          extract.New(logger),
		Coordinator:       retry.New(policyFrom(c), logger),
		Writer:            record.NewWriter(recordPath(c), c.HistoryCapacity, version, logger),
		Logger:            logger,
	})
}

// loadRecord reads the record for display. A missing or unreadable file
// shows as empty.
func loadRecord(path string) *record.Record {
	rec, err := record.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("record unreadable, showing empty", "path", path, "error", err)
		}
		return record.Empty(0)
	}
	return rec
}
