// Package engine runs one complete poll: it restores the session into a
// page, navigates to the usage page, classifies what it finds, extracts the
// components under the retry coordinator and commits the result.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/extract"
	"github.com/fakeyudi/capwatch/internal/metrics"
	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/retry"
	"github.com/fakeyudi/capwatch/internal/session"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// Page is a page handle the engine owns for the length of one poll.
type Page interface {
	page.Handle
	page.CookieJar
	Close() error
}

// Launcher opens a fresh Page. Visible pages are used for interactive login.
type Launcher func(ctx context.Context, visible bool) (Page, error)

// Options wires an Engine.
type Options struct {
	URL               string
	NavigationTimeout time.Duration
	ProfileDir        string

	Sessions    session.Store
	Lease       *page.Lease
	Launch      Launcher
	Pipeline    *extract.Pipeline
	Coordinator *retry.Coordinator
	Writer      *record.Writer
	Logger      *slog.Logger
}

// Engine performs polls and logins against the shared automation resource.
type Engine struct {
	url        string
	navTimeout time.Duration
	profileDir string

	sessions session.Store
	lease    *page.Lease
	launch   Launcher
	pipeline *extract.Pipeline
	coord    *retry.Coordinator
	writer   *record.Writer
	logger   *slog.Logger
	now      func() time.Time
}

// New returns an Engine. Sessions, Launch and Writer are required.
func New(opts Options) (*Engine, error) {
	if opts.Sessions == nil || opts.Launch == nil || opts.Writer == nil {
		return nil, errors.New("engine: sessions, launcher and writer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		url:        opts.URL,
		navTimeout: opts.NavigationTimeout,
		profileDir: opts.ProfileDir,
		sessions:   opts.Sessions,
		lease:      opts.Lease,
		launch:     opts.Launch,
		pipeline:   opts.Pipeline,
		coord:      opts.Coordinator,
		writer:     opts.Writer,
		logger:     logger.With("component", "engine"),
		now:        time.Now,
	}
	if e.lease == nil {
		e.lease = page.NewLease("", logger)
	}
	if e.pipeline == nil {
		e.pipeline = extract.New(logger)
	}
	if e.coord == nil {
		e.coord = retry.New(retry.DefaultPolicy(), logger)
	}
	if e.navTimeout <= 0 {
		e.navTimeout = 30 * time.Second
	}
	return e, nil
}

// Coordinator exposes the breaker so a scheduler can consult and reset it.
func (e *Engine) Coordinator() *retry.Coordinator { return e.coord }

// Writer returns the record writer.
func (e *Engine) Writer() *record.Writer { return e.writer }

// CheckSession reports on the stored session without touching the network.
func (e *Engine) CheckSession() session.Report { return e.sessions.Check() }

// PollOnce runs one poll cycle under the retry coordinator and commits the
// outcome. The returned error carries the failure's classify.Kind; it wraps
// retry.ErrCircuitOpen when the breaker refused to run, in which case
// nothing is committed.
func (e *Engine) PollOnce(ctx context.Context) (usage.PollResult, error) {
	start := e.now()
	a := &attempt{e: e}
	defer a.close()

	res, err := e.coord.Run(ctx, retry.Op{Try: a.try, AwaitClear: a.awaitClear})
	if errors.Is(err, retry.ErrCircuitOpen) {
		e.logger.Warn("poll skipped", "error", err)
		return res, err
	}

	if res.AttemptID == "" {
		res.AttemptID = uuid.NewString()
	}
	e.observe(res, e.now().Sub(start))
	if cerr := e.writer.Commit(res); cerr != nil {
		if errors.Is(cerr, record.ErrOutOfOrder) {
			e.logger.Warn("result not committed", "attempt_id", res.AttemptID, "error", cerr)
		} else {
			e.logger.Error("committing result", "attempt_id", res.AttemptID, "error", cerr)
			if err == nil {
				err = classify.New(classify.Fatal, cerr)
			}
		}
	}

	log := e.logger.With("attempt_id", res.AttemptID, "status", res.Status, "found", res.FoundCount)
	if err != nil {
		log.Warn("poll failed", "kind", classify.KindOf(err), "error", err)
	} else {
		log.Info("poll complete", "summary", res.Summary(), "fallback", res.Diagnostics.UsedFallback)
	}
	return res, err
}

func (e *Engine) observe(res usage.PollResult, took time.Duration) {
	metrics.PollDuration.Observe(took.Seconds())
	metrics.PollsTotal.WithLabelValues(string(res.Status)).Inc()
	if res.Usable() {
		for _, c := range res.Components {
			metrics.UsagePercent.WithLabelValues(string(c.ID)).Set(float64(c.Percent))
		}
		metrics.LastSuccess.Set(float64(res.ScrapedAt.Unix()))
	} else if res.Diagnostics.ErrorKind != "" {
		metrics.PollErrorsTotal.WithLabelValues(res.Diagnostics.ErrorKind).Inc()
	}

	st := e.coord.State()
	metrics.ConsecutiveFailures.Set(float64(st.ConsecutiveFailures))
	if open, _ := e.coord.Open(); open {
		metrics.CircuitOpen.Set(1)
	} else {
		metrics.CircuitOpen.Set(0)
	}
}

// attempt holds what one poll cycle acquires, so retries and the challenge
// wait reuse the same page.
type attempt struct {
	e       *Engine
	sess    *session.Session
	pg      Page
	release func()
}

func (a *attempt) close() {
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.e.logger.Warn("closing page", "error", err)
		}
		a.pg = nil
	}
	if a.release != nil {
		a.release()
		a.release = nil
	}
}

// open loads the session, takes the lease and restores cookies into a
// fresh page. It is a no-op once the page is open.
func (a *attempt) open(ctx context.Context) error {
	if a.pg != nil {
		return nil
	}
	if a.sess == nil {
		s, err := a.e.sessions.Load()
		switch {
		case errors.Is(err, session.ErrStale):
			return classify.New(classify.SessionExpired, err)
		case err != nil:
			return classify.New(classify.SessionRequired, err)
		}
		a.sess = s
	}
	if a.release == nil {
		release, err := a.e.lease.Acquire("poll")
		if err != nil {
			return classify.New(classify.Fatal, err)
		}
		a.release = release
	}
	pg, err := a.e.launch(ctx, false)
	if err != nil {
		return classify.New(classify.Fatal, fmt.Errorf("launching page: %w", err))
	}
	if err := pg.ImportCookies(ctx, a.sess.Cookies); err != nil {
		pg.Close()
		return classify.New(classify.Fatal, err)
	}
	a.pg = pg
	return nil
}

func (a *attempt) try(ctx context.Context) (usage.PollResult, error) {
	if err := a.open(ctx); err != nil {
		return usage.PollResult{}, err
	}
	e := a.e

	if err := a.pg.Navigate(ctx, e.url, e.navTimeout); err != nil {
		return usage.PollResult{}, classify.New(classify.Classify(classify.Signal{Err: err, Found: -1}), err)
	}

	sig, err := a.inspect(ctx)
	if err != nil {
		return usage.PollResult{}, err
	}
	if kind := classify.Classify(sig); kind != "" {
		if kind.RequiresLogin() {
			if verr := e.sessions.RecordValidation(false); verr != nil {
				e.logger.Warn("recording session validation", "error", verr)
			}
		}
		return usage.PollResult{}, classify.Errorf(kind, "page at %s", sig.Location)
	}

	res, err := e.pipeline.Run(ctx, a.pg)
	if err != nil {
		return res, err
	}
	if !res.Usable() {
		return res, classify.Errorf(classify.ExtractionFailed, "%s", res.Diagnostics.Message)
	}
	if verr := e.sessions.RecordValidation(true); verr != nil {
		e.logger.Warn("recording session validation", "error", verr)
	}
	return res, nil
}

// inspect gathers the location, text and challenge markers of the current
// page.
func (a *attempt) inspect(ctx context.Context) (classify.Signal, error) {
	sig := classify.Signal{HadSession: true, Found: -1}
	loc, err := a.pg.CurrentLocation(ctx)
	if err != nil {
		return sig, classify.New(classify.NavigationFailed, err)
	}
	sig.Location = loc
	text, err := a.pg.ReadText(ctx)
	if err != nil {
		return sig, classify.New(classify.NavigationFailed, err)
	}
	sig.Text = text
	nodes, err := a.pg.ReadStructured(ctx, page.Query{Selector: classify.ChallengeSelector})
	if err == nil {
		sig.Challenge = len(nodes) > 0
	}
	return sig, nil
}

// awaitClear watches the open page for a challenge interstitial to go away.
func (a *attempt) awaitClear(ctx context.Context, window, poll time.Duration) (bool, error) {
	if a.pg == nil {
		return false, nil
	}
	deadline := a.e.now().Add(window)
	for {
		remaining := deadline.Sub(a.e.now())
		if remaining <= 0 {
			return false, nil
		}
		if _, err := a.pg.WaitForChange(ctx, min(poll, remaining)); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			continue
		}
		sig, err := a.inspect(ctx)
		if err != nil {
			continue
		}
		if !sig.Challenge && !classify.IsChallenge(sig.Text) {
			return true, nil
		}
	}
}
