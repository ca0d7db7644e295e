package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// ErrCircuitOpen is returned while the breaker suspends automatic polling.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the coordinator's process-lifetime view of recent failures.
type State struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastErrorKind       classify.Kind `json:"last_error_kind,omitempty"`
	NextDelay           time.Duration `json:"next_delay"`
	CircuitOpenUntil    *time.Time    `json:"circuit_open_until,omitempty"`
}

// Op is one poll cycle's worth of work.
type Op struct {
	// Try makes one extraction attempt. A failed attempt returns an error
	// carrying its classify.Kind.
	Try func(ctx context.Context) (usage.PollResult, error)
	// AwaitClear waits up to window, checking every poll, for a challenge
	// interstitial to go away. It reports whether it cleared.
	AwaitClear func(ctx context.Context, window, poll time.Duration) (bool, error)
}

// Coordinator runs Ops under a Policy and owns the breaker state.
type Coordinator struct {
	policy Policy
	logger *slog.Logger

	mu    sync.Mutex
	state State
	rng   *rand.Rand
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRand sets the jitter source.
func WithRand(r *rand.Rand) Option { return func(c *Coordinator) { c.rng = r } }

// WithClock sets the time source used for the breaker cooldown.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// New returns a Coordinator for policy.
func New(policy Policy, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	c := &Coordinator{
		policy: policy,
		logger: logger.With("component", "retry"),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	c.state.NextDelay = policy.Base
	for _, o := range opts {
		o(c)
	}
	return c
}

// Policy returns the coordinator's settings.
func (c *Coordinator) Policy() Policy { return c.policy }

// State returns a copy of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s.CircuitOpenUntil != nil {
		t := *s.CircuitOpenUntil
		s.CircuitOpenUntil = &t
	}
	return s
}

// Delay returns the jittered backoff before retry number attempt (0-based).
func (c *Coordinator) Delay(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayLocked(attempt)
}

func (c *Coordinator) delayLocked(attempt int) time.Duration {
	var jitter time.Duration
	if c.policy.Base > 0 {
		jitter = time.Duration(c.rng.Int64N(int64(c.policy.Base)))
	}
	return c.policy.delay(attempt, jitter)
}

// Open reports whether the breaker currently suspends automatic polling,
// and until when.
func (c *Coordinator) Open() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CircuitOpenUntil == nil {
		return false, time.Time{}
	}
	until := *c.state.CircuitOpenUntil
	return c.now().Before(until), until
}

// Reset closes the breaker and clears the failure streak.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CircuitOpenUntil != nil || c.state.ConsecutiveFailures > 0 {
		c.logger.Info("circuit breaker reset", "consecutive_failures", c.state.ConsecutiveFailures)
	}
	c.state = State{NextDelay: c.policy.Base}
}

// Run executes one poll cycle. Retryable failures are retried with backoff
// up to MaxAttempts; a challenge first waits for the interstitial to clear.
// Login-required failures return at once without touching the breaker;
// fatal failures and exhausted retries count one failure toward it.
func (c *Coordinator) Run(ctx context.Context, op Op) (usage.PollResult, error) {
	if open, until := c.Open(); open {
		return usage.ErrorResult("", "circuit_open", "polling suspended until "+until.Format(time.RFC3339), nil, c.now()),
			fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.RFC3339))
	}

	var (
		res             usage.PollResult
		err             error
		kind            classify.Kind
		challengeWaited bool
	)
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		res, err = op.Try(ctx)
		if err == nil && res.Usable() {
			c.succeed()
			return res, nil
		}
		if err == nil {
			err = classify.Errorf(classify.ExtractionFailed, "no usage components found")
		}
		kind = classify.KindOf(err)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(res, kind, err, c.now()), err
		}

		log := c.logger.With("attempt", attempt+1, "kind", kind)
		switch {
		case kind.RequiresLogin():
			c.mu.Lock()
			c.state.LastErrorKind = kind
			c.mu.Unlock()
			log.Warn("interactive login required", "error", err)
			return failed(res, kind, err, c.now()), err

		case kind == classify.Fatal || !kind.Retryable():
			log.Error("poll attempt failed fatally", "error", err)
			c.fail(kind)
			return failed(res, kind, err, c.now()), err
		}

		if kind == classify.ChallengeDetected && !challengeWaited && op.AwaitClear != nil {
			challengeWaited = true
			log.Info("challenge detected, waiting for it to clear", "window", c.policy.ChallengeWindow)
			cleared, werr := op.AwaitClear(ctx, c.policy.ChallengeWindow, c.policy.ChallengePoll)
			if werr != nil && ctx.Err() != nil {
				return failed(res, kind, err, c.now()), err
			}
			if cleared {
				log.Info("challenge cleared, retrying")
				continue
			}
			log.Warn("challenge still present after window")
		}

		if attempt == c.policy.MaxAttempts-1 {
			break
		}

		c.mu.Lock()
		delay := c.delayLocked(attempt)
		c.state.NextDelay = c.policy.nominal(attempt + 1)
		c.mu.Unlock()

		log.Info("retrying after backoff", "delay", delay, "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return failed(res, kind, err, c.now()), err
		}
	}

	c.fail(kind)
	err = fmt.Errorf("failed after %d attempts: %w", c.policy.MaxAttempts, err)
	return failed(res, kind, err, c.now()), err
}

func (c *Coordinator) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CircuitOpenUntil != nil {
		c.logger.Info("circuit breaker closed after success")
	}
	c.state = State{NextDelay: c.policy.Base}
}

func (c *Coordinator) fail(kind classify.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ConsecutiveFailures++
	c.state.LastErrorKind = kind
	c.state.NextDelay = c.policy.Base

	if c.policy.CircuitThreshold > 0 && c.state.ConsecutiveFailures >= c.policy.CircuitThreshold {
		until := c.now().Add(c.policy.CircuitCooldown)
		c.state.CircuitOpenUntil = &until
		c.logger.Warn("circuit breaker opened",
			"consecutive_failures", c.state.ConsecutiveFailures,
			"last_error_kind", kind,
			"until", until)
	}
}

// failed turns whatever the last attempt produced into an error result.
func failed(res usage.PollResult, kind classify.Kind, err error, now time.Time) usage.PollResult {
	id := res.AttemptID
	tried := res.Diagnostics.StrategiesTried
	at := res.ScrapedAt
	if at.IsZero() {
		at = now
	}
	return usage.ErrorResult(id, string(kind), err.Error(), tried, at)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
