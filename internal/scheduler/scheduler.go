// Package scheduler owns the polling timer and the single-flight lock. It is
// the only caller of the engine's poll.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fakeyudi/capwatch/internal/classify"
	"github.com/fakeyudi/capwatch/internal/events"
	"github.com/fakeyudi/capwatch/internal/metrics"
	"github.com/fakeyudi/capwatch/internal/retry"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// ErrInFlight is returned by RunOnce when another attempt holds the lock.
var ErrInFlight = errors.New("poll already in flight")

const (
	// DefaultAttemptTimeout bounds one attempt started by the timer, retries
	// and challenge waits included.
	DefaultAttemptTimeout = 5 * time.Minute

	// DefaultShutdownGrace is how long Run waits for an in-flight attempt
	// after its context ends before cancelling it.
	DefaultShutdownGrace = 30 * time.Second
)

// Poller runs one poll cycle.
type Poller interface {
	PollOnce(ctx context.Context) (usage.PollResult, error)
}

// Breaker is the circuit breaker the scheduler defers to.
type Breaker interface {
	Open() (bool, time.Time)
	Reset()
}

// Scheduler runs polls on a fixed interval, at most one at a time.
type Scheduler struct {
	poller         Poller
	breaker        Breaker
	interval       time.Duration
	attemptTimeout time.Duration
	grace          time.Duration
	events         events.Publisher[usage.PollResult]
	logger         *slog.Logger
	now            func() time.Time

	flight sync.Mutex // held for the whole of an attempt
	wg     sync.WaitGroup
	wake   chan struct{}

	mu        sync.Mutex
	lastStart time.Time
	lastTick  time.Time
	running   bool
	stopping  bool
	skipping  bool
	base      context.Context // parent of timer and refresh attempts while running
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEvents publishes every completed attempt to p.
func WithEvents(p events.Publisher[usage.PollResult]) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithAttemptTimeout bounds each attempt started by Run or RefreshNow.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.attemptTimeout = d }
}

// WithShutdownGrace sets how long Run lets an in-flight attempt continue
// after shutdown before cancelling it.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New returns a Scheduler polling p every interval. A nil breaker never
// opens.
func New(p Poller, b Breaker, interval time.Duration, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		poller:         p,
		breaker:        b,
		interval:       interval,
		attemptTimeout: DefaultAttemptTimeout,
		grace:          DefaultShutdownGrace,
		logger:         logger.With("component", "scheduler"),
		now:            time.Now,
		wake:           make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run polls immediately and then every interval, measured between attempt
// starts, until ctx ends. While the breaker is open no attempts start.
//
// When ctx ends no new attempt starts. An in-flight attempt keeps running for
// up to the shutdown grace period and is then cancelled; Run returns once it
// has finished.
func (s *Scheduler) Run(ctx context.Context) error {
	base, cancelAttempts := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAttempts()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running, s.stopping, s.base = true, false, base
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running, s.base = false, nil
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started", "interval", s.interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain(cancelAttempts)
			return nil
		case <-timer.C:
			s.mu.Lock()
			s.lastTick = s.now()
			s.mu.Unlock()
			s.start(ctx, "timer")
		case <-s.wake:
		}
		timer.Reset(s.untilNext())
	}
}

// RefreshNow starts an attempt immediately unless one is in flight or the
// breaker is open. It reports whether an attempt was started; a refused
// request is dropped, never queued.
func (s *Scheduler) RefreshNow(ctx context.Context) bool {
	started := s.start(ctx, "refresh")
	if started {
		s.poke()
	}
	return started
}

// RunOnce performs one attempt synchronously, bypassing the timer but not
// the single-flight lock or the breaker.
func (s *Scheduler) RunOnce(ctx context.Context) (usage.PollResult, error) {
	if !s.flight.TryLock() {
		metrics.CoalescedTotal.WithLabelValues("once").Inc()
		return usage.PollResult{}, ErrInFlight
	}
	defer s.flight.Unlock()

	if open, until := s.open(); open {
		return usage.PollResult{}, fmt.Errorf("%w until %s", retry.ErrCircuitOpen, until.Format(time.RFC3339))
	}
	s.markStart()
	return s.attempt(ctx)
}

// ResetBreaker closes the breaker and resumes the normal schedule.
func (s *Scheduler) ResetBreaker() {
	if s.breaker != nil {
		s.breaker.Reset()
	}
	s.mu.Lock()
	s.skipping = false
	s.lastTick = time.Time{}
	s.mu.Unlock()
	s.poke()
}

// Wait blocks until no attempt started by the scheduler is running.
func (s *Scheduler) Wait() { s.wg.Wait() }

// drain refuses new attempts, then waits for the in-flight one, cancelling
// it once the grace period is over.
func (s *Scheduler) drain(cancelAttempts context.CancelFunc) {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return
	default:
	}
	s.logger.Info("scheduler stopping, waiting for in-flight attempt", "grace", s.grace)
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn("in-flight attempt outlived shutdown grace, cancelling")
		cancelAttempts()
		<-done
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) start(ctx context.Context, source string) bool {
	if !s.flight.TryLock() {
		metrics.CoalescedTotal.WithLabelValues(source).Inc()
		s.logger.Debug("attempt in flight, request coalesced", "source", source)
		return false
	}
	if open, until := s.open(); open {
		s.flight.Unlock()
		s.mu.Lock()
		first := !s.skipping
		s.skipping = true
		s.mu.Unlock()
		if first {
			s.logger.Warn("circuit open, automatic polling suspended", "until", until)
		}
		return false
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.flight.Unlock()
		s.logger.Debug("scheduler stopping, request dropped", "source", source)
		return false
	}
	s.skipping = false
	parent := s.base
	// Add under mu so drain never sees a zero counter it then races with.
	s.wg.Add(1)
	s.mu.Unlock()
	s.markStart()

	if parent == nil {
		parent = context.WithoutCancel(ctx)
	}
	actx, cancel := context.WithTimeout(parent, s.attemptTimeout)
	go func() {
		defer s.wg.Done()
		defer s.flight.Unlock()
		defer cancel()
		s.attempt(actx)
	}()
	return true
}

func (s *Scheduler) attempt(ctx context.Context) (usage.PollResult, error) {
	res, err := s.poller.PollOnce(ctx)
	if errors.Is(err, retry.ErrCircuitOpen) {
		return res, err
	}
	if s.events != nil {
		if res.Usable() {
			s.events.Publish(events.UpdatedEvent, res)
		} else {
			s.events.Publish(events.ErrorEvent, res)
		}
	}
	if err != nil {
		s.logger.Debug("attempt finished with error", "kind", classify.KindOf(err), "error", err)
	}
	return res, err
}

// BreakerOpen reports whether the breaker currently suspends polling and
// refreshes the circuit gauge, which would otherwise only move after a poll.
func (s *Scheduler) BreakerOpen() (bool, time.Time) { return s.open() }

func (s *Scheduler) open() (bool, time.Time) {
	if s.breaker == nil {
		metrics.CircuitOpen.Set(0)
		return false, time.Time{}
	}
	open, until := s.breaker.Open()
	if open {
		metrics.CircuitOpen.Set(1)
	} else {
		metrics.CircuitOpen.Set(0)
	}
	return open, until
}

func (s *Scheduler) markStart() {
	s.mu.Lock()
	s.lastStart = s.now()
	s.mu.Unlock()
}

// untilNext is the wait before the timer should next fire. A tick is due one
// interval after the later of the last start and the last tick; while the
// breaker is open it is due when the cooldown ends.
func (s *Scheduler) untilNext() time.Duration {
	now := s.now()
	s.mu.Lock()
	lastStart, lastTick := s.lastStart, s.lastTick
	s.mu.Unlock()

	if open, until := s.open(); open {
		return max(until.Sub(now), lastStart.Add(s.interval).Sub(now), 0)
	}
	base := lastStart
	if lastTick.After(base) {
		base = lastTick
	}
	return max(base.Add(s.interval).Sub(now), 0)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
