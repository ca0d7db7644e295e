// Package extract turns a rendered usage page into a PollResult by running
// an ordered list of strategies, each filling in the components the earlier
// ones could not find.
package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// Pipeline runs strategies in fixed priority order.
type Pipeline struct {
	strategies []Strategy
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStrategies replaces the default strategy list.
func WithStrategies(s ...Strategy) Option {
	return func(p *Pipeline) { p.strategies = s }
}

// WithClock overrides the time source used for scraped_at and reset times.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// DefaultStrategies returns structural anchor, attribute/positional and
// free-text strategies, in that order.
func DefaultStrategies() []Strategy {
	return []Strategy{Anchor{}, Attribute{}, FreeText{}}
}

// New returns a Pipeline with the default strategies.
func New(logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		strategies: DefaultStrategies(),
		logger:     logger.With("component", "extract"),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run extracts every component it can from h. It stops early once all
// components are found; otherwise every strategy runs. The returned error
// is non-nil only when ctx ends mid-run.
func (p *Pipeline) Run(ctx context.Context, h page.Handle) (usage.PollResult, error) {
	now := p.now()
	found := make(map[usage.ComponentID]usage.Component, len(usage.ComponentIDs))
	var tried []string

	for _, s := range p.strategies {
		missing := missingIDs(found)
		if len(missing) == 0 {
			break
		}
		tried = append(tried, s.Name())

		comps, err := s.Extract(ctx, h, missing, now)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return usage.ErrorResult(uuid.NewString(), "", ctxErr.Error(), tried, now), ctxErr
		}
		if err != nil {
			p.logger.Warn("strategy failed", "strategy", s.Name(), "error", err)
		}

		for _, f := range comps {
			c := f.Component
			if _, dup := found[c.ID]; dup || !c.ID.Valid() {
				continue
			}
			if f.Clamped || c.Percent < 0 || c.Percent > 100 {
				c.Percent = min(max(c.Percent, 0), 100)
				p.logger.Warn("clamped out-of-range percentage",
					"component", c.ID, "raw", c.RawPercentText, "percent", c.Percent)
			}
			found[c.ID] = c
		}
		p.logger.Debug("strategy finished", "strategy", s.Name(), "found", len(comps), "total", len(found))
	}

	comps := make([]usage.Component, 0, len(found))
	usedFallback := false
	for _, id := range usage.ComponentIDs {
		if c, ok := found[id]; ok {
			comps = append(comps, c)
			usedFallback = usedFallback || c.Confidence == usage.ConfidenceFallback
		}
	}

	diag := usage.Diagnostics{StrategiesTried: tried, UsedFallback: usedFallback}
	if len(comps) == 0 {
		diag.ErrorKind = "extraction_failed"
		diag.Message = "no usage components found"
	}
	return usage.NewResult(uuid.NewString(), comps, diag, now), nil
}

func missingIDs(found map[usage.ComponentID]usage.Component) []usage.ComponentID {
	var missing []usage.ComponentID
	for _, id := range usage.ComponentIDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
