package record

import (
	"math"
	"time"

	"github.com/fakeyudi/capwatch/internal/usage"
)

// Projection is the recent trend of one component and where it leads.
type Projection struct {
	RatePerHour float64    `json:"rate_per_hour"`
	RatePerDay  float64    `json:"rate_per_day,omitempty"` // weekly meters only
	SMA         float64    `json:"sma"`
	CapAt       *time.Time `json:"cap_at,omitempty"` // when the meter reaches 100% at this rate
	Confidence  string     `json:"confidence"`
	Points      int        `json:"points"`
}

const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

const (
	// trendWindow is two hours of five-minute samples.
	trendWindow = 24
	smaWindow   = 12
	maxCapAhead = 366 * 24 * time.Hour
)

type sample struct {
	at      time.Time
	percent float64
}

// Project fits a least-squares line through the latest run of id's history
// and extrapolates it. A drop in the meter marks a reset, so only samples
// after the last drop count. It reports false with fewer than two samples.
func Project(history []Point, id usage.ComponentID) (Projection, bool) {
	var run []sample
	for _, p := range history {
		v, ok := p.Percents[id]
		if !ok {
			continue
		}
		if n := len(run); n > 0 && float64(v) < run[n-1].percent {
			run = run[:0]
		}
		run = append(run, sample{at: p.Timestamp, percent: float64(v)})
	}
	if len(run) > trendWindow {
		run = run[len(run)-trendWindow:]
	}
	if len(run) < 2 {
		return Projection{}, false
	}

	proj := Projection{
		RatePerHour: round(slopePerHour(run), 2),
		SMA:         round(sma(run), 1),
		Confidence:  confidence(len(run)),
		Points:      len(run),
	}
	if id == usage.WeeklyAllModels || id == usage.WeeklyOpus {
		proj.RatePerDay = round(proj.RatePerHour*24, 2)
	}

	last := run[len(run)-1]
	if proj.RatePerHour > 0 && last.percent < 100 {
		ahead := (100 - last.percent) / proj.RatePerHour * float64(time.Hour)
		if ahead < float64(maxCapAhead) {
			at := last.at.Add(time.Duration(ahead))
			proj.CapAt = &at
		}
	}
	return proj, true
}

// ProjectAll projects every component with enough history.
func ProjectAll(history []Point) map[usage.ComponentID]Projection {
	var out map[usage.ComponentID]Projection
	for _, id := range usage.ComponentIDs {
		p, ok := Project(history, id)
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[usage.ComponentID]Projection, len(usage.ComponentIDs))
		}
		out[id] = p
	}
	return out
}

// slopePerHour is the least-squares slope with x in hours since the first
// sample. Samples sharing one timestamp have no slope.
func slopePerHour(run []sample) float64 {
	origin := run[0].at
	var sx, sy, sxy, sxx float64
	for _, s := range run {
		x := s.at.Sub(origin).Hours()
		sx += x
		sy += s.percent
		sxy += x * s.percent
		sxx += x * x
	}
	n := float64(len(run))
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

func sma(run []sample) float64 {
	if len(run) > smaWindow {
		run = run[len(run)-smaWindow:]
	}
	var sum float64
	for _, s := range run {
		sum += s.percent
	}
	return sum / float64(len(run))
}

func confidence(points int) string {
	switch {
	case points >= 24:
		return ConfidenceHigh
	case points >= 12:
		return ConfidenceMedium
	}
	return ConfidenceLow
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
