// Package usage defines the metrics extracted from the account usage page and
// the per-attempt poll result that carries them.
package usage

import (
	"fmt"
	"time"
)

// ComponentID identifies one of the three tracked usage meters.
type ComponentID string

const (
	CurrentSession  ComponentID = "current_session"
	WeeklyAllModels ComponentID = "weekly_all_models"
	WeeklyOpus      ComponentID = "weekly_opus"
)

// ComponentIDs lists every tracked meter in page order.
var ComponentIDs = []ComponentID{CurrentSession, WeeklyAllModels, WeeklyOpus}

// Label returns the on-page label text used to anchor a component.
func (id ComponentID) Label() string {
	switch id {
	case CurrentSession:
		return "Current session"
	case WeeklyAllModels:
		return "All models"
	case WeeklyOpus:
		return "Opus only"
	default:
		return string(id)
	}
}

// Valid reports whether id is one of the known components.
func (id ComponentID) Valid() bool {
	for _, known := range ComponentIDs {
		if id == known {
			return true
		}
	}
	return false
}

// Confidence records how a component value was located.
type Confidence string

const (
	ConfidenceExact    Confidence = "exact"
	ConfidenceFallback Confidence = "fallback"
)

// Status is the outcome of a single poll attempt.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Component is one extracted meter. Values are never patched after
// construction; a new extraction produces new components.
type Component struct {
	ID             ComponentID `json:"id"`
	Percent        int         `json:"percent"`
	RawPercentText string      `json:"raw_percent_text"`
	ResetAt        *time.Time  `json:"reset_at,omitempty"`
	RawResetText   string      `json:"raw_reset_text"`
	Confidence     Confidence  `json:"confidence"`
}

// Diagnostics describes how a result was produced.
type Diagnostics struct {
	StrategiesTried []string `json:"strategies_tried"`
	UsedFallback    bool     `json:"used_fallback"`
	ErrorKind       string   `json:"error_kind,omitempty"`
	Message         string   `json:"message,omitempty"`
}

// PollResult is produced once per poll attempt and treated as immutable.
type PollResult struct {
	AttemptID   string      `json:"attempt_id"`
	Status      Status      `json:"status"`
	Components  []Component `json:"components"`
	FoundCount  int         `json:"found_count"`
	Diagnostics Diagnostics `json:"diagnostics"`
	ScrapedAt   time.Time   `json:"scraped_at"`
}

// NewResult builds a PollResult from components, deriving FoundCount and
// Status. Components with duplicate ids keep the first occurrence.
func NewResult(attemptID string, components []Component, diag Diagnostics, scrapedAt time.Time) PollResult {
	seen := make(map[ComponentID]bool, len(components))
	kept := make([]Component, 0, len(components))
	for _, c := range components {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		kept = append(kept, c)
	}

	status := StatusError
	switch {
	case len(kept) == len(ComponentIDs):
		status = StatusOK
	case len(kept) > 0:
		status = StatusPartial
	}

	return PollResult{
		AttemptID:   attemptID,
		Status:      status,
		Components:  kept,
		FoundCount:  len(kept),
		Diagnostics: diag,
		ScrapedAt:   scrapedAt,
	}
}

// ErrorResult builds an error PollResult carrying the failure kind.
func ErrorResult(attemptID string, kind, message string, tried []string, scrapedAt time.Time) PollResult {
	return PollResult{
		AttemptID:  attemptID,
		Status:     StatusError,
		Components: []Component{},
		Diagnostics: Diagnostics{
			StrategiesTried: tried,
			ErrorKind:       kind,
			Message:         message,
		},
		ScrapedAt: scrapedAt,
	}
}

// Usable reports whether the result may replace the last good snapshot.
func (r PollResult) Usable() bool {
	return (r.Status == StatusOK || r.Status == StatusPartial) && r.FoundCount > 0
}

// Component returns the component with the given id, if present.
func (r PollResult) Component(id ComponentID) (Component, bool) {
	for _, c := range r.Components {
		if c.ID == id {
			return c, true
		}
	}
	return Component{}, false
}

// Summary is a one-line human description used in logs and CLI output.
func (r PollResult) Summary() string {
	if r.Status == StatusError {
		if r.Diagnostics.ErrorKind != "" {
			return fmt.Sprintf("error (%s)", r.Diagnostics.ErrorKind)
		}
		return "error"
	}
	s := string(r.Status)
	for _, c := range r.Components {
		s += fmt.Sprintf(" %s=%d%%", c.ID, c.Percent)
	}
	return s
}
