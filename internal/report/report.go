// Package report renders the persisted record and session state for the
// status command.
package report

import (
	"fmt"
	"time"

	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/session"
)

// StaleAfter is how old the current snapshot may get before it is flagged.
const StaleAfter = 15 * time.Minute

// Report is everything the status command shows.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	RecordPath  string          `json:"record_path"`
	Record      *record.Record  `json:"record"`
	Session     *session.Report `json:"session,omitempty"`
}

// Stale reports whether the current snapshot is missing or older than
// StaleAfter.
func (r *Report) Stale() bool {
	age, ok := r.Record.Age(r.GeneratedAt)
	return !ok || age > StaleAfter
}

// Renderer serializes a Report to bytes.
type Renderer interface {
	Render(rep *Report) ([]byte, error)
}

// Formats lists the names accepted by ForFormat.
var Formats = []string{"text", "markdown", "json"}

// ForFormat returns the renderer for name.
func ForFormat(name string) (Renderer, error) {
	switch name {
	case "", "text":
		return &TextRenderer{}, nil
	case "markdown", "md":
		return &MarkdownRenderer{}, nil
	case "json":
		return &JSONRenderer{}, nil
	}
	return nil, fmt.Errorf("unknown format %q (want one of %v)", name, Formats)
}

// HumanizeAge renders d the way the status line shows it: "just now",
// "4m ago", "3h12m ago", "2d ago".
func HumanizeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		return fmt.Sprintf("%dh%02dm ago", h, int(d.Minutes())-h*60)
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// Bar draws a fixed-width text meter for percent.
func Bar(percent, width int) string {
	percent = min(max(percent, 0), 100)
	filled := percent * width / 100
	b := make([]rune, width)
	for i := range b {
		if i < filled {
			b[i] = '█'
		} else {
			b[i] = '░'
		}
	}
	return string(b)
}
