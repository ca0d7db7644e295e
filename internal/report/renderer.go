package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/record"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// JSONRenderer renders a Report as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(rep *Report) ([]byte, error) {
	return json.MarshalIndent(rep, "", "  ")
}

// TextRenderer renders a Report for a terminal.
type TextRenderer struct{}

func (r *TextRenderer) Render(rep *Report) ([]byte, error) {
	var sb strings.Builder
	rec := rep.Record
	if rec == nil {
		rec = record.Empty(0)
	}

	if rec.Current == nil {
		sb.WriteString("No usage data yet.\n")
	} else {
		cur := rec.Current
		age, _ := rec.Age(rep.GeneratedAt)
		fmt.Fprintf(&sb, "Usage (%s, updated %s)\n", cur.Status, HumanizeAge(age))
		for _, id := range usage.ComponentIDs {
			c, ok := cur.Component(id)
			if !ok {
				fmt.Fprintf(&sb, "  %-16s %s  n/a\n", id.Label(), strings.Repeat(" ", 20))
				continue
			}
			fmt.Fprintf(&sb, "  %-16s %s %3d%%", id.Label(), Bar(c.Percent, 20), c.Percent)
			if reset := resetText(c, rep.GeneratedAt); reset != "" {
				fmt.Fprintf(&sb, "  %s", reset)
			}
			if trend := TrendText(rec.Projections[id], c, rep.GeneratedAt); trend != "" {
				fmt.Fprintf(&sb, "  (%s)", trend)
			}
			sb.WriteString("\n")
		}
		if rep.Stale() {
			sb.WriteString("  (stale)\n")
		}
	}

	if a := rec.LastAttempt; a != nil && a.Status == usage.StatusError {
		fmt.Fprintf(&sb, "Last attempt failed %s: %s", HumanizeAge(rep.GeneratedAt.Sub(a.At)), a.ErrorKind)
		if a.Message != "" {
			fmt.Fprintf(&sb, " (%s)", a.Message)
		}
		sb.WriteString("\n")
	}

	if s := rep.Session; s != nil {
		switch {
		case s.Corrupt:
			sb.WriteString("Session: corrupt, run `capwatch login`\n")
		case !s.Present:
			sb.WriteString("Session: none, run `capwatch login`\n")
		case !s.Fresh:
			sb.WriteString("Session: expired, run `capwatch login`\n")
		default:
			fmt.Fprintf(&sb, "Session: ok, captured %s", HumanizeAge(s.Age))
			if s.ExpiresAt != nil {
				fmt.Fprintf(&sb, ", expires %s", s.ExpiresAt.Local().Format("Jan 2 15:04"))
			}
			sb.WriteString("\n")
		}
	}
	return []byte(sb.String()), nil
}

// MarkdownRenderer renders a Report as a Markdown document.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(rep *Report) ([]byte, error) {
	var sb strings.Builder
	rec := rep.Record
	if rec == nil {
		rec = record.Empty(0)
	}

	fmt.Fprintf(&sb, "# Usage report (%s)\n\n", rep.GeneratedAt.Format("2006-01-02 15:04:05 MST"))

	sb.WriteString("## Current\n\n")
	if rec.Current == nil {
		sb.WriteString("_No usage data yet._\n")
	} else {
		cur := rec.Current
		fmt.Fprintf(&sb, "- Status: %s\n", cur.Status)
		fmt.Fprintf(&sb, "- Scraped: %s\n", cur.ScrapedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "- Strategies: %s\n", strings.Join(cur.Diagnostics.StrategiesTried, ", "))
		if cur.Diagnostics.UsedFallback {
			sb.WriteString("- Fallback extraction used\n")
		}
		sb.WriteString("\n| Component | Used | Resets | Confidence | Trend |\n")
		sb.WriteString("|-----------|------|--------|------------|-------|\n")
		for _, id := range usage.ComponentIDs {
			c, ok := cur.Component(id)
			if !ok {
				fmt.Fprintf(&sb, "| %s | n/a | | | |\n", id.Label())
				continue
			}
			fmt.Fprintf(&sb, "| %s | %d%% | %s | %s | %s |\n", id.Label(), c.Percent,
				resetText(c, rep.GeneratedAt), c.Confidence, TrendText(rec.Projections[id], c, rep.GeneratedAt))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("## Last attempt\n\n")
	if a := rec.LastAttempt; a == nil {
		sb.WriteString("_No attempts recorded._\n")
	} else {
		fmt.Fprintf(&sb, "- At: %s\n", a.At.Format(time.RFC3339))
		fmt.Fprintf(&sb, "- Status: %s\n", a.Status)
		if a.ErrorKind != "" {
			fmt.Fprintf(&sb, "- Error: %s\n", a.ErrorKind)
		}
		if a.Message != "" {
			fmt.Fprintf(&sb, "- Message: %s\n", a.Message)
		}
	}
	sb.WriteString("\n")

	sb.WriteString("## History\n\n")
	fmt.Fprintf(&sb, "%d of %d points retained.\n", len(rec.History), rec.Capacity)
	return []byte(sb.String()), nil
}

// resetText prefers the parsed time and falls back to the page's wording.
func resetText(c usage.Component, now time.Time) string {
	if c.ResetAt != nil {
		in := c.ResetAt.Sub(now)
		if in > 0 {
			return fmt.Sprintf("resets in %s", in.Round(time.Minute))
		}
		return "reset " + c.ResetAt.Local().Format("Jan 2 15:04")
	}
	return c.RawResetText
}

// TrendText summarises a rising projection, e.g. "+2.5%/h, full in 3h10m0s".
// The time to full is left out when the meter resets first.
func TrendText(p record.Projection, c usage.Component, now time.Time) string {
	if p.RatePerHour <= 0 {
		return ""
	}
	s := fmt.Sprintf("+%.1f%%/h", p.RatePerHour)
	if p.CapAt == nil || (c.ResetAt != nil && !p.CapAt.Before(*c.ResetAt)) {
		return s
	}
	if in := p.CapAt.Sub(now); in > 0 {
		s += fmt.Sprintf(", full in %s (%s)", in.Round(time.Minute), p.Confidence)
	}
	return s
}
