package extract

import (
	"context"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// Strategy turns a page into components for the ids still missing.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, p page.Handle, missing []usage.ComponentID, now time.Time) ([]Found, error)
}

// Found is a component plus whether its value had to be clamped.
type Found struct {
	usage.Component
	Clamped bool
}

const (
	// PercentSelector matches the labelled percent text next to each meter.
	PercentSelector = "span.text-text-300.whitespace-nowrap.w-20.text-right"
	// ResetSelector matches the reset caption under each meter label.
	ResetSelector = "p.text-text-500.whitespace-nowrap.text-sm"
	// IndicatorSelector matches elements that look like progress bars.
	IndicatorSelector = `[role="progressbar"], [aria-valuenow], progress, [style*="width"]`
)

// nodeReading extracts a percentage from a matched element, preferring
// machine-readable attributes over text.
func nodeReading(n page.Node) (Reading, bool) {
	if v, ok := n.Attr("aria-valuenow"); ok {
		valueMax, _ := n.Attr("aria-valuemax")
		if r, ok := ParseValueNow(v, valueMax); ok {
			return r, true
		}
	}
	if n.Tag == "progress" {
		if v, ok := n.Attr("value"); ok {
			valueMax, _ := n.Attr("max")
			if valueMax == "" {
				valueMax = "1"
			}
			if r, ok := ParseValueNow(v, valueMax); ok {
				return r, true
			}
		}
	}
	if style, ok := n.Attr("style"); ok {
		if r, ok := ParseWidth(style); ok {
			return r, true
		}
	}
	return ParsePercent(n.Text)
}

// resetNear returns the reset phrase in container closest after label.
func resetNear(container, label string) string {
	lower := strings.ToLower(container)
	if i := strings.Index(lower, strings.ToLower(label)); i >= 0 {
		if r := FindResetPhrase(container[i:]); r != "" {
			return r
		}
	}
	return FindResetPhrase(container)
}

func component(id usage.ComponentID, r Reading, resetText string, conf usage.Confidence, now time.Time) Found {
	return Found{
		Component: usage.Component{
			ID:             id,
			Percent:        r.Percent,
			RawPercentText: r.Raw,
			ResetAt:        ParseReset(resetText, now),
			RawResetText:   resetText,
			Confidence:     conf,
		},
		Clamped: r.Clamped,
	}
}
