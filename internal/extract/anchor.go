package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// Anchor locates each component's label text and reads the percent element
// inside the label's nearest container.
type Anchor struct {
	MaxDepth int
}

func (Anchor) Name() string { return "structural_anchor" }

func (a Anchor) Extract(ctx context.Context, p page.Handle, missing []usage.ComponentID, now time.Time) ([]Found, error) {
	depth := a.MaxDepth
	if depth <= 0 {
		depth = page.DefaultMaxDepth
	}

	var out []Found
	for _, id := range missing {
		label := id.Label()
		for _, sel := range anchorSelectors {
			nodes, err := p.ReadStructured(ctx, page.Query{Selector: sel, Anchor: label, MaxDepth: depth})
			if err != nil {
				return out, fmt.Errorf("anchor %q: %w", label, err)
			}
			c, ok := a.first(ctx, p, id, nodes, sel == textSelector, depth, now)
			if ok {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// textSelector is the last resort inside a label's container: any short
// text element reading "N% used".
const textSelector = "span, p"

var anchorSelectors = []string{PercentSelector, IndicatorSelector, textSelector}

func (a Anchor) first(ctx context.Context, p page.Handle, id usage.ComponentID, nodes []page.Node, needUsed bool, depth int, now time.Time) (Found, bool) {
	label := id.Label()
	for _, n := range nodes {
		if needUsed && !usedRe.MatchString(n.Text) {
			continue
		}
		r, ok := nodeReading(n)
		if !ok {
			continue
		}
		reset := a.reset(ctx, p, label, depth)
		if reset == "" {
			reset = resetNear(n.ContainerText, label)
		}
		return component(id, r, reset, usage.ConfidenceExact, now), true
	}
	return Found{}, false
}

// reset prefers the dedicated reset caption next to the label.
func (a Anchor) reset(ctx context.Context, p page.Handle, label string, depth int) string {
	nodes, err := p.ReadStructured(ctx, page.Query{Selector: ResetSelector, Anchor: label, MaxDepth: depth})
	if err != nil {
		return ""
	}
	for _, n := range nodes {
		if strings.Contains(strings.ToLower(n.Text), strings.ToLower(label)) {
			continue
		}
		if r := FindResetPhrase(n.Text); r != "" {
			return r
		}
	}
	return ""
}
