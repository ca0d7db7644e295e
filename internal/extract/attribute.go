package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// Attribute scans elements that look like progress indicators. An indicator
// whose surrounding text names a component is assigned to it; the rest are
// assigned by position.
type Attribute struct{}

func (Attribute) Name() string { return "attribute_positional" }

func (Attribute) Extract(ctx context.Context, p page.Handle, missing []usage.ComponentID, now time.Time) ([]Found, error) {
	nodes, err := p.ReadStructured(ctx, page.Query{Selector: IndicatorSelector})
	if err != nil {
		return nil, fmt.Errorf("indicator scan: %w", err)
	}

	type indicator struct {
		node    page.Node
		reading Reading
	}
	var indicators []indicator
	for _, n := range nodes {
		if r, ok := nodeReading(n); ok {
			indicators = append(indicators, indicator{n, r})
		}
	}

	want := make(map[usage.ComponentID]bool, len(missing))
	for _, id := range missing {
		want[id] = true
	}

	found := map[usage.ComponentID]Found{}
	used := make([]bool, len(indicators))

	// Labelled pass.
	for i, ind := range indicators {
		container := strings.ToLower(ind.node.ContainerText)
		for _, id := range usage.ComponentIDs {
			if !want[id] || found[id].ID != "" {
				continue
			}
			if strings.Contains(container, strings.ToLower(id.Label())) {
				found[id] = component(id, ind.reading, resetNear(ind.node.ContainerText, id.Label()), usage.ConfidenceFallback, now)
				used[i] = true
				break
			}
		}
	}

	// Positional pass. A full set of indicators maps one-to-one onto the
	// meters in page order; otherwise leftovers fill missing ids in order.
	for i, ind := range indicators {
		if used[i] {
			continue
		}
		var id usage.ComponentID
		if len(indicators) == len(usage.ComponentIDs) {
			id = usage.ComponentIDs[i]
		} else {
			for _, m := range missing {
				if found[m].ID == "" {
					id = m
					break
				}
			}
		}
		if id == "" || !want[id] || found[id].ID != "" {
			continue
		}
		found[id] = component(id, ind.reading, FindResetPhrase(ind.node.ContainerText), usage.ConfidenceFallback, now)
	}

	out := make([]Found, 0, len(found))
	for _, id := range usage.ComponentIDs {
		if c, ok := found[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
