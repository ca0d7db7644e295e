package extract

import (
	"context"

	"github.com/fakeyudi/capwatch/internal/page"
)

// Discover lists every element on the page that carries a readable
// percentage, for working out selectors after a page redesign.
func Discover(ctx context.Context, h page.Handle) ([]page.Node, error) {
	nodes, err := h.ReadStructured(ctx, page.Query{Selector: IndicatorSelector + ", span, p, div, td, li"})
	if err != nil {
		return nil, err
	}
	var out []page.Node
	for _, n := range nodes {
		if len(n.Text) > 80 {
			continue
		}
		if _, ok := nodeReading(n); ok {
			out = append(out, n)
		}
	}
	return out, nil
}
