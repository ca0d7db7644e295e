package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/page"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// DefaultWindow bounds how far from a percentage a reset phrase or label
// may appear in the rendered text.
const DefaultWindow = 600

var usedRe = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s*%\s*used`)

// FreeText scans the rendered page text for "N% used" near a reset phrase.
type FreeText struct {
	Window int
}

func (FreeText) Name() string { return "free_text" }

func (f FreeText) Extract(ctx context.Context, p page.Handle, missing []usage.ComponentID, now time.Time) ([]Found, error) {
	text, err := p.ReadText(ctx)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	window := f.Window
	if window <= 0 {
		window = DefaultWindow
	}

	remaining := append([]usage.ComponentID(nil), missing...)
	var out []Found
	for _, loc := range usedRe.FindAllStringSubmatchIndex(text, -1) {
		if len(remaining) == 0 {
			break
		}
		start, end := loc[0], loc[1]
		before := text[max(0, start-window):start]
		after := text[end:min(len(text), end+window)]

		reset := FindResetPhrase(after)
		if reset == "" {
			reset = lastResetPhrase(before)
		}
		if reset == "" {
			continue
		}

		id, labelled := closestLabel(before)
		switch {
		case !labelled:
			id = remaining[0]
		case !contains(remaining, id):
			continue // belongs to a component that is already known
		}
		r, ok := ParsePercent(text[start:end])
		if !ok {
			continue
		}
		out = append(out, component(id, r, reset, usage.ConfidenceFallback, now))
		remaining = without(remaining, id)
	}
	return out, nil
}

// closestLabel returns the component whose label occurs last in before.
func closestLabel(before string) (usage.ComponentID, bool) {
	lower := strings.ToLower(before)
	best, bestAt := usage.ComponentID(""), -1
	for _, id := range usage.ComponentIDs {
		if i := strings.LastIndex(lower, strings.ToLower(id.Label())); i > bestAt {
			best, bestAt = id, i
		}
	}
	return best, bestAt >= 0
}

func contains(ids []usage.ComponentID, id usage.ComponentID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func lastResetPhrase(text string) string {
	all := resetPhraseRe.FindAllString(text, -1)
	if len(all) == 0 {
		return ""
	}
	return strings.TrimSpace(all[len(all)-1])
}

func without(ids []usage.ComponentID, drop usage.ComponentID) []usage.ComponentID {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
