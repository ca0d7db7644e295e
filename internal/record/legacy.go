package record

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/fakeyudi/capwatch/internal/usage"
)

// legacyRecord is the 1.x layout: absolute counters per cap plus history
// samples keyed by cap name.
type legacyRecord struct {
	LastUpdated string               `json:"lastUpdated"`
	Metrics     map[string]legacyCap `json:"metrics"`
	Historical  []map[string]any     `json:"historicalData"`
}

type legacyCap struct {
	Used       float64 `json:"used"`
	Limit      float64 `json:"limit"`
	Percentage float64 `json:"percentage"`
}

var legacyKeys = []struct {
	id      usage.ComponentID
	capKey  string
	usedKey string
}{
	{usage.CurrentSession, "fourHourCap", "fourHourUsed"},
	{usage.WeeklyAllModels, "weekCap", "weekUsed"},
	{usage.WeeklyOpus, "opusWeekCap", "opusWeekUsed"},
}

// migrateLegacy converts a 1.x document into the current layout.
func migrateLegacy(data []byte) (*Record, error) {
	var old legacyRecord
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, fmt.Errorf("parsing legacy record: %w", err)
	}

	r := Empty(DefaultCapacity)
	updated, _ := parseLegacyTime(old.LastUpdated)

	if len(old.Metrics) > 0 && !updated.IsZero() {
		var comps []usage.Component
		for _, k := range legacyKeys {
			c, ok := old.Metrics[k.capKey]
			if !ok {
				continue
			}
			pct := c.Percentage
			if pct == 0 && c.Limit > 0 {
				pct = c.Used / c.Limit * 100
			}
			comps = append(comps, usage.Component{
				ID:             k.id,
				Percent:        clampPercent(pct),
				RawPercentText: fmt.Sprintf("%g / %g", c.Used, c.Limit),
				Confidence:     usage.ConfidenceFallback,
			})
		}
		if len(comps) > 0 {
			res := usage.NewResult("", comps, usage.Diagnostics{StrategiesTried: []string{"legacy_migration"}, UsedFallback: true}, updated)
			r.Current = &res
			r.Metadata.LastUpdate = &updated
		}
	}

	for _, h := range old.Historical {
		ts, ok := h["timestamp"].(string)
		if !ok {
			continue
		}
		at, err := parseLegacyTime(ts)
		if err != nil {
			continue
		}
		p := Point{Timestamp: at, Percents: map[usage.ComponentID]int{}}
		for _, k := range legacyKeys {
			v, ok := h[k.usedKey].(float64)
			if !ok {
				continue
			}
			if c, ok := old.Metrics[k.capKey]; ok && c.Limit > 0 {
				v = v / c.Limit * 100
			}
			p.Percents[k.id] = clampPercent(v)
		}
		if len(p.Percents) > 0 {
			r.History = append(r.History, p)
		}
	}
	r.trim()
	return r, nil
}

func parseLegacyTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999Z", "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func clampPercent(v float64) int {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return int(math.Round(v))
}
