package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Reading is a parsed percentage before it becomes a component.
type Reading struct {
	Percent int
	Raw     string
	Clamped bool
}

var (
	percentRe = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*%`)
	widthRe   = regexp.MustCompile(`(?i)width\s*:\s*(-?\d+(?:\.\d+)?)\s*(%|[a-z]+)?`)
)

// ParsePercent reads the first "N%" in s. Values are rounded and clamped to
// [0,100]; text without a percent sign is rejected.
func ParsePercent(s string) (Reading, bool) {
	m := percentRe.FindStringSubmatch(s)
	if m == nil {
		return Reading{}, false
	}
	return fromFloat(m[1], strings.TrimSpace(s))
}

// ParseWidth reads a percentage from an inline style such as "width: 36%".
// Widths in any other unit are rejected.
func ParseWidth(style string) (Reading, bool) {
	m := widthRe.FindStringSubmatch(style)
	if m == nil || m[2] != "%" {
		return Reading{}, false
	}
	return fromFloat(m[1], strings.TrimSpace(style))
}

// ParseValueNow reads an aria-valuenow attribute, scaling by aria-valuemax
// when it is present and not 100.
func ParseValueNow(now, valueMax string) (Reading, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(now), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return Reading{}, false
	}
	if mx, err := strconv.ParseFloat(strings.TrimSpace(valueMax), 64); err == nil && mx > 0 && !math.IsInf(mx, 0) {
		v = v / mx * 100
	}
	return clamp(v, now), true
}

func fromFloat(num, raw string) (Reading, bool) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil && !isRangeErr(err) {
		return Reading{}, false
	}
	return clamp(v, raw), true
}

// isRangeErr accepts overflowing digit runs; ParseFloat returns ±Inf for
// them, which clamp handles.
func isRangeErr(err error) bool {
	ne, ok := err.(*strconv.NumError)
	return ok && ne.Err == strconv.ErrRange
}

func clamp(v float64, raw string) Reading {
	r := Reading{Raw: raw}
	switch {
	case math.IsNaN(v) || v < 0:
		r.Percent, r.Clamped = 0, true
	case v > 100:
		r.Percent, r.Clamped = 100, true
	default:
		r.Percent = int(math.Round(v))
	}
	return r
}

var (
	resetPhraseRe = regexp.MustCompile(`(?i)\bresets?\s+[^\n]{1,80}`)
	resetInRe     = regexp.MustCompile(`(?i)resets?\s+in\s+(.+)`)
	durationRe    = regexp.MustCompile(`(?i)\b(\d{1,4})\s*(days?|d|hours?|hrs?|h|minutes?|mins?|m|seconds?|secs?|s)\b`)
	calendarRe    = regexp.MustCompile(`(?i)\b\d+\s*(weeks?|wks?|months?|mos?|years?|yrs?)\b`)
	resetWeekRe   = regexp.MustCompile(`(?i)resets?\s+(?:on\s+)?(mon|tue|wed|thu|fri|sat|sun)[a-z]*\.?,?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?`)
	resetDateRe   = regexp.MustCompile(`(?i)resets?\s+(?:on\s+)?(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:,?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	resetClockRe  = regexp.MustCompile(`(?i)resets?\s+(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)
	rfc3339Re     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`)
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

// FindResetPhrase returns the first "Resets ..." phrase in text.
func FindResetPhrase(text string) string {
	return strings.TrimSpace(resetPhraseRe.FindString(text))
}

// ParseReset turns a reset phrase into an absolute time relative to now.
// It returns nil when the phrase is not understood; callers keep the raw
// text in that case.
func ParseReset(text string, now time.Time) *time.Time {
	if text == "" {
		return nil
	}
	if m := rfc3339Re.FindString(text); m != "" {
		if t, err := time.Parse(time.RFC3339, m); err == nil {
			return &t
		}
	}
	if m := resetInRe.FindStringSubmatch(text); m != nil {
		if d, ok := parseDuration(m[1]); ok {
			t := now.Add(d)
			return &t
		}
		return nil
	}
	if m := resetWeekRe.FindStringSubmatch(text); m != nil {
		hour, minute, ok := clock(m[2], m[3], m[4])
		if !ok {
			return nil
		}
		wd := weekdays[strings.ToLower(m[1][:3])]
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		days := (int(wd) - int(now.Weekday()) + 7) % 7
		t = t.AddDate(0, 0, days)
		if !t.After(now) {
			t = t.AddDate(0, 0, 7)
		}
		return &t
	}
	if m := resetDateRe.FindStringSubmatch(text); m != nil {
		day, err := strconv.Atoi(m[2])
		if err != nil || day < 1 || day > 31 {
			return nil
		}
		hour, minute := 0, 0
		if m[3] != "" {
			var ok bool
			if hour, minute, ok = clock(m[3], m[4], m[5]); !ok {
				return nil
			}
		}
		mon := months[strings.ToLower(m[1][:3])]
		t := time.Date(now.Year(), mon, day, hour, minute, 0, 0, now.Location())
		if t.Month() != mon {
			return nil // e.g. Feb 30
		}
		if t.Before(now.Add(-24 * time.Hour)) {
			t = t.AddDate(1, 0, 0)
		}
		return &t
	}
	if m := resetClockRe.FindStringSubmatch(text); m != nil {
		hour, minute, ok := clock(m[1], m[2], m[3])
		if !ok {
			return nil
		}
		t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return &t
	}
	return nil
}

// maxResetIn bounds relative reset phrases; anything longer is misread text.
const maxResetIn = 366 * 24 * time.Hour

func parseDuration(s string) (time.Duration, bool) {
	if calendarRe.MatchString(s) {
		return 0, false
	}
	matches := durationRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return 0, false
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		var unit time.Duration
		switch u := strings.ToLower(m[2]); {
		case strings.HasPrefix(u, "d"):
			unit = 24 * time.Hour
		case strings.HasPrefix(u, "h"):
			unit = time.Hour
		case strings.HasPrefix(u, "m"):
			unit = time.Minute
		default:
			unit = time.Second
		}
		total += time.Duration(n) * unit
		if total > maxResetIn {
			return 0, false
		}
	}
	return total, true
}

// clock converts an "H[:MM] [am|pm]" triple into 24-hour time.
func clock(h, m, ampm string) (int, int, bool) {
	hour, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, false
	}
	minute := 0
	if m != "" {
		if minute, err = strconv.Atoi(m); err != nil || minute > 59 {
			return 0, 0, false
		}
	}
	switch strings.ToLower(ampm) {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, false
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, false
		}
	}
	return hour, minute, true
}
