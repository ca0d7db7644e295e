package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		clamped bool
		ok      bool
	}{
		{"3% used", 3, false, true},
		{"36 %", 36, false, true},
		{"19.6% used", 20, false, true},
		{"150% used", 100, true, true},
		{"-4% used", 0, true, true},
		{"100000000000000000000000000000000000000000000000% used", 100, true, true},
		{"36px", 0, false, false},
		{"used", 0, false, false},
		{"", 0, false, false},
	}
	for _, tt := range tests {
		r, ok := ParsePercent(tt.in)
		require.Equal(t, tt.ok, ok, tt.in)
		if !ok {
			continue
		}
		require.Equal(t, tt.want, r.Percent, tt.in)
		require.Equal(t, tt.clamped, r.Clamped, tt.in)
	}
}

func TestParseWidthRejectsOtherUnits(t *testing.T) {
	r, ok := ParseWidth("width: 42%")
	require.True(t, ok)
	require.Equal(t, 42, r.Percent)

	r, ok = ParseWidth("height: 4px; width:101.2%")
	require.True(t, ok)
	require.Equal(t, 100, r.Percent)
	require.True(t, r.Clamped)

	for _, s := range []string{"width: 42px", "width: 3em", "width: 50", "height: 20%"} {
		_, ok := ParseWidth(s)
		require.False(t, ok, s)
	}
}

func TestParseValueNow(t *testing.T) {
	r, ok := ParseValueNow("36", "")
	require.True(t, ok)
	require.Equal(t, 36, r.Percent)

	r, ok = ParseValueNow("3", "4")
	require.True(t, ok)
	require.Equal(t, 75, r.Percent)

	_, ok = ParseValueNow("NaN", "")
	require.False(t, ok)
	_, ok = ParseValueNow("lots", "")
	require.False(t, ok)
}

// Any accepted reading is within [0,100], whatever the input.
func TestParsersStayInRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		for _, parse := range []func(string) (Reading, bool){
			ParsePercent,
			ParseWidth,
			func(v string) (Reading, bool) { return ParseValueNow(v, "") },
		} {
			if r, ok := parse(s); ok && (r.Percent < 0 || r.Percent > 100) {
				t.Fatalf("reading out of range for %q: %+v", s, r)
			}
		}
	})
}

func TestParseReset(t *testing.T) {
	now := time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC) // Wednesday
	at := func(mo time.Month, d, h, m int) time.Time {
		return time.Date(2025, mo, d, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		in   string
		want *time.Time
	}{
		{"Resets in 2 hr 13 min", ptr(now.Add(2*time.Hour + 13*time.Minute))},
		{"resets in 3 days", ptr(now.Add(72 * time.Hour))},
		{"Resets in 45m", ptr(now.Add(45 * time.Minute))},
		{"Resets Tue 9:00 AM", ptr(at(time.March, 18, 9, 0))},
		{"Resets Wed 11 am", ptr(at(time.March, 12, 11, 0))},
		{"Resets Wed 9 am", ptr(at(time.March, 19, 9, 0))},
		{"Resets Nov 15, 7:30 PM", ptr(at(time.November, 15, 19, 30))},
		{"Resets Jan 2", ptr(time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC))},
		{"Resets 3 pm", ptr(at(time.March, 12, 15, 0))},
		{"Resets at 8:15am", ptr(at(time.March, 13, 8, 15))},
		{"Resets 2025-04-01T00:00:00Z", ptr(at(time.April, 1, 0, 0))},
		{"Resets in 90 seconds", ptr(now.Add(90 * time.Second))},
		{"Resets in 2 months", nil},
		{"Resets in 1 week 2 days", nil},
		{"Resets in 99999999999999999999 days", nil},
		{"Resets in 9999 days", nil},
		{"Resets soon", nil},
		{"Resets Feb 30", nil},
		{"Resets Mon 13 pm", nil},
		{"", nil},
	}
	for _, tt := range tests {
		got := ParseReset(tt.in, now)
		if tt.want == nil {
			require.Nil(t, got, tt.in)
			continue
		}
		require.NotNil(t, got, tt.in)
		require.True(t, tt.want.Equal(*got), "%s: want %v, got %v", tt.in, tt.want, got)
	}
}

func TestFindResetPhrase(t *testing.T) {
	require.Equal(t, "Resets in 3 hr", FindResetPhrase("42% used\nResets in 3 hr\nAll models"))
	require.Empty(t, FindResetPhrase("presets are great"))
}

func ptr(t time.Time) *time.Time { return &t }
