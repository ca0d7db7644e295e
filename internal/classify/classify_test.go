package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/capwatch/internal/page"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		sig  Signal
		want Kind
	}{
		{"login redirect with session", Signal{Location: "https://claude.ai/login?next=/settings/usage", HadSession: true, Found: -1}, SessionExpired},
		{"login redirect without session", Signal{Location: "https://claude.ai/login", Found: -1}, SessionRequired},
		{"challenge text", Signal{Text: "Just a moment...\nChecking your browser", Found: -1}, ChallengeDetected},
		{"challenge element", Signal{Challenge: true, Found: 0}, ChallengeDetected},
		{"challenge wins over zero components", Signal{Text: "PLEASE ENABLE JAVASCRIPT", Found: 0}, ChallengeDetected},
		{"navigation timeout", Signal{Err: fmt.Errorf("navigate: %w", page.ErrTimeout), Found: -1}, NavigationFailed},
		{"deadline", Signal{Err: context.DeadlineExceeded, Found: -1}, NavigationFailed},
		{"chrome net error", Signal{Err: errors.New("page load error net::ERR_INTERNET_DISCONNECTED"), Found: -1}, NavigationFailed},
		{"zero components", Signal{Location: "https://claude.ai/settings/usage", Text: "Settings", Found: 0}, ExtractionFailed},
		{"success", Signal{Found: 2}, ""},
		{"busy resource", Signal{Err: page.ErrBusy, Found: -1}, Fatal},
		{"unknown", Signal{Err: errors.New("chrome failed to start: exec: not found"), Found: -1}, Fatal},
		{"labelled error wins", Signal{Err: New(SessionRequired, errors.New("no cookies")), Text: "Just a moment"}, SessionRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.sig))
		})
	}
}

func TestKindOfUnwrapsLabelledErrors(t *testing.T) {
	err := fmt.Errorf("poll: %w", Errorf(ChallengeDetected, "still blocked after %s", "60s"))
	require.Equal(t, ChallengeDetected, KindOf(err))
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, Fatal, KindOf(errors.New("boom")))

	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Contains(t, err.Error(), "challenge_detected: still blocked after 60s")
}

func TestKindPredicates(t *testing.T) {
	for _, k := range Kinds {
		if k.RequiresLogin() {
			require.False(t, k.Retryable(), k)
		}
	}
	require.True(t, SessionExpired.RequiresLogin())
	require.True(t, ChallengeDetected.Retryable())
	require.False(t, Fatal.Retryable())
	require.False(t, Fatal.RequiresLogin())
}

func TestIsChallengeIsCaseInsensitive(t *testing.T) {
	require.True(t, IsChallenge("<div class=\"CF-BROWSER-VERIFICATION\">"))
	require.False(t, IsChallenge("Current session 3% used"))
}
