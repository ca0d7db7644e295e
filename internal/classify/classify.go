// Package classify maps failures observed while driving the usage page into
// a closed taxonomy. Classification is pure: no I/O, no retry decisions.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fakeyudi/capwatch/internal/page"
)

// Kind is one of the closed set of failure kinds.
type Kind string

const (
	SessionRequired   Kind = "session_required"
	SessionExpired    Kind = "session_expired"
	NavigationFailed  Kind = "navigation_failed"
	ChallengeDetected Kind = "challenge_detected"
	ExtractionFailed  Kind = "extraction_failed"
	Fatal             Kind = "fatal"
)

// Kinds lists every failure kind.
var Kinds = []Kind{SessionRequired, SessionExpired, NavigationFailed, ChallengeDetected, ExtractionFailed, Fatal}

// RequiresLogin reports whether the kind can only be resolved by an
// interactive re-authentication.
func (k Kind) RequiresLogin() bool {
	return k == SessionRequired || k == SessionExpired
}

// Retryable reports whether the kind is retried locally with backoff.
func (k Kind) Retryable() bool {
	return k == NavigationFailed || k == ExtractionFailed || k == ChallengeDetected
}

// Error attaches a Kind to an underlying failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind carried by err, classifying unlabelled errors.
// A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(Signal{Err: err, Found: -1})
}

// Signal is everything known about a failed or suspicious attempt.
type Signal struct {
	Err        error
	Location   string // page URL after navigation, if known
	Text       string // rendered page text, if read
	HadSession bool   // credentials were present when the attempt started
	Challenge  bool   // a structural challenge marker was found on the page
	Found      int    // components extracted; -1 when extraction did not run
}

// ChallengeMarkers are matched case-insensitively against page text.
var ChallengeMarkers = []string{
	"checking your browser",
	"just a moment",
	"please enable javascript",
	"verify you are human",
	"cf-challenge",
	"cf-browser-verification",
}

// ChallengeSelector matches interstitial elements in the page structure.
const ChallengeSelector = "#cf-challenge, .cf-browser-verification, #challenge-form"

var authPaths = []string{"/login", "/signin", "/sign-in", "/auth/"}

// IsChallenge reports whether text contains an anti-automation interstitial
// marker.
func IsChallenge(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range ChallengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// IsAuthLocation reports whether location is an authentication surface.
func IsAuthLocation(location string) bool {
	lower := strings.ToLower(location)
	for _, p := range authPaths {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify maps a signal to a Kind. It returns "" when the signal describes
// a successful extraction.
func Classify(sig Signal) Kind {
	var ce *Error
	if errors.As(sig.Err, &ce) {
		return ce.Kind
	}

	if IsAuthLocation(sig.Location) {
		if sig.HadSession {
			return SessionExpired
		}
		return SessionRequired
	}
	if sig.Challenge || IsChallenge(sig.Text) {
		return ChallengeDetected
	}

	if sig.Err != nil {
		return classifyErr(sig.Err)
	}
	if sig.Found == 0 {
		return ExtractionFailed
	}
	return ""
}

func classifyErr(err error) Kind {
	if errors.Is(err, page.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return NavigationFailed
	}
	if errors.Is(err, page.ErrBusy) {
		return Fatal
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NavigationFailed
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "net::err_") ||
		strings.Contains(s, "timeout") || strings.Contains(s, "timed out") ||
		strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") ||
		strings.Contains(s, "no such host") || strings.Contains(s, "page load") {
		return NavigationFailed
	}
	return Fatal
}
