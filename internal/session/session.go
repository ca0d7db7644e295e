package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxValidationFailures is the number of consecutive failed validations after
// which a stored session is invalidated.
const MaxValidationFailures = 2

// fingerprintSpace namespaces session fingerprints.
var fingerprintSpace = uuid.MustParse("6f1c9a52-2d7e-4b7a-9c0e-6a8e0d1f3b21")

// Session holds the authentication artifacts captured after an interactive
// login. Cookies are opaque to everything but the browser driver.
type Session struct {
	Cookies            json.RawMessage `json:"cookies"`
	CapturedAt         time.Time       `json:"captured_at"`
	Fingerprint        string          `json:"fingerprint"`
	ProfileRef         string          `json:"profile_ref"`
	ValidationFailures int             `json:"validation_failures,omitempty"`
}

// New builds a Session captured now from an exported cookie blob.
func New(cookies json.RawMessage, profileRef string, capturedAt time.Time) *Session {
	return &Session{
		Cookies:     cookies,
		CapturedAt:  capturedAt.UTC(),
		Fingerprint: Fingerprint(cookies),
		ProfileRef:  profileRef,
	}
}

// Fingerprint derives a stable identifier for a cookie blob.
func Fingerprint(cookies []byte) string {
	return uuid.NewSHA1(fingerprintSpace, cookies).String()
}

// IsFresh reports whether s was captured less than maxAge before now.
// A non-positive maxAge disables the age check.
func IsFresh(s *Session, maxAge time.Duration, now time.Time) bool {
	if s == nil || s.CapturedAt.IsZero() {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(s.CapturedAt) < maxAge
}

// Report describes the state of the stored session for check-session.
type Report struct {
	Present            bool          `json:"present"`
	Fresh              bool          `json:"fresh"`
	Corrupt            bool          `json:"corrupt,omitempty"`
	CapturedAt         *time.Time    `json:"captured_at,omitempty"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	Age                time.Duration `json:"age,omitempty"`
	Fingerprint        string        `json:"fingerprint,omitempty"`
	ValidationFailures int           `json:"validation_failures,omitempty"`
}
