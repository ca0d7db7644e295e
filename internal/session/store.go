package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fakeyudi/capwatch/internal/fsutil"
)

var (
	// ErrNoSession is returned by Load when no usable session exists.
	ErrNoSession = errors.New("no stored session")
	// ErrStale wraps ErrNoSession when the stored session is older than the
	// configured maximum age.
	ErrStale = fmt.Errorf("%w: session expired by age", ErrNoSession)
	// ErrCorrupt wraps ErrNoSession when the session file cannot be parsed.
	ErrCorrupt = fmt.Errorf("%w: session file is corrupt", ErrNoSession)
)

// Store persists a Session to disk.
type Store interface {
	Save(s *Session) error
	Load() (*Session, error) // returns an error wrapping ErrNoSession if none is usable
	Invalidate() error
	// RecordValidation records the outcome of using the stored session
	// against the live page and invalidates it after
	// MaxValidationFailures consecutive failures.
	RecordValidation(ok bool) error
	Check() Report
}

// diskStore is the concrete Store backed by a single JSON file.
type diskStore struct {
	path   string // full path to session.json
	maxAge time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a Store writing to dir/session.json. A non-positive
// maxAge disables age expiry.
func NewStore(dir string, maxAge time.Duration, logger *slog.Logger) (Store, error) {
	if dir == "" {
		d, err := fsutil.DataDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &diskStore{
		path:   filepath.Join(dir, "session.json"),
		maxAge: maxAge,
		now:    time.Now,
		logger: logger.With("component", "session"),
	}, nil
}

// Save marshals s to JSON and writes it atomically with owner-only permissions.
func (d *diskStore) Save(s *Session) error {
	if s == nil {
		return errors.New("failed to persist session: nil session")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	if err := fsutil.WriteFileAtomic(d.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// read loads the raw file without applying freshness rules.
func (d *diskStore) read() (*Session, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.CapturedAt.IsZero() || len(s.Cookies) == 0 {
		return nil, fmt.Errorf("%w: missing cookies or capture time", ErrCorrupt)
	}
	return &s, nil
}

// Load reads the session file. Missing, corrupt and stale sessions all
// yield an error wrapping ErrNoSession.
func (d *diskStore) Load() (*Session, error) {
	s, err := d.read()
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			d.logger.Warn("ignoring corrupt session file", "path", d.path, "error", err)
		}
		return nil, err
	}
	if !IsFresh(s, d.maxAge, d.now()) {
		d.logger.Info("stored session is older than max age",
			"captured_at", s.CapturedAt, "max_age", d.maxAge)
		return nil, ErrStale
	}
	return s, nil
}

// Invalidate removes the session file from disk.
func (d *diskStore) Invalidate() error {
	if err := os.Remove(d.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	return nil
}

func (d *diskStore) RecordValidation(ok bool) error {
	s, err := d.read()
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}

	if ok {
		if s.ValidationFailures == 0 {
			return nil
		}
		s.ValidationFailures = 0
		return d.Save(s)
	}

	s.ValidationFailures++
	if s.ValidationFailures >= MaxValidationFailures {
		d.logger.Warn("session failed validation repeatedly, invalidating",
			"failures", s.ValidationFailures)
		return d.Invalidate()
	}
	return d.Save(s)
}

func (d *diskStore) Check() Report {
	s, err := d.read()
	if err != nil {
		return Report{Corrupt: errors.Is(err, ErrCorrupt)}
	}

	now := d.now()
	captured := s.CapturedAt
	r := Report{
		Present:            true,
		Fresh:              IsFresh(s, d.maxAge, now),
		CapturedAt:         &captured,
		Age:                now.Sub(captured).Truncate(time.Second),
		Fingerprint:        s.Fingerprint,
		ValidationFailures: s.ValidationFailures,
	}
	if d.maxAge > 0 {
		exp := captured.Add(d.maxAge)
		r.ExpiresAt = &exp
	}
	return r
}
