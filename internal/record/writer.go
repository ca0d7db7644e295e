package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fakeyudi/capwatch/internal/fsutil"
	"github.com/fakeyudi/capwatch/internal/usage"
)

// Writer is the single writer of the record file. Readers never take a lock:
// every commit replaces the file with a complete document via rename.
type Writer struct {
	path     string
	capacity int
	version  string
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewWriter returns a Writer for the record at path.
func NewWriter(path string, capacity int, appVersion string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Writer{
		path:     path,
		capacity: capacity,
		version:  appVersion,
		logger:   logger.With("component", "record"),
		now:      time.Now,
	}
}

// Path returns the record file location.
func (w *Writer) Path() string { return w.path }

// BackupSuffix is appended to an unreadable record's name before it is
// replaced.
const BackupSuffix = ".bak"

// Load returns the on-disk record, substituting an empty one when the file
// is missing, corrupt or from an incompatible schema.
func (w *Writer) Load() *Record {
	r, err := Read(w.path)
	if err != nil {
		return Empty(w.capacity)
	}
	r.Capacity = w.capacity
	return r
}

// loadForCommit is Load for the writer itself. A record from a newer major
// version is an error; any other unreadable file is moved aside first.
func (w *Writer) loadForCommit() (*Record, error) {
	r, err := Read(w.path)
	switch {
	case err == nil:
		r.Capacity = w.capacity
		return r, nil
	case errors.Is(err, os.ErrNotExist):
		return Empty(w.capacity), nil
	case errors.Is(err, ErrNewerSchema):
		return nil, err
	}

	backup := w.path + BackupSuffix
	if rerr := os.Rename(w.path, backup); rerr != nil {
		w.logger.Warn("could not back up unreadable record", "path", w.path, "error", rerr)
		backup = ""
	}
	w.logger.Warn("replacing unreadable record", "path", w.path, "backup", backup, "error", err)
	return Empty(w.capacity), nil
}

// Commit merges res into the record and rewrites it atomically.
//
// Only ok or partial results with at least one component replace Current
// and add a history point; any result updates LastAttempt. A usable result
// whose ScrapedAt is not after the current snapshot is dropped with
// ErrOutOfOrder and nothing is written. A record written by a newer major
// version is left untouched and ErrNewerSchema returned.
func (w *Writer) Commit(res usage.PollResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, err := w.loadForCommit()
	if err != nil {
		return err
	}

	if res.Usable() {
		if rec.Current != nil && !res.ScrapedAt.After(rec.Current.ScrapedAt) {
			w.logger.Warn("dropping out-of-order result",
				"attempt_id", res.AttemptID,
				"scraped_at", res.ScrapedAt,
				"current_scraped_at", rec.Current.ScrapedAt)
			return fmt.Errorf("%w: %s <= %s", ErrOutOfOrder,
				res.ScrapedAt.Format(time.RFC3339Nano), rec.Current.ScrapedAt.Format(time.RFC3339Nano))
		}
		cur := res
		rec.Current = &cur
		rec.History = append(rec.History, pointFrom(res))
		rec.trim()
		rec.Projections = ProjectAll(rec.History)
	}

	rec.LastAttempt = &Attempt{
		AttemptID: res.AttemptID,
		At:        res.ScrapedAt,
		Status:    res.Status,
		ErrorKind: res.Diagnostics.ErrorKind,
		Message:   res.Diagnostics.Message,
	}
	now := w.now().UTC()
	rec.SchemaVersion = SchemaVersion
	rec.Metadata.LastUpdate = &now
	rec.Metadata.ApplicationVersion = w.version

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(w.path, data, 0o644); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}
