// Package record owns the persisted usage record: a versioned JSON document
// holding the last good poll result and a bounded rolling history.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fakeyudi/capwatch/internal/usage"
)

// SchemaVersion is written into every record. Readers accept any version
// with the same major number.
const SchemaVersion = "2.1.0"

// DefaultCapacity is one week of five-minute samples.
const DefaultCapacity = 2016

// FileName is the record's name inside the data directory.
const FileName = "usage.json"

var (
	// ErrOutOfOrder is returned when a result is not newer than the current
	// snapshot.
	ErrOutOfOrder = errors.New("result is not newer than the current snapshot")
	// ErrSchemaMismatch is returned for records written by an incompatible
	// schema version.
	ErrSchemaMismatch = errors.New("unsupported record schema version")
	// ErrNewerSchema is returned for records written by a newer major
	// version. Writers must not replace them.
	ErrNewerSchema = fmt.Errorf("%w: written by a newer version", ErrSchemaMismatch)
)

// Point is one rolling-history sample.
type Point struct {
	Timestamp time.Time                 `json:"timestamp"`
	Percents  map[usage.ComponentID]int `json:"percents"`
}

// Metadata describes the writer.
type Metadata struct {
	LastUpdate         *time.Time `json:"last_update,omitempty"`
	ApplicationVersion string     `json:"application_version,omitempty"`
}

// Attempt summarises the most recent poll, successful or not.
type Attempt struct {
	AttemptID string       `json:"attempt_id,omitempty"`
	At        time.Time    `json:"at"`
	Status    usage.Status `json:"status"`
	ErrorKind string       `json:"error_kind,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// Record is the persisted document.
type Record struct {
	SchemaVersion string            `json:"schema_version"`
	Metadata      Metadata          `json:"metadata"`
	Current       *usage.PollResult `json:"current,omitempty"`
	LastAttempt   *Attempt          `json:"last_attempt,omitempty"`
	History       []Point           `json:"history"`
	Capacity      int               `json:"capacity"`

	// Projections is recomputed from History on every successful commit.
	Projections map[usage.ComponentID]Projection `json:"projections,omitempty"`
}

// Empty returns a record with no data.
func Empty(capacity int) *Record {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Record{SchemaVersion: SchemaVersion, History: []Point{}, Capacity: capacity}
}

// Age reports how long ago the current snapshot was scraped.
func (r *Record) Age(now time.Time) (time.Duration, bool) {
	if r == nil || r.Current == nil {
		return 0, false
	}
	return now.Sub(r.Current.ScrapedAt), true
}

// Read loads the record at path. Legacy documents are migrated in memory.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses a record, checking its schema version.
func Decode(data []byte) (*Record, error) {
	var head struct {
		SchemaVersion *string         `json:"schema_version"`
		LegacyVersion *string         `json:"schemaVersion"`
		Historical    json.RawMessage `json:"historicalData"`
		Metrics       json.RawMessage `json:"metrics"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}

	if head.SchemaVersion == nil {
		if head.LegacyVersion != nil || head.Historical != nil || head.Metrics != nil {
			return migrateLegacy(data)
		}
		return nil, fmt.Errorf("%w: missing schema_version", ErrSchemaMismatch)
	}
	switch m := major(*head.SchemaVersion); {
	case m > major(SchemaVersion):
		return nil, fmt.Errorf("%w: %s", ErrNewerSchema, *head.SchemaVersion)
	case m != major(SchemaVersion):
		return nil, fmt.Errorf("%w: %s", ErrSchemaMismatch, *head.SchemaVersion)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}
	if r.History == nil {
		r.History = []Point{}
	}
	if r.Capacity <= 0 {
		r.Capacity = DefaultCapacity
	}
	return &r, nil
}

func major(version string) int {
	head, _, _ := strings.Cut(strings.TrimPrefix(version, "v"), ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return n
}

// trim drops the oldest points until History fits Capacity.
func (r *Record) trim() {
	if over := len(r.History) - r.Capacity; over > 0 {
		r.History = append([]Point(nil), r.History[over:]...)
	}
}

func pointFrom(res usage.PollResult) Point {
	p := Point{Timestamp: res.ScrapedAt, Percents: make(map[usage.ComponentID]int, len(res.Components))}
	for _, c := range res.Components {
		p.Percents[c.ID] = c.Percent
	}
	return p
}
