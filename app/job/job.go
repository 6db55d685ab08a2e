// Package job defines the job record exchanged with the video generation server,
// its status machine and the generate request parameters.
package job

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Status of a generation job
type Status string

// enum of all known statuses
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists all statuses in lifecycle order
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts string to Status, case-insensitive
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Valid checks if status is one of known values
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether status accepts no further transitions
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) String() string { return string(s) }

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) { return []byte(s), nil }

// UnmarshalText implements encoding.TextUnmarshaler, rejects unknown statuses
func (s *Status) UnmarshalText(data []byte) error {
	st, err := ParseStatus(string(data))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Timestamp is a time decoded leniently from the server, which sends ISO-8601 values
// with or without zone offset. Values without offset are treated as UTC.
type Timestamp struct {
	time.Time
}

var tsLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"}

// NewTimestamp wraps t
func NewTimestamp(t time.Time) Timestamp { return Timestamp{Time: t} }

// UnmarshalJSON accepts null, RFC3339 and zone-less ISO-8601 strings
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	for _, layout := range tsLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("can't parse timestamp %q", s)
}

// MarshalJSON writes RFC3339 with nanoseconds, null for zero time
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

// Record is a single generation job as seen by the client.
// Duration, Error, VideoPath and ThumbnailPath are set by the server only for
// terminal jobs; Progress is meaningful only while processing.
type Record struct {
	ID            string    `json:"job_id"`
	Status        Status    `json:"status" jsonschema:"enum=queued,enum=processing,enum=completed,enum=failed"`
	Prompt        string    `json:"prompt"`
	Progress      int       `json:"progress"`
	CreatedAt     Timestamp `json:"created_at,omitzero"`
	CompletedAt   Timestamp `json:"completed_at,omitzero"`
	Duration      *float64  `json:"duration,omitempty"` // seconds
	Error         string    `json:"error,omitempty"`
	VideoPath     string    `json:"video_path,omitempty"`
	ThumbnailPath string    `json:"thumbnail_path,omitempty"`
}

// HasVideo reports whether the generated video can be fetched
func (r Record) HasVideo() bool { return r.Status == StatusCompleted && r.VideoPath != "" }

// HasThumbnail reports whether the thumbnail can be fetched
func (r Record) HasThumbnail() bool { return r.Status == StatusCompleted && r.ThumbnailPath != "" }

// Elapsed returns generation duration, zero if not known yet
func (r Record) Elapsed() time.Duration {
	if r.Duration == nil {
		return 0
	}
	return time.Duration(*r.Duration * float64(time.Second))
}

// Equal compares all fields, including the value behind Duration
func (r Record) Equal(other Record) bool {
	if (r.Duration == nil) != (other.Duration == nil) {
		return false
	}
	if r.Duration != nil && *r.Duration != *other.Duration {
		return false
	}
	return r.ID == other.ID && r.Status == other.Status && r.Prompt == other.Prompt &&
		r.Progress == other.Progress && r.CreatedAt.Equal(other.CreatedAt.Time) &&
		r.CompletedAt.Equal(other.CompletedAt.Time) && r.Error == other.Error &&
		r.VideoPath == other.VideoPath && r.ThumbnailPath == other.ThumbnailPath
}

// Update returns r with fields of next applied on top. Deltas carry the full record,
// but fields the sender left empty keep the current value. Progress doesn't go back while
// the status stays the same.
func (r Record) Update(next Record) Record {
	res := r
	res.Progress = next.Progress
	if next.Status == r.Status {
		res.Progress = max(r.Progress, next.Progress)
	}
	res.Status = next.Status
	if next.Prompt != "" {
		res.Prompt = next.Prompt
	}
	if !next.CreatedAt.IsZero() {
		res.CreatedAt = next.CreatedAt
	}
	if !next.CompletedAt.IsZero() {
		res.CompletedAt = next.CompletedAt
	}
	if next.Duration != nil {
		d := *next.Duration
		res.Duration = &d
	}
	if next.Error != "" {
		res.Error = next.Error
	}
	if next.VideoPath != "" {
		res.VideoPath = next.VideoPath
	}
	if next.ThumbnailPath != "" {
		res.ThumbnailPath = next.ThumbnailPath
	}
	return res
}

func (r Record) String() string {
	return fmt.Sprintf("{id:%s, status:%s, progress:%d}", r.ID, r.Status, r.Progress)
}

// Filter selects records by status, FilterAll matches everything
type Filter string

// FilterAll matches records of any status
const FilterAll Filter = "all"

// ParseFilter converts "all" or a status name to Filter. Empty string means all.
func ParseFilter(s string) (Filter, error) {
	if s == "" || strings.EqualFold(s, string(FilterAll)) {
		return FilterAll, nil
	}
	st, err := ParseStatus(s)
	if err != nil {
		return "", fmt.Errorf("invalid filter: %w", err)
	}
	return Filter(st), nil
}

// Match checks if record passes the filter
func (f Filter) Match(r Record) bool {
	return f == FilterAll || f == "" || Status(f) == r.Status
}
