package registry

import (
	"fmt"
	"regexp"
	"time"
)

// Status is the outcome of the most recent acquisition attempt for an
// identifier. It is not cumulative.
type Status string

const (
	StatusNew       Status = "new"
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusUnchanged, StatusFailed:
		return true
	}
	return false
}

var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Record is the current view of one tracked artifact.
//
// CurrentChecksum always matches the file at Destination unless Status is
// StatusFailed, in which case the file still holds the last successful
// content.
type Record struct {
	Identifier       string
	SourceLocator    string
	Destination      string // relative to the scope's data root
	CurrentChecksum  string
	PreviousChecksum *string
	SizeBytes        int64
	// LastUpdated is when the destination content was last written.
	LastUpdated time.Time
	// LastChecked is when the locator was last fetched successfully,
	// whether or not the content changed.
	LastChecked      time.Time
	DownloadAttempts int64
	Status           Status
	LastError        string
}

// HasPrevious reports whether the record carries a previous checksum.
func (r Record) HasPrevious() bool {
	return r.PreviousChecksum != nil
}

// Validate checks the record's shape before it is persisted.
func (r Record) Validate() error {
	if r.Identifier == "" {
		return fmt.Errorf("record: empty identifier")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("record %s: invalid status %q", r.Identifier, r.Status)
	}
	if !checksumPattern.MatchString(r.CurrentChecksum) {
		return fmt.Errorf("record %s: current checksum %q is not a SHA-256 hex digest", r.Identifier, r.CurrentChecksum)
	}
	if r.PreviousChecksum != nil && !checksumPattern.MatchString(*r.PreviousChecksum) {
		return fmt.Errorf("record %s: previous checksum %q is not a SHA-256 hex digest", r.Identifier, *r.PreviousChecksum)
	}
	if r.SizeBytes < 0 {
		return fmt.Errorf("record %s: negative size %d", r.Identifier, r.SizeBytes)
	}
	if r.DownloadAttempts < 0 {
		return fmt.Errorf("record %s: negative download attempts %d", r.Identifier, r.DownloadAttempts)
	}
	return nil
}

// Checksum returns a pointer to a copy of sum, for PreviousChecksum.
func Checksum(sum string) *string {
	return &sum
}

// toMap renders the record for canonical encoding. Absent optional fields
// are omitted rather than written as null.
func (r Record) toMap() map[string]any {
	m := map[string]any{
		"identifier":        r.Identifier,
		"source_locator":    r.SourceLocator,
		"destination":       r.Destination,
		"current_checksum":  r.CurrentChecksum,
		"size_bytes":        r.SizeBytes,
		"download_attempts": r.DownloadAttempts,
		"status":            string(r.Status),
	}
	if r.PreviousChecksum != nil {
		m["previous_checksum"] = *r.PreviousChecksum
	}
	if !r.LastUpdated.IsZero() {
		m["last_updated"] = formatTime(r.LastUpdated)
	}
	if !r.LastChecked.IsZero() {
		m["last_checked"] = formatTime(r.LastChecked)
	}
	if r.LastError != "" {
		m["last_error"] = r.LastError
	}
	return m
}

// recordJSON is the decode shape of a record in the registry file.
type recordJSON struct {
	Identifier       string  `json:"identifier"`
	SourceLocator    string  `json:"source_locator"`
	Destination      string  `json:"destination"`
	CurrentChecksum  string  `json:"current_checksum"`
	PreviousChecksum *string `json:"previous_checksum"`
	SizeBytes        int64   `json:"size_bytes"`
	LastUpdated      string  `json:"last_updated"`
	LastChecked      string  `json:"last_checked"`
	DownloadAttempts int64   `json:"download_attempts"`
	Status           string  `json:"status"`
	LastError        string  `json:"last_error"`
}

func (j recordJSON) toRecord() (Record, error) {
	rec := Record{
		Identifier:       j.Identifier,
		SourceLocator:    j.SourceLocator,
		Destination:      j.Destination,
		CurrentChecksum:  j.CurrentChecksum,
		PreviousChecksum: j.PreviousChecksum,
		SizeBytes:        j.SizeBytes,
		DownloadAttempts: j.DownloadAttempts,
		Status:           Status(j.Status),
		LastError:        j.LastError,
	}
	var err error
	if rec.LastUpdated, err = parseTime(j.LastUpdated); err != nil {
		return Record{}, fmt.Errorf("record %s: last_updated: %w", j.Identifier, err)
	}
	if rec.LastChecked, err = parseTime(j.LastChecked); err != nil {
		return Record{}, fmt.Errorf("record %s: last_checked: %w", j.Identifier, err)
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
