package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter narrows a history query. Zero values disable each criterion.
type Filter struct {
	// Identifier is a doublestar glob; a plain identifier matches exactly.
	Identifier string
	Outcomes   []Outcome
	Since      time.Time // inclusive
	Until      time.Time // exclusive
	// Limit keeps only the most recent N matching entries.
	Limit int
}

// Validate checks the filter's glob, outcomes, range and limit.
func (f Filter) Validate() error {
	if f.Identifier != "" && !doublestar.ValidatePattern(f.Identifier) {
		return fmt.Errorf("history: invalid identifier pattern %q", f.Identifier)
	}
	for _, o := range f.Outcomes {
		if _, err := ParseOutcome(string(o)); err != nil {
			return fmt.Errorf("history: %w", err)
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return fmt.Errorf("history: since %s is not before until %s", f.Since.Format(time.RFC3339), f.Until.Format(time.RFC3339))
	}
	if f.Limit < 0 {
		return fmt.Errorf("history: limit must be >= 0, got %d", f.Limit)
	}
	return nil
}

func (f Filter) match(e Entry) bool {
	if f.Identifier != "" {
		ok, err := doublestar.Match(f.Identifier, e.Identifier)
		if err != nil || !ok {
			return false
		}
	}
	if len(f.Outcomes) > 0 {
		found := false
		for _, o := range f.Outcomes {
			if e.Outcome == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// History returns matching entries in write order.
func (l *Log) History(f Filter) ([]Entry, error) {
	return ReadHistory(l.path, f, l.logger)
}

// ReadHistory reads the audit file at path without opening it for writing.
// A missing file has an empty history.
func ReadHistory(path string, f Filter, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	defer file.Close()

	var out []Entry
	err = scan(file, logger, func(e Entry) bool {
		if f.match(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) > 2*f.Limit {
				out = append(out[:0], out[len(out)-f.Limit:]...)
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log %s: %w", path, err)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

type entryJSON struct {
	Seq        int64  `json:"seq"`
	Timestamp  string `json:"ts"`
	Identifier string `json:"identifier"`
	Outcome    string `json:"outcome"`
	Checksum   string `json:"checksum"`
	Locator    string `json:"locator"`
	Detail     string `json:"detail"`
	RunID      string `json:"run_id"`
	ID         string `json:"id"`
}

func decodeLine(raw []byte) (Entry, error) {
	if raw[0] != '{' {
		return Entry{}, fmt.Errorf("not a JSON entry")
	}
	var j entryJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return Entry{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, j.Timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("ts: %w", err)
	}
	if j.Identifier == "" || j.Seq <= 0 {
		return Entry{}, fmt.Errorf("missing identifier or seq")
	}
	return Entry{
		Seq:        j.Seq,
		Timestamp:  ts,
		Identifier: j.Identifier,
		Outcome:    Outcome(j.Outcome),
		Checksum:   j.Checksum,
		Locator:    j.Locator,
		Detail:     j.Detail,
		RunID:      j.RunID,
		ID:         j.ID,
	}, nil
}
