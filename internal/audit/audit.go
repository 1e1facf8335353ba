// Package audit is the append-only acquisition history of one scope.
//
// Each event is a single canonical-JSON line. Lines are only ever appended
// and fsynced; the file is never rewritten or reordered. History reads the
// file front to back and applies filters.
package audit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/canon"
)

// Outcome classifies an acquisition attempt.
type Outcome string

const (
	OutcomeNew       Outcome = "success_new"
	OutcomeUpdated   Outcome = "success_updated"
	OutcomeUnchanged Outcome = "skipped_unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Outcomes lists every outcome in display order.
var Outcomes = []Outcome{OutcomeNew, OutcomeUpdated, OutcomeUnchanged, OutcomeFailed}

// ParseOutcome validates s as an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	for _, o := range Outcomes {
		if string(o) == s {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown outcome %q (want one of success_new, success_updated, skipped_unchanged, failed)", s)
}

// idDomain separates audit entry hashes from any other content hash.
const idDomain = "cdm/audit/v1"

// Entry is one audit record.
type Entry struct {
	Seq        int64     `json:"seq"`
	Timestamp  time.Time `json:"ts"`
	Identifier string    `json:"identifier"`
	Outcome    Outcome   `json:"outcome"`
	Checksum   string    `json:"checksum,omitempty"`
	Locator    string    `json:"locator,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	// ID is a content hash over every other field.
	ID string `json:"id"`
}

func (e Entry) fields() map[string]any {
	m := map[string]any{
		"seq":        e.Seq,
		"ts":         e.Timestamp.UTC().Format(time.RFC3339Nano),
		"identifier": e.Identifier,
		"outcome":    string(e.Outcome),
	}
	if e.Checksum != "" {
		m["checksum"] = e.Checksum
	}
	if e.Locator != "" {
		m["locator"] = e.Locator
	}
	if e.Detail != "" {
		m["detail"] = e.Detail
	}
	if e.RunID != "" {
		m["run_id"] = e.RunID
	}
	return m
}

// Log appends entries to one file. A single Log serialises its writers.
type Log struct {
	path   string
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	f      *os.File
	clock  *Clock
	lastTS time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall-clock source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// WithLogger sets the log's diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Open opens (creating if needed) the audit file at path and resumes the
// sequence after its last entry.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	last, err := lastEntry(path, l.logger)
	if err != nil {
		return nil, err
	}
	l.clock = NewClockAt(last.Seq)
	l.lastTS = last.Timestamp

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	if err := terminateLine(path, f); err != nil {
		f.Close()
		return nil, err
	}
	l.f = f
	return l, nil
}

// terminateLine appends a newline if the file ends mid-line, so a line torn
// by a crash cannot swallow the next entry.
func terminateLine(path string, f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat audit log %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}
	r, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log %s: %w", path, err)
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("read audit log %s: %w", path, err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminate audit log %s: %w", path, err)
	}
	return f.Sync()
}

// Path returns the audit file path.
func (l *Log) Path() string {
	return l.path
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Append stamps e with the next seq, a timestamp and its content ID, then
// writes and fsyncs it. The stamped entry is returned.
//
// Timestamps never go backwards within a log even if the wall clock does.
func (l *Log) Append(e Entry) (Entry, error) {
	if e.Identifier == "" {
		return Entry{}, fmt.Errorf("audit: empty identifier")
	}
	if _, err := ParseOutcome(string(e.Outcome)); err != nil {
		return Entry{}, fmt.Errorf("audit: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return Entry{}, fmt.Errorf("audit: log %s is closed", l.path)
	}

	ts := l.now().UTC()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}
	e.Timestamp = ts
	e.Seq = l.clock.Current() + 1

	fields := e.fields()
	id, err := canon.Hash(idDomain, fields)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: %w", err)
	}
	e.ID = id
	fields["id"] = id

	line, err := canon.Marshal(fields)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("audit: sync %s: %w", l.path, err)
	}

	// Only consume the seq once the line is durable.
	l.clock.Next()
	l.lastTS = ts
	return e, nil
}

// lastEntry scans the existing file for its final well-formed entry.
func lastEntry(path string, logger *slog.Logger) (Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("open audit log %s: %w", path, err)
	}
	defer f.Close()

	var last Entry
	err = scan(f, logger, func(e Entry) bool {
		last = e
		return true
	})
	if err != nil {
		return Entry{}, fmt.Errorf("read audit log %s: %w", path, err)
	}
	return last, nil
}

// maxLine bounds a single audit line.
const maxLine = 1 << 20

// scan decodes every entry line in r, calling fn until it returns false.
// Lines that are not JSON objects (legacy pipe-delimited history, or a
// final line torn by a crash) are skipped with a warning.
func scan(r io.Reader, logger *slog.Logger, fn func(Entry) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		e, err := decodeLine(raw)
		if err != nil {
			logger.Warn("skipping unreadable audit line", "line", lineNo, "error", err)
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	return sc.Err()
}
