// Package registry is the Version Registry: the durable current-state view of
// every tracked identifier in one scope.
//
// The registry is a single canonical-JSON file. Every mutation rewrites the
// whole file through write-to-temp-then-rename, so the file on disk is always
// parseable. A Registry serialises writers with an internal lock; reads are
// served from memory and may run concurrently.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/canon"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fsutil"
)

// Format tags the registry file layout.
const Format = "cdm-versions/registry/v1"

// Registry holds the records of one scope, backed by a single file.
type Registry struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]Record
}

// Open loads the registry at path. A missing file yields an empty registry;
// the file is created on the first Put. A file written by the legacy
// tracker (a bare filename -> info mapping) is imported transparently.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		path:    path,
		logger:  logger,
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return r, nil
	}

	records, legacy, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	if legacy {
		logger.Info("imported legacy registry", "path", path, "records", len(records))
	}
	for _, rec := range records {
		r.records[rec.Identifier] = rec
	}
	return r, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return copyRecord(rec), ok
}

// All returns every record ordered by identifier.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, copyRecord(rec))
	}
	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.Identifier < b.Identifier:
			return -1
		case a.Identifier > b.Identifier:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Put replaces the record for rec.Identifier and rewrites the file. The
// in-memory view changes only after the file has been replaced.
func (r *Registry) Put(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]Record, len(r.records)+1)
	for id, existing := range r.records {
		next[id] = existing
	}
	next[rec.Identifier] = copyRecord(rec)
	if err := r.persist(next); err != nil {
		return err
	}
	r.records = next
	r.logger.Debug("registry put", "id", rec.Identifier, "status", rec.Status)
	return nil
}

// Delete removes id. Deleting an unknown identifier is not an error.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return nil
	}
	next := make(map[string]Record, len(r.records))
	for k, v := range r.records {
		if k != id {
			next[k] = v
		}
	}
	if err := r.persist(next); err != nil {
		return err
	}
	r.records = next
	r.logger.Info("registry delete", "id", id)
	return nil
}

// Replace swaps the whole record set in one atomic write.
func (r *Registry) Replace(records []Record) error {
	next := make(map[string]Record, len(records))
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, dup := next[rec.Identifier]; dup {
			return fmt.Errorf("replace: duplicate identifier %q", rec.Identifier)
		}
		next[rec.Identifier] = copyRecord(rec)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.persist(next); err != nil {
		return err
	}
	r.records = next
	return nil
}

// persist writes records to disk. Caller holds r.mu.
func (r *Registry) persist(records map[string]Record) error {
	data, err := encode(records)
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func encode(records map[string]Record) ([]byte, error) {
	recs := make(map[string]any, len(records))
	for id, rec := range records {
		recs[id] = rec.toMap()
	}
	return canon.MarshalIndent(map[string]any{
		"format":  Format,
		"records": recs,
	})
}

type fileJSON struct {
	Format  string                `json:"format"`
	Records map[string]recordJSON `json:"records"`
}

// legacyJSON is one entry of the bare mapping written by the original
// tracker script.
type legacyJSON struct {
	URL              string  `json:"url"`
	Checksum         string  `json:"checksum"`
	PreviousChecksum *string `json:"previous_checksum"`
	LastUpdated      string  `json:"last_updated"`
	SizeBytes        int64   `json:"size_bytes"`
}

const legacyTimeLayout = "2006-01-02T15:04:05.999999"

func decode(data []byte) ([]Record, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, err
	}
	if _, ok := probe["format"]; ok {
		var f fileJSON
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, false, err
		}
		if f.Format != Format {
			return nil, false, fmt.Errorf("unsupported registry format %q", f.Format)
		}
		out := make([]Record, 0, len(f.Records))
		for id, j := range f.Records {
			rec, err := j.toRecord()
			if err != nil {
				return nil, false, err
			}
			if rec.Identifier != id {
				return nil, false, fmt.Errorf("record key %q holds identifier %q", id, rec.Identifier)
			}
			out = append(out, rec)
		}
		return out, false, nil
	}

	out := make([]Record, 0, len(probe))
	for name, raw := range probe {
		var l legacyJSON
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, true, fmt.Errorf("legacy record %s: %w", name, err)
		}
		rec := Record{
			Identifier:       name,
			SourceLocator:    l.URL,
			Destination:      name,
			CurrentChecksum:  l.Checksum,
			SizeBytes:        l.SizeBytes,
			Status:           StatusNew,
			PreviousChecksum: l.PreviousChecksum,
		}
		if rec.PreviousChecksum != nil && *rec.PreviousChecksum == "" {
			rec.PreviousChecksum = nil
		}
		if rec.PreviousChecksum != nil {
			rec.Status = StatusUpdated
		}
		if l.LastUpdated != "" {
			t, err := time.ParseInLocation(legacyTimeLayout, l.LastUpdated, time.Local)
			if err != nil {
				return nil, true, fmt.Errorf("legacy record %s: last_updated: %w", name, err)
			}
			rec.LastUpdated = t.UTC()
		}
		out = append(out, rec)
	}
	return out, true, nil
}

func copyRecord(rec Record) Record {
	if rec.PreviousChecksum != nil {
		rec.PreviousChecksum = Checksum(*rec.PreviousChecksum)
	}
	return rec
}
