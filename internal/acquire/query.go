package acquire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/audit"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/backup"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/manifest"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/registry"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/report"
)

// Status returns every record with its backup count, sorted by identifier.
func (s *Stores) Status(ctx context.Context) ([]report.VersionRow, error) {
	counts, err := s.Backups.Counts(ctx)
	if err != nil {
		return nil, &StorageError{Op: "count backups", Err: err}
	}
	records := s.Registry.All()
	rows := make([]report.VersionRow, len(records))
	for i, rec := range records {
		rows[i] = report.VersionRow{Record: rec, Backups: counts[rec.Identifier]}
	}
	return rows, nil
}

// Validation is the outcome of Validate.
type Validation struct {
	Checked  int       `json:"checked"`
	Valid    int       `json:"valid"`
	Findings []Finding `json:"findings"`
}

// Validate recomputes the checksum of every tracked file and compares it
// with the registry. Problems are returned as an IntegrityError together
// with the full result; nothing is repaired.
func (s *Stores) Validate(ctx context.Context) (Validation, error) {
	v := Validation{Findings: []Finding{}}
	for _, rec := range s.Registry.All() {
		if err := ctx.Err(); err != nil {
			return v, err
		}
		v.Checked++

		path, err := s.Paths.Destination(rec.Destination)
		if err != nil {
			v.Findings = append(v.Findings, Finding{Identifier: rec.Identifier, Kind: FindingUnreadable, Path: rec.Destination, Tracked: rec.CurrentChecksum, Detail: err.Error()})
			continue
		}
		sum, _, err := checksum.File(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			v.Findings = append(v.Findings, Finding{Identifier: rec.Identifier, Kind: FindingMissing, Path: path, Tracked: rec.CurrentChecksum})
		case err != nil:
			v.Findings = append(v.Findings, Finding{Identifier: rec.Identifier, Kind: FindingUnreadable, Path: path, Tracked: rec.CurrentChecksum, Detail: err.Error()})
		case sum != rec.CurrentChecksum:
			v.Findings = append(v.Findings, Finding{Identifier: rec.Identifier, Kind: FindingMismatch, Path: path, Tracked: rec.CurrentChecksum, Actual: sum})
		default:
			v.Valid++
		}
	}
	for _, f := range v.Findings {
		s.logger.Warn("integrity problem", "id", f.Identifier, "kind", f.Kind, "path", f.Path)
	}
	if len(v.Findings) > 0 {
		return v, &IntegrityError{Findings: v.Findings}
	}
	return v, nil
}

// History returns audit entries matching f, oldest first.
func (s *Stores) History(f audit.Filter) ([]audit.Entry, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	entries, err := s.Audit.History(f)
	if err != nil {
		return nil, &StorageError{Op: "read audit log", Err: err}
	}
	return entries, nil
}

// Clean applies a retention policy to the backup store.
func (s *Stores) Clean(ctx context.Context, p backup.Policy) (backup.CleanResult, error) {
	if err := p.Validate(); err != nil {
		return backup.CleanResult{}, err
	}
	res, err := s.Backups.Clean(ctx, p)
	if err != nil {
		return res, &StorageError{Op: "clean backups", Err: err}
	}
	s.logger.Info("backup clean", "removed", len(res.Removed), "kept", res.Kept, "freed_bytes", res.FreedBytes, "dry_run", res.DryRun)
	return res, nil
}

// Compare sets each record's current file against its most recent backup.
func (s *Stores) Compare(ctx context.Context) ([]report.Comparison, error) {
	records := s.Registry.All()
	out := make([]report.Comparison, 0, len(records))
	for _, rec := range records {
		c := report.Comparison{
			Identifier: rec.Identifier,
			Current: report.Version{
				Checksum:  rec.CurrentChecksum,
				SizeBytes: rec.SizeBytes,
				CreatedAt: rec.LastUpdated,
			},
		}
		if path, err := s.Paths.Destination(rec.Destination); err == nil {
			info, err := os.Stat(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				c.Missing = true
			case err != nil:
				return nil, &StorageError{Op: "stat destination", Identifier: rec.Identifier, Err: err}
			default:
				c.Current.SizeBytes = info.Size()
			}
		}

		latest, ok, err := s.Backups.Latest(ctx, rec.Identifier)
		if err != nil {
			return nil, &StorageError{Op: "latest backup", Identifier: rec.Identifier, Err: err}
		}
		if ok {
			c.Previous = &report.Version{Checksum: latest.Checksum, SizeBytes: latest.SizeBytes, CreatedAt: latest.CreatedAt}
		}
		out = append(out, c)
	}
	return out, nil
}

// RebuildResult reports what Rebuild reconstructed.
type RebuildResult struct {
	Rebuilt []string `json:"rebuilt"`
	Missing []string `json:"missing"`
}

// Rebuild recreates the registry from the files on disk for the items of
// m. Every rebuilt record has status new and zero attempts; items without a
// file are listed as missing. A non-empty registry is only replaced when
// force is set.
func (s *Stores) Rebuild(ctx context.Context, m *manifest.Manifest, force bool) (RebuildResult, error) {
	if m.Scope != "" && m.Scope != s.Paths.Name {
		return RebuildResult{}, fmt.Errorf("%w: %s declares %q, run scope is %q", ErrScopeMismatch, m.Source, m.Scope, s.Paths.Name)
	}
	if n := s.Registry.Len(); n > 0 && !force {
		return RebuildResult{}, fmt.Errorf("%w (%d records)", ErrRegistryNotEmpty, n)
	}

	res := RebuildResult{Rebuilt: []string{}, Missing: []string{}}
	var records []registry.Record
	now := s.now().UTC()
	for _, it := range m.Items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		path, err := s.Paths.Destination(it.Dest)
		if err != nil {
			return res, err
		}
		sum, size, err := checksum.File(path)
		if errors.Is(err, fs.ErrNotExist) {
			res.Missing = append(res.Missing, it.ID)
			continue
		}
		if err != nil {
			return res, &StorageError{Op: "hash destination", Identifier: it.ID, Err: err}
		}
		modified := now
		if info, err := os.Stat(path); err == nil {
			modified = info.ModTime().UTC()
		}
		records = append(records, registry.Record{
			Identifier:      it.ID,
			SourceLocator:   it.Locator,
			Destination:     it.Dest,
			CurrentChecksum: sum,
			SizeBytes:       size,
			LastUpdated:     modified,
			Status:          registry.StatusNew,
		})
		res.Rebuilt = append(res.Rebuilt, it.ID)
	}

	if err := s.Registry.Replace(records); err != nil {
		return res, &StorageError{Op: "replace registry", Err: err}
	}
	s.logger.Info("registry rebuilt", "records", len(res.Rebuilt), "missing", len(res.Missing))
	return res, nil
}
