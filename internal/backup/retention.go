package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Policy selects which backups Clean removes.
//
// Keep and KeepDays combine conservatively: an entry survives if any enabled
// rule wants to keep it. All removes every matched entry and ignores the
// other rules.
type Policy struct {
	Keep     int    // keep the newest N per identifier; 0 disables
	KeepDays int    // keep entries younger than N days; 0 disables
	All      bool   // delete every matched entry
	Match    string // doublestar glob over identifiers; empty matches all
	DryRun   bool
}

// Validate rejects policies that would do nothing or are malformed.
func (p Policy) Validate() error {
	if p.Keep < 0 {
		return fmt.Errorf("retention: keep must be >= 0, got %d", p.Keep)
	}
	if p.KeepDays < 0 {
		return fmt.Errorf("retention: keep-days must be >= 0, got %d", p.KeepDays)
	}
	if !p.All && p.Keep == 0 && p.KeepDays == 0 {
		return fmt.Errorf("retention: policy keeps everything; set keep, keep-days or all")
	}
	if p.Match != "" && !doublestar.ValidatePattern(p.Match) {
		return fmt.Errorf("retention: invalid identifier pattern %q", p.Match)
	}
	return nil
}

// CleanResult reports what Clean removed, or would remove on a dry run.
type CleanResult struct {
	Removed    []Entry `json:"removed"`
	Kept       int     `json:"kept"`
	FreedBytes int64   `json:"freed_bytes"`
	DryRun     bool    `json:"dry_run"`
}

// Clean applies p to the manifest. Files are removed before their manifest
// rows so an interrupted clean leaves at most rows whose file is already
// gone, which a repeated clean tolerates.
func (s *Store) Clean(ctx context.Context, p Policy) (CleanResult, error) {
	if err := p.Validate(); err != nil {
		return CleanResult{}, err
	}
	entries, err := s.List(ctx, "")
	if err != nil {
		return CleanResult{}, err
	}

	cutoff := s.now().UTC().Add(-time.Duration(p.KeepDays) * 24 * time.Hour)
	result := CleanResult{DryRun: p.DryRun}
	rank := make(map[string]int)

	for _, e := range entries {
		if p.Match != "" {
			ok, err := doublestar.Match(p.Match, e.Identifier)
			if err != nil {
				return result, fmt.Errorf("retention: %w", err)
			}
			if !ok {
				continue
			}
		}
		// entries arrive newest first within an identifier
		r := rank[e.Identifier]
		rank[e.Identifier] = r + 1

		if !p.All {
			keepByCount := p.Keep > 0 && r < p.Keep
			keepByAge := p.KeepDays > 0 && !e.CreatedAt.Before(cutoff)
			if keepByCount || keepByAge {
				result.Kept++
				continue
			}
		}

		result.Removed = append(result.Removed, e)
		result.FreedBytes += e.SizeBytes
		if p.DryRun {
			continue
		}
		if err := s.remove(ctx, e); err != nil {
			return result, err
		}
	}

	s.logger.Info("backup clean",
		"removed", len(result.Removed), "kept", result.Kept, "freed_bytes", result.FreedBytes, "dry_run", p.DryRun)
	return result, nil
}

func (s *Store) remove(ctx context.Context, e Entry) error {
	if err := os.Remove(s.Path(e)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove backup %s: %w", e.StoragePath, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, e.ID); err != nil {
		return fmt.Errorf("delete manifest entry %d: %w", e.ID, err)
	}
	return nil
}
