package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fsutil"
)

// createdAtLayout is fixed-width so created_at sorts lexically in SQL.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// nameStampLayout is the timestamp embedded in backup file names.
const nameStampLayout = "20060102T150405Z"

// Entry is one archived copy.
type Entry struct {
	ID          int64     `json:"id"`
	Identifier  string    `json:"identifier"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
	StoragePath string    `json:"storage_path"` // slash-separated, relative to the backup root
	SizeBytes   int64     `json:"size_bytes"`
}

// Archive copies sourcePath into the backup root and records it. The
// source is left in place. The call returns only after the copy is durable
// and the manifest row is committed.
//
// sum is the checksum the caller believes the source has. The entry records
// the checksum of the bytes actually copied; a mismatch is logged.
func (s *Store) Archive(ctx context.Context, identifier, sourcePath, sum string) (Entry, error) {
	if identifier == "" {
		return Entry{}, fmt.Errorf("archive: empty identifier")
	}
	now := s.now().UTC()

	rel, err := s.uniqueName(identifier, sum, now)
	if err != nil {
		return Entry{}, fmt.Errorf("archive %s: %w", identifier, err)
	}
	dst := filepath.Join(s.root, rel)

	size, err := fsutil.CopyFileAtomic(sourcePath, dst, 0o444)
	if err != nil {
		return Entry{}, fmt.Errorf("archive %s: %w", identifier, err)
	}

	actual, _, err := checksum.File(dst)
	if err != nil {
		os.Remove(dst)
		return Entry{}, fmt.Errorf("archive %s: verify copy: %w", identifier, err)
	}
	if sum != "" && actual != sum {
		s.logger.Warn("archived content differs from recorded checksum",
			"id", identifier, "recorded", checksum.Short(sum), "actual", checksum.Short(actual))
	}

	entry := Entry{
		Identifier:  identifier,
		Checksum:    actual,
		CreatedAt:   now,
		StoragePath: filepath.ToSlash(rel),
		SizeBytes:   size,
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backups (identifier, checksum, created_at, storage_path, size_bytes)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.Identifier,
		entry.Checksum,
		entry.CreatedAt.Format(createdAtLayout),
		entry.StoragePath,
		entry.SizeBytes,
	)
	if err != nil {
		os.Remove(dst)
		return Entry{}, fmt.Errorf("archive %s: record manifest entry: %w", identifier, err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return Entry{}, fmt.Errorf("archive %s: %w", identifier, err)
	}

	s.logger.Debug("archived", "id", identifier, "path", entry.StoragePath, "checksum", checksum.Short(actual))
	return entry, nil
}

// uniqueName picks a file name that is not already taken on disk.
func (s *Store) uniqueName(identifier, sum string, now time.Time) (string, error) {
	stem, ext := splitName(identifier)
	base := fmt.Sprintf("%s_%s_%s", stem, now.Format(nameStampLayout), checksum.Short(sum))
	for n := 0; n < 1000; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", base, n, ext)
		}
		_, err := os.Lstat(filepath.Join(s.root, name))
		if errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free backup name for %s", base)
}

// splitName turns an identifier into a safe file stem and extension.
func splitName(identifier string) (string, string) {
	ext := filepath.Ext(identifier)
	stem := strings.TrimSuffix(identifier, ext)
	if stem == "" {
		stem, ext = identifier, ""
	}
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
				return r
			}
			return '_'
		}, s)
	}
	return clean(stem), clean(ext)
}

// List returns entries for identifier, newest first. An empty identifier
// lists every entry, grouped by identifier.
func (s *Store) List(ctx context.Context, identifier string) ([]Entry, error) {
	query := `SELECT id, identifier, checksum, created_at, storage_path, size_bytes FROM backups`
	var args []any
	if identifier != "" {
		query += ` WHERE identifier = ?`
		args = append(args, identifier)
	}
	query += ` ORDER BY identifier ASC, created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list backups: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	return out, nil
}

// Latest returns the most recent entry for identifier.
func (s *Store) Latest(ctx context.Context, identifier string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identifier, checksum, created_at, storage_path, size_bytes
		FROM backups WHERE identifier = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, identifier)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("latest backup for %s: %w", identifier, err)
	}
	return e, true, nil
}

// Counts returns the number of entries per identifier.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identifier, COUNT(*) FROM backups GROUP BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("count backups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("count backups: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var created string
	if err := row.Scan(&e.ID, &e.Identifier, &e.Checksum, &created, &e.StoragePath, &e.SizeBytes); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(createdAtLayout, created)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	e.CreatedAt = t
	return e, nil
}
