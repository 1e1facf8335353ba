package acquire

import (
	"errors"
	"log/slog"
	"time"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/audit"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/backup"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/registry"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/scope"
)

// Stores bundles the three persistent stores of one scope. Every path they
// touch comes from the same scope.Paths.
type Stores struct {
	Paths    scope.Paths
	Registry *registry.Registry
	Backups  *backup.Store
	Audit    *audit.Log

	now    func() time.Time
	logger *slog.Logger
}

// StoreOption configures OpenStores.
type StoreOption func(*storeConfig)

type storeConfig struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithStoreClock sets the clock used for backup names and audit timestamps.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) {
		c.now = now
	}
}

// WithStoreLogger sets the diagnostic logger for all three stores.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// OpenStores creates the scope's directories and opens its registry,
// backup store and audit log. Any failure is a StorageError.
func OpenStores(paths scope.Paths, opts ...StoreOption) (*Stores, error) {
	cfg := storeConfig{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With("scope", paths.Name)

	if err := paths.Ensure(); err != nil {
		return nil, &StorageError{Op: "create scope directories", Err: err}
	}
	reg, err := registry.Open(paths.RegistryPath, logger)
	if err != nil {
		return nil, &StorageError{Op: "open registry", Err: err}
	}
	backups, err := backup.Open(paths.BackupRoot, backup.WithClock(cfg.now), backup.WithLogger(logger))
	if err != nil {
		return nil, &StorageError{Op: "open backup store", Err: err}
	}
	log, err := audit.Open(paths.AuditPath, audit.WithClock(cfg.now), audit.WithLogger(logger))
	if err != nil {
		backups.Close()
		return nil, &StorageError{Op: "open audit log", Err: err}
	}

	return &Stores{
		Paths:    paths,
		Registry: reg,
		Backups:  backups,
		Audit:    log,
		now:      cfg.now,
		logger:   logger,
	}, nil
}

// Close closes the backup store and the audit log.
func (s *Stores) Close() error {
	return errors.Join(s.Backups.Close(), s.Audit.Close())
}
