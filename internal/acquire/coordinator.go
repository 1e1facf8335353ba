// Package acquire drives batch acquisition runs and the maintenance
// queries over a scope's stores.
//
// A run fetches every manifest item through a bounded worker pool. Each
// item is classified against its registry record as new, unchanged,
// updated or failed. Updated items are archived in the backup store before
// the new content replaces them and before the registry moves on. Every
// classified item gets one audit entry.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/audit"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fetch"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fsutil"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/manifest"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/registry"
)

// DefaultConcurrency is the worker count when none is configured.
const DefaultConcurrency = 10

// Fetcher downloads a locator into a staging file.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) fetch.Outcome
}

// OutcomeObserver receives one call per item result.
type OutcomeObserver interface {
	ObserveOutcome(result string)
}

// Coordinator runs batches against one scope's stores.
type Coordinator struct {
	stores   *Stores
	fetcher  Fetcher
	logger   *slog.Logger
	now      func() time.Time
	newRunID func() string
	observer OutcomeObserver

	concurrency          int
	skip                 []string
	forceBackupIdentical bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the clock for registry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithRunIDs replaces the run ID generator (UUIDv7 by default).
func WithRunIDs(gen func() string) Option {
	return func(c *Coordinator) {
		c.newRunID = gen
	}
}

// WithConcurrency sets the number of parallel fetch workers.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithSkip sets identifier globs that are never fetched.
func WithSkip(patterns []string) Option {
	return func(c *Coordinator) {
		c.skip = append([]string(nil), patterns...)
	}
}

// WithForceBackupIdentical controls whether a forced update of
// byte-identical content still archives the current file.
func WithForceBackupIdentical(v bool) Option {
	return func(c *Coordinator) {
		c.forceBackupIdentical = v
	}
}

// WithOutcomeObserver attaches per-item instrumentation.
func WithOutcomeObserver(o OutcomeObserver) Option {
	return func(c *Coordinator) {
		c.observer = o
	}
}

// New creates a Coordinator over stores that fetches through f.
func New(stores *Stores, f Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		stores:  stores,
		fetcher: f,
		logger:  stores.logger,
		now:     stores.now,
		newRunID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
		concurrency:          DefaultConcurrency,
		forceBackupIdentical: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunOptions are per-run switches.
type RunOptions struct {
	// Force bypasses the unchanged short-circuit.
	Force bool
	// Only restricts the run to identifiers matching any of these globs.
	Only []string
}

// Run acquires every item of m.
//
// Item failures are recorded and the batch continues. A StorageError stops
// dispatch; it is returned together with the partial result. Cancelling ctx
// also stops dispatch, but fetches already in flight run to completion so
// no destination is left half written. Items never dispatched are reported
// as not_attempted.
func (c *Coordinator) Run(ctx context.Context, m *manifest.Manifest, opts RunOptions) (*BatchResult, error) {
	paths := c.stores.Paths
	if m.Scope != "" && m.Scope != paths.Name {
		return nil, fmt.Errorf("%w: %s declares %q, run scope is %q", ErrScopeMismatch, m.Source, m.Scope, paths.Name)
	}
	for _, p := range opts.Only {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid --only pattern %q", p)
		}
	}

	res := &BatchResult{
		RunID:     c.newRunID(),
		Scope:     paths.Name,
		StartedAt: c.now().UTC(),
	}
	logger := c.logger.With("run_id", res.RunID)

	swept, err := c.sweepOrphans()
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		logger.Warn("removed orphaned staging files", "count", swept)
	}

	var work []manifest.Item
	for _, it := range m.Items {
		if len(opts.Only) > 0 && !matchAny(opts.Only, it.ID) {
			continue
		}
		if matchAny(c.skip, it.ID) {
			logger.Info("skipping item", "id", it.ID)
			res.Items = append(res.Items, ItemResult{Identifier: it.ID, Locator: it.Locator, Result: ResultSkipped, Detail: "skip list"})
			c.observe(ResultSkipped)
			continue
		}
		work = append(work, it)
	}
	logger.Info("starting batch", "scope", paths.Name, "items", len(work), "workers", c.workers(len(work)), "force", opts.Force)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	jobs := make(chan manifest.Item)
	results := make(chan ItemResult)

	var wg sync.WaitGroup
	for i := 0; i < c.workers(len(work)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				if runCtx.Err() != nil {
					results <- ItemResult{Identifier: it.ID, Locator: it.Locator, Result: ResultNotAttempted}
					continue
				}
				ir, err := c.acquire(ctx, res.RunID, it, opts.Force)
				if err != nil {
					logger.Error("storage failure, stopping dispatch", "id", it.ID, "error", err)
					fatalMu.Lock()
					if fatal == nil {
						fatal = err
					}
					fatalMu.Unlock()
					stop()
				}
				results <- ir
			}
		}()
	}

	var pending []manifest.Item
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		defer close(jobs)
		for i, it := range work {
			if runCtx.Err() != nil {
				pending = work[i:]
				return
			}
			select {
			case jobs <- it:
			case <-runCtx.Done():
				pending = work[i:]
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for ir := range results {
		res.Items = append(res.Items, ir)
		c.observe(ir.Result)
	}
	<-dispatched
	for _, it := range pending {
		res.Items = append(res.Items, ItemResult{Identifier: it.ID, Locator: it.Locator, Result: ResultNotAttempted})
		c.observe(ResultNotAttempted)
	}

	res.FinishedAt = c.now().UTC()
	res.finish()
	logger.Info("batch finished",
		"new", res.Counts.New,
		"updated", res.Counts.Updated,
		"unchanged", res.Counts.Unchanged,
		"failed", res.Counts.Failed,
		"skipped", res.Counts.Skipped,
		"not_attempted", res.Counts.NotAttempted,
	)
	return res, fatal
}

func (c *Coordinator) workers(items int) int {
	if items < c.concurrency {
		return items
	}
	return c.concurrency
}

func (c *Coordinator) observe(r Result) {
	if c.observer != nil {
		c.observer.ObserveOutcome(string(r))
	}
}

// sweepOrphans removes staging files left by an interrupted run.
func (c *Coordinator) sweepOrphans() (int, error) {
	root := c.stores.Paths.StagingRoot
	matches, err := doublestar.Glob(os.DirFS(root), "**/*"+fetch.TempSuffix)
	if err != nil {
		return 0, &StorageError{Op: "scan staging directory", Err: err}
	}
	for _, rel := range matches {
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(rel))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, &StorageError{Op: "remove orphaned staging file", Err: err}
		}
	}
	return len(matches), nil
}

// item carries the state of one acquisition through its commit.
type item struct {
	manifest.Item
	runID   string
	dest    string
	prev    registry.Record
	had     bool
	out     fetch.Outcome
	now     time.Time
	details []string
	result  ItemResult
	logger  *slog.Logger
}

func (it *item) note(format string, args ...any) {
	it.details = append(it.details, fmt.Sprintf(format, args...))
}

func (it *item) detail() string {
	return strings.Join(it.details, "; ")
}

// acquire fetches one item and commits the outcome. The returned error is
// always a StorageError; item-level failures are reported in the result.
func (c *Coordinator) acquire(ctx context.Context, runID string, mi manifest.Item, force bool) (ItemResult, error) {
	it := &item{
		Item:   mi,
		runID:  runID,
		result: ItemResult{Identifier: mi.ID, Locator: mi.Locator},
		logger: c.logger.With("run_id", runID, "id", mi.ID),
	}
	it.prev, it.had = c.stores.Registry.Get(mi.ID)

	dest, err := c.stores.Paths.Destination(mi.Dest)
	if err != nil {
		return c.fail(it, 0, err.Error())
	}
	it.dest = dest

	// Fetches are not cancelled with the batch; a stopped batch only stops
	// dispatching.
	it.out = c.fetcher.Fetch(context.WithoutCancel(ctx), mi.Locator)
	it.result.Attempts = it.out.Attempts
	if !it.out.OK() {
		if it.out.Err.Kind == fetch.Storage {
			it.result.Result = ResultFailed
			it.result.Error = it.out.Err.Error()
			return it.result, &StorageError{Op: "stage download", Identifier: mi.ID, Err: it.out.Err}
		}
		return c.fail(it, it.out.Attempts, it.out.Err.Error())
	}
	defer removeStaging(it.logger, it.out.Path)

	it.now = c.now().UTC()
	it.result.Checksum = it.out.Checksum
	it.result.SizeBytes = it.out.Size
	if it.had && it.prev.SourceLocator != mi.Locator {
		it.note("locator changed from %s", it.prev.SourceLocator)
	}

	bctx := context.WithoutCancel(ctx)
	switch {
	case !it.had:
		return c.commitNew(bctx, it)
	case it.out.Checksum == it.prev.CurrentChecksum && !force:
		return c.commitUnchanged(it)
	default:
		if force {
			it.note("forced")
		}
		return c.commitUpdated(bctx, it)
	}
}

// commitNew installs the first version of an identifier. An untracked file
// already at the destination with different content is archived first.
func (c *Coordinator) commitNew(ctx context.Context, it *item) (ItemResult, error) {
	existing, _, err := checksum.File(it.dest)
	switch {
	case err == nil && existing != it.out.Checksum:
		entry, err := c.stores.Backups.Archive(ctx, it.ID, it.dest, existing)
		if err != nil {
			return c.storageFailure(it, "archive untracked file", err)
		}
		it.result.BackupPath = c.stores.Backups.Path(entry)
		it.note("archived untracked file %s", checksum.Short(existing))
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return c.storageFailure(it, "read destination", err)
	}

	if err := fsutil.MoveFile(it.out.Path, it.dest); err != nil {
		return c.storageFailure(it, "install", err)
	}
	rec := registry.Record{
		Identifier:       it.ID,
		SourceLocator:    it.Locator,
		Destination:      it.Dest,
		CurrentChecksum:  it.out.Checksum,
		SizeBytes:        it.out.Size,
		LastUpdated:      it.now,
		LastChecked:      it.now,
		DownloadAttempts: int64(it.out.Attempts),
		Status:           registry.StatusNew,
	}
	return c.commit(it, rec, ResultNew, audit.OutcomeNew)
}

// commitUnchanged records a fetch whose content matches the registry. The
// destination is not written unless it has gone missing.
func (c *Coordinator) commitUnchanged(it *item) (ItemResult, error) {
	rec := it.prev
	_, err := os.Stat(it.dest)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := fsutil.MoveFile(it.out.Path, it.dest); err != nil {
			return c.storageFailure(it, "restore destination", err)
		}
		rec.LastUpdated = it.now
		it.note("restored missing destination")
		it.logger.Warn("destination was missing, restored from fetched content", "path", it.dest)
	case err != nil:
		return c.storageFailure(it, "stat destination", err)
	}

	rec.SourceLocator = it.Locator
	rec.Destination = it.Dest
	rec.LastChecked = it.now
	rec.DownloadAttempts += int64(it.out.Attempts)
	rec.Status = registry.StatusUnchanged
	rec.LastError = ""
	if rec.PreviousChecksum != nil {
		it.result.PreviousChecksum = *rec.PreviousChecksum
	}
	return c.commit(it, rec, ResultUnchanged, audit.OutcomeUnchanged)
}

// commitUpdated archives the current file, then installs the new content,
// then moves the registry on.
func (c *Coordinator) commitUpdated(ctx context.Context, it *item) (ItemResult, error) {
	identical := it.out.Checksum == it.prev.CurrentChecksum
	if !identical || c.forceBackupIdentical {
		current, err := c.stores.Paths.Destination(it.prev.Destination)
		if err != nil {
			current = it.dest
		}
		_, err = os.Stat(current)
		switch {
		case err == nil:
			entry, err := c.stores.Backups.Archive(ctx, it.ID, current, it.prev.CurrentChecksum)
			if err != nil {
				return c.storageFailure(it, "archive", err)
			}
			it.result.BackupPath = c.stores.Backups.Path(entry)
		case errors.Is(err, fs.ErrNotExist):
			it.note("previous content missing, nothing archived")
			it.logger.Warn("previous content missing, nothing to archive", "path", current)
		default:
			return c.storageFailure(it, "stat destination", err)
		}
	}

	if err := fsutil.MoveFile(it.out.Path, it.dest); err != nil {
		return c.storageFailure(it, "install", err)
	}
	rec := it.prev
	rec.SourceLocator = it.Locator
	rec.Destination = it.Dest
	rec.PreviousChecksum = registry.Checksum(it.prev.CurrentChecksum)
	rec.CurrentChecksum = it.out.Checksum
	rec.SizeBytes = it.out.Size
	rec.LastUpdated = it.now
	rec.LastChecked = it.now
	rec.DownloadAttempts += int64(it.out.Attempts)
	rec.Status = registry.StatusUpdated
	rec.LastError = ""
	it.result.PreviousChecksum = it.prev.CurrentChecksum
	return c.commit(it, rec, ResultUpdated, audit.OutcomeUpdated)
}

// commit writes the registry record and then the audit entry.
func (c *Coordinator) commit(it *item, rec registry.Record, r Result, o audit.Outcome) (ItemResult, error) {
	if err := c.stores.Registry.Put(rec); err != nil {
		return c.storageFailure(it, "registry put", err)
	}
	if _, err := c.stores.Audit.Append(audit.Entry{
		Identifier: it.ID,
		Outcome:    o,
		Checksum:   rec.CurrentChecksum,
		Locator:    it.Locator,
		Detail:     it.detail(),
		RunID:      it.runID,
	}); err != nil {
		return c.storageFailure(it, "audit append", err)
	}
	it.result.Result = r
	it.result.Detail = it.detail()
	it.logger.Info("item acquired", "result", r, "checksum", checksum.Short(rec.CurrentChecksum), "size", rec.SizeBytes, "attempts", it.out.Attempts)
	return it.result, nil
}

// fail records an item-level failure. The destination file and the
// record's checksums are left as they were. An identifier that has never
// succeeded gets no record, only an audit entry.
func (c *Coordinator) fail(it *item, attempts int, msg string) (ItemResult, error) {
	it.result.Result = ResultFailed
	it.result.Error = msg
	it.logger.Warn("item failed", "error", msg, "attempts", attempts)

	if it.had {
		rec := it.prev
		rec.DownloadAttempts += int64(max(attempts, 1))
		rec.Status = registry.StatusFailed
		rec.LastError = msg
		if err := c.stores.Registry.Put(rec); err != nil {
			return it.result, &StorageError{Op: "registry put", Identifier: it.ID, Err: err}
		}
	}
	if _, err := c.stores.Audit.Append(audit.Entry{
		Identifier: it.ID,
		Outcome:    audit.OutcomeFailed,
		Locator:    it.Locator,
		Detail:     msg,
		RunID:      it.runID,
	}); err != nil {
		return it.result, &StorageError{Op: "audit append", Identifier: it.ID, Err: err}
	}
	return it.result, nil
}

func (c *Coordinator) storageFailure(it *item, op string, err error) (ItemResult, error) {
	it.result.Result = ResultFailed
	it.result.Error = err.Error()
	return it.result, &StorageError{Op: op, Identifier: it.ID, Err: err}
}

// removeStaging deletes a staging file that was not installed.
func removeStaging(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("could not remove staging file", "path", path, "error", err)
	}
}

func matchAny(patterns []string, id string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, id); ok {
			return true
		}
	}
	return false
}
