package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/acquire"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fetch"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/metrics"
)

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	Force       bool
	Only        []string
	RunTimeout  time.Duration
	Concurrency int
	MaxRetries  int
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch <manifest>",
		Short: "Acquire every item of a manifest",
		Long: `Fetch every item listed in a manifest into the scope's data directory.

New content is recorded in the registry, changed content is installed after
the previous version has been archived, and byte-identical content leaves the
destination untouched. Every outcome is appended to the audit log.

Exit status is 1 when any item failed and 3 when the scope's own bookkeeping
could not be written.

Example:
  cdm-versions fetch ontologies_source.txt --scope test
  cdm-versions fetch manifest.yaml --only 'bfo*' --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "install fetched content even when it is unchanged")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, "restrict the run to identifiers matching these globs")
	cmd.Flags().DurationVar(&opts.RunTimeout, "timeout-run", 0, "stop dispatching new items after this long (0 = no limit)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "parallel fetch workers (overrides config)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 0, "attempts per item, first included (overrides config)")

	return cmd
}

func runFetch(opts *FetchOptions, manifestPath string, cmd *cobra.Command) error {
	m, scopeName, err := loadManifest(opts.RootOptions, cmd, manifestPath)
	if err != nil {
		return err
	}
	e, err := open(opts.RootOptions, cmd, scopeName)
	if err != nil {
		return err
	}
	defer e.close()

	cfg := e.cfg
	if opts.Concurrency > 0 {
		cfg.Concurrency = opts.Concurrency
	}
	if opts.MaxRetries > 0 {
		cfg.MaxRetries = opts.MaxRetries
	}
	e.out.VerboseLog("Loaded %d item(s) from %s", len(m.Items), manifestPath)

	recorder := metrics.New(e.paths.Name)
	fetcher, err := fetch.New(fetch.Config{
		StagingDir: e.paths.StagingRoot,
		Policy: fetch.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.GetBaseDelay(),
			MaxDelay:   cfg.GetMaxDelay(),
			Jitter:     cfg.Jitter,
		},
		Timeout:           cfg.GetTimeout(),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxContentSize:    cfg.MaxContentSize,
		UserAgent:         cfg.UserAgent,
	}, fetch.WithLogger(e.logger), fetch.WithObserver(recorder))
	if err != nil {
		return fail(e.out, "cannot configure fetcher", err)
	}

	coord := acquire.New(e.stores, fetcher,
		acquire.WithLogger(e.logger),
		acquire.WithConcurrency(cfg.Concurrency),
		acquire.WithSkip(cfg.Skip),
		acquire.WithForceBackupIdentical(cfg.ForceBackupIdentical),
		acquire.WithOutcomeObserver(recorder),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	res, runErr := coord.Run(ctx, m, acquire.RunOptions{Force: opts.Force, Only: opts.Only})
	if res == nil {
		return fail(e.out, "batch did not start", runErr)
	}

	recorder.ObserveRun(time.Since(start), res.FinishedAt)
	if cfg.MetricsFile != "" {
		if err := recorder.WriteTextfile(cfg.MetricsFile); err != nil {
			e.logger.Warn("could not write metrics file", "path", cfg.MetricsFile, "error", err)
		}
	}

	if runErr != nil {
		// Partial results are reported alongside the error.
		code, errCode := classify(runErr)
		var details any
		if e.out.JSON() {
			details = res
		} else {
			printBatch(e.out.Writer, res)
		}
		_ = e.out.Error(errCode, "batch aborted: "+runErr.Error(), details)
		return WrapExitError(code, "batch aborted", runErr)
	}
	if e.out.JSON() {
		if err := e.out.Success(res); err != nil {
			return err
		}
	} else {
		printBatch(e.out.Writer, res)
	}
	if res.HasFailures() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", res.Counts.Failed))
	}
	return nil
}

func printBatch(w io.Writer, res *acquire.BatchResult) {
	c := res.Counts
	fmt.Fprintf(w, "Run %s (scope %s): %d new, %d updated, %d unchanged, %d failed, %d skipped, %d not attempted\n",
		res.RunID, res.Scope, c.New, c.Updated, c.Unchanged, c.Failed, c.Skipped, c.NotAttempted)
	for _, it := range res.Items {
		line := fmt.Sprintf("  %-13s %s", it.Result, it.Identifier)
		if it.Checksum != "" {
			line += " " + checksum.Short(it.Checksum)
		}
		switch {
		case it.Error != "":
			line += "  " + it.Error
		case it.Detail != "":
			line += "  (" + it.Detail + ")"
		}
		fmt.Fprintln(w, line)
	}
}
