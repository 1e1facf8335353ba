package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/audit"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/backup"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Identifier string
	Outcomes   []string
	Since      string
	Until      string
	Limit      int
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the audit log",
		Long: `Print audit log entries, oldest first.

Times accept RFC 3339 ("2025-01-15T12:00:00Z") or a plain date ("2025-01-15").

Example:
  cdm-versions history --id 'bfo*' --outcome failed --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Identifier, "id", "", "identifier glob")
	cmd.Flags().StringSliceVar(&opts.Outcomes, "outcome", nil, "outcomes to include (success_new, success_updated, skipped_unchanged, failed)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only entries at or after this time")
	cmd.Flags().StringVar(&opts.Until, "until", "", "only entries before this time")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "only the most recent N matching entries (0 = all)")

	return cmd
}

func (o *HistoryOptions) filter() (audit.Filter, error) {
	f := audit.Filter{Identifier: o.Identifier, Limit: o.Limit}
	for _, s := range o.Outcomes {
		out, err := audit.ParseOutcome(s)
		if err != nil {
			return f, err
		}
		f.Outcomes = append(f.Outcomes, out)
	}
	var err error
	if f.Since, err = parseTime(o.Since); err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	if f.Until, err = parseTime(o.Until); err != nil {
		return f, fmt.Errorf("--until: %w", err)
	}
	return f, f.Validate()
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	f, err := opts.filter()
	if err != nil {
		_ = out.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid history filter", err)
	}

	e, err := open(opts.RootOptions, cmd, "")
	if err != nil {
		return err
	}
	defer e.close()

	entries, err := e.stores.History(f)
	if err != nil {
		return fail(e.out, "history failed", err)
	}
	if e.out.JSON() {
		if entries == nil {
			entries = []audit.Entry{}
		}
		return e.out.Success(entries)
	}
	printHistory(e.out.Writer, entries)
	return nil
}

func printHistory(w io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No matching audit entries.")
		return
	}
	for _, en := range entries {
		line := fmt.Sprintf("%s  %5d  %-17s %s", en.Timestamp.UTC().Format(time.RFC3339), en.Seq, en.Outcome, en.Identifier)
		if en.Checksum != "" {
			line += " " + checksum.Short(en.Checksum)
		}
		if en.Detail != "" {
			line += "  " + en.Detail
		}
		fmt.Fprintln(w, line)
	}
}

// CleanOptions holds flags for the clean command.
type CleanOptions struct {
	*RootOptions
	Keep       int
	KeepDays   int
	All        bool
	Identifier string
	DryRun     bool
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Apply a retention policy to the backup store",
		Long: `Remove old backups. An entry survives when any enabled rule keeps it:
--keep keeps the newest N per identifier, --keep-days keeps entries younger
than N days. Without either flag the retention section of the config applies.
Current files and the registry are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Keep, "keep", 0, "keep the newest N backups per identifier")
	cmd.Flags().IntVar(&opts.KeepDays, "keep-days", 0, "keep backups younger than N days")
	cmd.Flags().BoolVar(&opts.All, "all", false, "remove every matched backup")
	cmd.Flags().StringVar(&opts.Identifier, "id", "", "only clean identifiers matching this glob")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would be removed")

	return cmd
}

func runClean(opts *CleanOptions, cmd *cobra.Command) error {
	e, err := open(opts.RootOptions, cmd, "")
	if err != nil {
		return err
	}
	defer e.close()

	p := backup.Policy{All: opts.All, Match: opts.Identifier, DryRun: opts.DryRun}
	if cmd.Flags().Changed("keep") || cmd.Flags().Changed("keep-days") {
		p.Keep, p.KeepDays = opts.Keep, opts.KeepDays
	} else {
		p.Keep, p.KeepDays = e.cfg.Retention.Keep, e.cfg.Retention.KeepDays
	}
	if err := p.Validate(); err != nil {
		_ = e.out.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid retention policy", err)
	}

	res, err := e.stores.Clean(cmd.Context(), p)
	if err != nil {
		return fail(e.out, "clean failed", err)
	}
	if e.out.JSON() {
		return e.out.Success(res)
	}
	verb := "Removed"
	if res.DryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(e.out.Writer, "%s %d backup(s), kept %d, freed %d bytes\n", verb, len(res.Removed), res.Kept, res.FreedBytes)
	for _, b := range res.Removed {
		fmt.Fprintf(e.out.Writer, "  %s %s %s\n", b.Identifier, checksum.Short(b.Checksum), b.CreatedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
