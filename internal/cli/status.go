package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/acquire"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/report"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/scope"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List tracked items and their current versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	e, err := open(opts, cmd, "")
	if err != nil {
		return err
	}
	defer e.close()

	rows, err := e.stores.Status(cmd.Context())
	if err != nil {
		return fail(e.out, "status failed", err)
	}
	if e.out.JSON() {
		return e.out.Success(rows)
	}
	printStatus(e.out.Writer, e.paths.Name, rows)
	return nil
}

func printStatus(w io.Writer, scopeName string, rows []report.VersionRow) {
	fmt.Fprintf(w, "Scope %s: %d tracked item(s)\n", scopeName, len(rows))
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(w, "%-28s %-10s %12s  %-8s %7s  %s\n", "IDENTIFIER", "STATUS", "SIZE", "CHECKSUM", "BACKUPS", "LAST UPDATED")
	for _, r := range rows {
		rec := r.Record
		fmt.Fprintf(w, "%-28s %-10s %12d  %-8s %7d  %s\n",
			rec.Identifier, rec.Status, rec.SizeBytes, checksum.Short(rec.CurrentChecksum), r.Backups,
			rec.LastUpdated.UTC().Format("2006-01-02T15:04:05Z"))
		if rec.LastError != "" {
			fmt.Fprintf(w, "    last error: %s\n", rec.LastError)
		}
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Recompute checksums of tracked files and compare with the registry",
		Long: `Recompute the checksum of every tracked file and compare it with the
registry. Mismatched, missing and unreadable files are reported and the
command exits 1. Nothing is repaired: corruption must be investigated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	e, err := open(opts, cmd, "")
	if err != nil {
		return err
	}
	defer e.close()

	v, err := e.stores.Validate(cmd.Context())
	if err != nil && !acquire.IsIntegrityError(err) {
		return fail(e.out, "validate failed", err)
	}

	if e.out.JSON() {
		if err != nil {
			_ = e.out.Error(ErrCodeIntegrity, err.Error(), v)
		} else if err := e.out.Success(v); err != nil {
			return err
		}
	} else {
		printValidation(e.out.Writer, v)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "integrity check failed", err)
	}
	return nil
}

func printValidation(w io.Writer, v acquire.Validation) {
	if len(v.Findings) == 0 {
		fmt.Fprintf(w, "\u2713 All %d tracked file(s) match the registry\n", v.Checked)
		return
	}
	fmt.Fprintf(w, "Checked %d tracked file(s): %d valid, %d problem(s)\n", v.Checked, v.Valid, len(v.Findings))
	for _, f := range v.Findings {
		line := fmt.Sprintf("  %-10s %s  %s", f.Kind, f.Identifier, f.Path)
		switch f.Kind {
		case acquire.FindingMismatch:
			line += fmt.Sprintf("  registry %s, on disk %s", checksum.Short(f.Tracked), checksum.Short(f.Actual))
		case acquire.FindingUnreadable:
			line += "  " + f.Detail
		}
		fmt.Fprintln(w, line)
	}
}

// NewScopesCommand creates the scopes command.
func NewScopesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scopes",
		Short: "Show the directory layout of a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := prepare(rootOpts, cmd, "")
			if err != nil {
				return err
			}
			if e.out.JSON() {
				return e.out.Success(e.paths)
			}
			printPaths(e.out.Writer, e.paths)
			return nil
		},
	}
}

func printPaths(w io.Writer, p scope.Paths) {
	fmt.Fprintf(w, "scope:           %s\n", p.Name)
	fmt.Fprintf(w, "data root:       %s\n", p.DataRoot)
	fmt.Fprintf(w, "versions root:   %s\n", p.VersionsRoot)
	fmt.Fprintf(w, "registry:        %s\n", p.RegistryPath)
	fmt.Fprintf(w, "audit log:       %s\n", p.AuditPath)
	fmt.Fprintf(w, "backups:         %s\n", p.BackupRoot)
	fmt.Fprintf(w, "backup manifest: %s\n", p.BackupManifest)
	fmt.Fprintf(w, "staging:         %s\n", p.StagingRoot)
}
