package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/scope"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	LogFormat  string // "text" | "json"
	Root       string
	ConfigPath string
	Scope      string

	// Now overrides the clock used for report timestamps (for testing).
	// If nil, defaults to time.Now.
	Now func() time.Time
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cdm-versions CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cdm-versions",
		Short: "Version-tracked ontology acquisition",
		Long: `Fetch ontology artifacts into an isolated scope, keeping a checksum
registry, an append-only audit log and backups of every superseded version.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if !slices.Contains(ValidFormats, opts.LogFormat) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid log format %q: must be one of %v", opts.LogFormat, ValidFormats))
			}
			if err := scope.ValidateName(opts.Scope); err != nil {
				return WrapExitError(ExitCommandError, "invalid --scope", err)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "text", "log format on stderr (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Root, "root", "", "directory holding the scope layouts (overrides config root)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./cdm-versions.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.Scope, "scope", scope.Production, "environment scope")

	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewCleanCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewCompareCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewScopesCommand(opts))

	return cmd
}

func (o *RootOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Execute runs the command tree with args and returns the process exit
// code. Errors that are not ExitErrors come from cobra itself (unknown
// command, bad flag, wrong argument count) and map to ExitCommandError.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintf(stderr, "cdm-versions: %v\n", err)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return ExitCommandError
	}
	return exitErr.Code
}
