package cli

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fsutil"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/report"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Output string
	HTML   bool
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write a markdown version report",
		Long: `Write a report of every tracked item: locator, size, checksum, last
update and the number of archived previous versions.

Example:
  cdm-versions report --output version_report.md
  cdm-versions report --html --output version_report.html`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the report to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.HTML, "html", false, "render the report as HTML")

	return cmd
}

func runReport(opts *ReportOptions, cmd *cobra.Command) error {
	e, err := open(opts.RootOptions, cmd, "")
	if err != nil {
		return err
	}
	defer e.close()

	rows, err := e.stores.Status(cmd.Context())
	if err != nil {
		return fail(e.out, "report failed", err)
	}
	var buf bytes.Buffer
	if err := report.WriteVersions(&buf, e.paths.Name, opts.now(), rows); err != nil {
		return fail(e.out, "report failed", err)
	}
	return emit(e, &buf, opts.Output, opts.HTML, "Ontology Version Report")
}

// NewCompareCommand creates the compare command.
func NewCompareCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare current files with their most recent backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the comparison to this file instead of stdout")
	cmd.Flags().BoolVar(&opts.HTML, "html", false, "render the comparison as HTML")

	return cmd
}

func runCompare(opts *ReportOptions, cmd *cobra.Command) error {
	e, err := open(opts.RootOptions, cmd, "")
	if err != nil {
		return err
	}
	defer e.close()

	rows, err := e.stores.Compare(cmd.Context())
	if err != nil {
		return fail(e.out, "compare failed", err)
	}
	if e.out.JSON() && opts.Output == "" {
		return e.out.Success(rows)
	}
	var buf bytes.Buffer
	if err := report.WriteComparison(&buf, e.paths.Name, opts.now(), rows); err != nil {
		return fail(e.out, "compare failed", err)
	}
	return emit(e, &buf, opts.Output, opts.HTML, "Ontology Version Comparison")
}

// emit writes a markdown document to stdout or to path, optionally as HTML.
func emit(e *env, md *bytes.Buffer, path string, html bool, title string) error {
	data := md.Bytes()
	if html {
		rendered, err := report.HTML(data, title)
		if err != nil {
			return fail(e.out, "render failed", err)
		}
		data = rendered
	}
	if path == "" {
		if e.out.JSON() {
			return e.out.Success(map[string]string{"content": string(data)})
		}
		_, err := e.out.Writer.Write(data)
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		_ = e.out.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, "cannot write report", err)
	}
	e.logger.Info("report written", "path", path, "bytes", len(data))
	if e.out.JSON() {
		return e.out.Success(map[string]any{"path": path, "bytes": len(data)})
	}
	return nil
}

// RebuildOptions holds flags for the rebuild command.
type RebuildOptions struct {
	*RootOptions
	Force bool
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebuild <manifest>",
		Short: "Recreate the registry from files on disk",
		Long: `Recreate the registry from the destination files of a manifest's items,
for use after the registry file has been lost. Rebuilt records have status
new and zero download attempts; items without a file are listed as missing.

A registry that still has records is only replaced with --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebuild(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace a non-empty registry")

	return cmd
}

func runRebuild(opts *RebuildOptions, manifestPath string, cmd *cobra.Command) error {
	m, scopeName, err := loadManifest(opts.RootOptions, cmd, manifestPath)
	if err != nil {
		return err
	}
	e, err := open(opts.RootOptions, cmd, scopeName)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.stores.Rebuild(cmd.Context(), m, opts.Force)
	if err != nil {
		return fail(e.out, "rebuild failed", err)
	}
	if e.out.JSON() {
		return e.out.Success(res)
	}
	fmt.Fprintf(e.out.Writer, "Rebuilt %d record(s) from %s\n", len(res.Rebuilt), manifestPath)
	for _, id := range res.Missing {
		fmt.Fprintf(e.out.Writer, "  missing %s\n", id)
	}
	return nil
}
