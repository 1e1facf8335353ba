package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/acquire"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/config"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/manifest"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/scope"
)

// env is what a command needs to work on one scope.
type env struct {
	opts   *RootOptions
	out    *OutputFormatter
	logger *slog.Logger
	cfg    config.Config
	paths  scope.Paths
	stores *acquire.Stores
}

func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if opts.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // keep JSON on stdout clean
		Verbose:   opts.Verbose,
	}
}

// prepare loads configuration and resolves the scope without touching the
// filesystem beyond reading the config file.
func prepare(opts *RootOptions, cmd *cobra.Command, scopeName string) (*env, error) {
	e := &env{
		opts:   opts,
		out:    newFormatter(opts, cmd),
		logger: newLogger(opts, cmd.ErrOrStderr()),
	}
	cfg, err := config.Load(opts.ConfigPath, e.logger)
	if err != nil {
		_ = e.out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	e.cfg = cfg

	root := cfg.Root
	if opts.Root != "" {
		root = opts.Root
	}
	if scopeName == "" {
		scopeName = opts.Scope
	}
	paths, err := scope.Resolve(root, scopeName)
	if err != nil {
		_ = e.out.Error(ErrCodeGeneric, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "cannot resolve scope", err)
	}
	e.paths = paths
	e.logger = e.logger.With("scope", paths.Name)
	return e, nil
}

// open is prepare followed by opening the scope's stores.
func open(opts *RootOptions, cmd *cobra.Command, scopeName string) (*env, error) {
	e, err := prepare(opts, cmd, scopeName)
	if err != nil {
		return nil, err
	}
	stores, err := acquire.OpenStores(e.paths, acquire.WithStoreLogger(e.logger))
	if err != nil {
		return nil, fail(e.out, "cannot open scope stores", err)
	}
	e.stores = stores
	e.out.VerboseLog("Scope %s: data %s, versions %s", e.paths.Name, e.paths.DataRoot, e.paths.VersionsRoot)
	return e, nil
}

func (e *env) close() {
	if e.stores == nil {
		return
	}
	if err := e.stores.Close(); err != nil {
		e.logger.Error("error closing stores", "error", err)
	}
}

// loadManifest reads a manifest and settles the run scope. A manifest that
// declares a scope wins over the default; an explicit --scope that
// contradicts it is a command error.
func loadManifest(opts *RootOptions, cmd *cobra.Command, path string) (*manifest.Manifest, string, error) {
	m, err := manifest.Load(path)
	if err != nil {
		_ = newFormatter(opts, cmd).Error(ErrCodeManifest, err.Error(), nil)
		return nil, "", WrapExitError(ExitCommandError, "cannot load manifest", err)
	}
	if m.Scope == "" {
		return m, opts.Scope, nil
	}
	if f := cmd.Flag("scope"); f != nil && f.Changed && opts.Scope != m.Scope {
		err := fmt.Errorf("%w: %s declares %q, --scope is %q", acquire.ErrScopeMismatch, path, m.Scope, opts.Scope)
		_ = newFormatter(opts, cmd).Error(ErrCodeGeneric, err.Error(), nil)
		return nil, "", WrapExitError(ExitCommandError, "scope conflict", err)
	}
	return m, m.Scope, nil
}
