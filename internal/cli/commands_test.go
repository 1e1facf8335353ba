package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/acquire"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/audit"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/registry"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/scope"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/testutil"
)

// workspace is a temporary root with a fast-retry config file.
type workspace struct {
	t       *testing.T
	root    string
	config  string
	metrics string
	origin  *testutil.Origin
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	root := t.TempDir()
	w := &workspace{
		t:       t,
		root:    root,
		config:  filepath.Join(root, "cdm-versions.yaml"),
		metrics: filepath.Join(root, "metrics", "cdm.prom"),
		origin:  testutil.NewOrigin(t),
	}
	cfg := fmt.Sprintf(`concurrency: 2
timeout: 5s
max_retries: 2
base_delay: 1ms
max_delay: 1ms
jitter: false
metrics_file: %s
`, w.metrics)
	require.NoError(t, os.WriteFile(w.config, []byte(cfg), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Dir(w.metrics), 0o755))
	return w
}

// run executes the CLI against the workspace in the test scope.
func (w *workspace) run(args ...string) (string, string, int) {
	w.t.Helper()
	full := append([]string{"--root", w.root, "--config", w.config, "--scope", scope.Test}, args...)
	var out, errOut bytes.Buffer
	code := Execute(context.Background(), full, &out, &errOut)
	return out.String(), errOut.String(), code
}

// manifest writes a text manifest listing the given origin paths.
func (w *workspace) manifest(paths ...string) string {
	w.t.Helper()
	var b strings.Builder
	b.WriteString("# test ontologies\n")
	for _, p := range paths {
		b.WriteString(w.origin.URL(p) + "\n")
	}
	path := filepath.Join(w.root, "ontologies_source.txt")
	require.NoError(w.t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func (w *workspace) paths() scope.Paths {
	p, err := scope.Resolve(w.root, scope.Test)
	require.NoError(w.t, err)
	return p
}

func decodeResponse(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	resp := CLIResponse{Data: data}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestFetch_TextThenJSON(t *testing.T) {
	w := newWorkspace(t)
	w.origin.SetContent("/bfo.owl", []byte("bfo content"))
	w.origin.SetContent("/ro.owl", []byte("ro content"))
	m := w.manifest("/bfo.owl", "/ro.owl")

	out, errOut, code := w.run("fetch", m)
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "2 new, 0 updated, 0 unchanged, 0 failed")
	assert.Contains(t, out, "bfo.owl")

	data, err := os.ReadFile(filepath.Join(w.paths().DataRoot, "bfo.owl"))
	require.NoError(t, err)
	assert.Equal(t, "bfo content", string(data))

	out, errOut, code = w.run("--format", "json", "fetch", m)
	require.Equal(t, ExitSuccess, code, errOut)
	var res acquire.BatchResult
	resp := decodeResponse(t, out, &res)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, acquire.Counts{Unchanged: 2}, res.Counts)
	assert.Equal(t, scope.Test, res.Scope)

	prom, err := os.ReadFile(w.metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `cdm_versions_item_outcomes_total{outcome="unchanged",scope="test"} 2`)
}

func TestFetch_ItemFailureExitsOne(t *testing.T) {
	w := newWorkspace(t)
	w.origin.SetContent("/bfo.owl", []byte("bfo"))
	m := w.manifest("/bfo.owl", "/missing.owl")

	out, _, code := w.run("fetch", m)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "1 new")
	assert.Contains(t, out, "failed        missing.owl")
}

func TestFetch_StorageFailureExitsThree(t *testing.T) {
	w := newWorkspace(t)
	w.origin.SetContent("/bfo.owl", []byte("bfo"))
	m := w.manifest("/bfo.owl")
	// A directory where the registry file belongs cannot be read.
	require.NoError(t, os.MkdirAll(filepath.Join(w.paths().RegistryPath, "x"), 0o755))

	_, errOut, code := w.run("fetch", m)
	assert.Equal(t, ExitStorageError, code)
	assert.Contains(t, errOut, "E004")
}

func TestFetch_ManifestErrorsExitTwo(t *testing.T) {
	w := newWorkspace(t)

	_, errOut, code := w.run("fetch", filepath.Join(w.root, "nope.txt"))
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "M001")

	declared := filepath.Join(w.root, "m.yaml")
	require.NoError(t, os.WriteFile(declared, []byte("scope: production\nitems:\n  - id: a.owl\n    locator: http://example.org/a.owl\n"), 0o644))
	_, errOut, code = w.run("fetch", declared)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "declares")
}

func TestValidate_ReportsCorruption(t *testing.T) {
	w := newWorkspace(t)
	w.origin.SetContent("/bfo.owl", []byte("bfo"))
	_, _, code := w.run("fetch", w.manifest("/bfo.owl"))
	require.Equal(t, ExitSuccess, code)

	out, _, code := w.run("validate")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "All 1 tracked file(s) match")

	require.NoError(t, os.WriteFile(filepath.Join(w.paths().DataRoot, "bfo.owl"), []byte("bit rot"), 0o644))
	out, _, code = w.run("validate")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "mismatch")

	out, _, code = w.run("--format", "json", "validate")
	assert.Equal(t, ExitFailure, code)
	resp := decodeResponse(t, out, nil)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeIntegrity, resp.Error.Code)
}

func TestHistoryAndClean(t *testing.T) {
	w := newWorkspace(t)
	m := w.manifest("/bfo.owl")
	for _, v := range []string{"v1", "v2", "v3"} {
		w.origin.SetContent("/bfo.owl", []byte(v))
		_, errOut, code := w.run("fetch", m)
		require.Equal(t, ExitSuccess, code, errOut)
	}

	out, _, code := w.run("--format", "json", "history", "--outcome", "success_updated")
	require.Equal(t, ExitSuccess, code)
	var entries []audit.Entry
	decodeResponse(t, out, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "bfo.owl", entries[0].Identifier)

	out, _, code = w.run("history", "--id", "nothing*")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "No matching audit entries.")

	out, _, code = w.run("clean", "--keep", "1", "--dry-run")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Would remove 1 backup(s), kept 1")

	out, _, code = w.run("clean", "--keep", "1")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Removed 1 backup(s), kept 1")

	_, _, code = w.run("clean", "--keep", "-1")
	assert.Equal(t, ExitCommandError, code)
}

func TestReportCompareAndRebuild(t *testing.T) {
	w := newWorkspace(t)
	m := w.manifest("/bfo.owl")
	w.origin.SetContent("/bfo.owl", []byte("0123456789"))
	_, _, code := w.run("fetch", m)
	require.Equal(t, ExitSuccess, code)
	w.origin.SetContent("/bfo.owl", []byte("0123456789abcde"))
	_, _, code = w.run("fetch", m)
	require.Equal(t, ExitSuccess, code)

	out, _, code := w.run("report")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "# Ontology Version Report")
	assert.Contains(t, out, "## bfo.owl")

	htmlPath := filepath.Join(w.root, "out", "report.html")
	_, _, code = w.run("report", "--html", "--output", htmlPath)
	require.Equal(t, ExitSuccess, code)
	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<h2>bfo.owl</h2>")

	out, _, code = w.run("compare")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "| bfo.owl | 15 | 10 | +5 | +50.00% |")

	_, errOut, code := w.run("rebuild", m)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, errOut, "not empty")

	require.NoError(t, os.Remove(w.paths().RegistryPath))
	out, _, code = w.run("rebuild", m)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Rebuilt 1 record(s)")

	reg, err := registry.Open(w.paths().RegistryPath, nil)
	require.NoError(t, err)
	rec, ok := reg.Get("bfo.owl")
	require.True(t, ok)
	assert.Equal(t, registry.StatusNew, rec.Status)
}

func TestScopes_PrintsLayoutWithoutCreatingIt(t *testing.T) {
	w := newWorkspace(t)

	out, _, code := w.run("--format", "json", "scopes")
	require.Equal(t, ExitSuccess, code)
	var p scope.Paths
	decodeResponse(t, out, &p)
	assert.Equal(t, w.paths(), p)

	_, err := os.Stat(p.VersionsRoot)
	assert.True(t, os.IsNotExist(err))
}

func TestStatus_Golden(t *testing.T) {
	w := newWorkspace(t)
	paths := w.paths()
	require.NoError(t, paths.Ensure())
	reg, err := registry.Open(paths.RegistryPath, nil)
	require.NoError(t, err)

	prev := strings.Repeat("cd", 32)
	require.NoError(t, reg.Put(registry.Record{
		Identifier:       "bfo.owl",
		SourceLocator:    "http://purl.obolibrary.org/obo/bfo.owl",
		Destination:      "bfo.owl",
		CurrentChecksum:  strings.Repeat("ab", 32),
		PreviousChecksum: &prev,
		SizeBytes:        1234567,
		LastUpdated:      time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
		DownloadAttempts: 3,
		Status:           registry.StatusUpdated,
	}))
	require.NoError(t, reg.Put(registry.Record{
		Identifier:       "ro.owl",
		SourceLocator:    "http://purl.obolibrary.org/obo/ro.owl",
		Destination:      "ro.owl",
		CurrentChecksum:  strings.Repeat("0f", 32),
		SizeBytes:        42,
		LastUpdated:      time.Date(2025, 1, 10, 8, 30, 0, 0, time.UTC),
		DownloadAttempts: 4,
		Status:           registry.StatusFailed,
		LastError:        "fetch http://purl.obolibrary.org/obo/ro.owl: HTTP 503",
	}))

	out, errOut, code := w.run("status")
	require.Equal(t, ExitSuccess, code, errOut)

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "status", []byte(out))
}
