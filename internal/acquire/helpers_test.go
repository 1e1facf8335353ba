package acquire

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/fetch"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/manifest"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/scope"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/testutil"
)

// testEnv is one scope under a temporary root with a scripted origin.
type testEnv struct {
	t      *testing.T
	root   string
	paths  scope.Paths
	stores *Stores
	origin *testutil.Origin
	clock  *testutil.StepClock
	runIDs *testutil.SequentialRunIDs
}

func newTestEnv(t *testing.T, scopeName string) *testEnv {
	t.Helper()
	root := t.TempDir()
	return newTestEnvAt(t, root, scopeName, testutil.NewOrigin(t))
}

func newTestEnvAt(t *testing.T, root, scopeName string, origin *testutil.Origin) *testEnv {
	t.Helper()
	paths, err := scope.Resolve(root, scopeName)
	require.NoError(t, err)

	clock := testutil.NewStepClock(testutil.Epoch, time.Second)
	stores, err := OpenStores(paths, WithStoreClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	return &testEnv{
		t:      t,
		root:   root,
		paths:  paths,
		stores: stores,
		origin: origin,
		clock:  clock,
		runIDs: testutil.NewSequentialRunIDs("run"),
	}
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

// fetcher returns a real Fetcher staging into the scope with a three
// attempt budget and no backoff waits.
func (e *testEnv) fetcher() *fetch.Fetcher {
	e.t.Helper()
	f, err := fetch.New(fetch.Config{
		StagingDir: e.paths.StagingRoot,
		Policy:     fetch.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Timeout:    5 * time.Second,
	}, fetch.WithSleep(noSleep))
	require.NoError(e.t, err)
	return f
}

func (e *testEnv) coordinator(opts ...Option) *Coordinator {
	base := []Option{WithClock(e.clock.Now), WithRunIDs(e.runIDs.Generate), WithConcurrency(4)}
	return New(e.stores, e.fetcher(), append(base, opts...)...)
}

func (e *testEnv) coordinatorWith(f Fetcher, opts ...Option) *Coordinator {
	base := []Option{WithClock(e.clock.Now), WithRunIDs(e.runIDs.Generate)}
	return New(e.stores, f, append(base, opts...)...)
}

// item serves content at /<id> and returns a manifest item for it.
func (e *testEnv) item(id string, content []byte) manifest.Item {
	e.origin.SetContent("/"+id, content)
	return manifest.Item{ID: id, Locator: e.origin.URL("/" + id), Dest: id}
}

func (e *testEnv) run(items []manifest.Item, opts RunOptions, copts ...Option) *BatchResult {
	e.t.Helper()
	res, err := e.coordinator(copts...).Run(context.Background(), &manifest.Manifest{Items: items}, opts)
	require.NoError(e.t, err)
	return res
}

func (e *testEnv) dest(rel string) string {
	return filepath.Join(e.paths.DataRoot, filepath.FromSlash(rel))
}

func (e *testEnv) readDest(rel string) []byte {
	e.t.Helper()
	data, err := os.ReadFile(e.dest(rel))
	require.NoError(e.t, err)
	return data
}

// backdate sets the destination's mtime far in the past so any rewrite
// is detectable.
func (e *testEnv) backdate(rel string) time.Time {
	e.t.Helper()
	old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(e.t, os.Chtimes(e.dest(rel), old, old))
	return old
}

func (e *testEnv) modTime(rel string) time.Time {
	e.t.Helper()
	info, err := os.Stat(e.dest(rel))
	require.NoError(e.t, err)
	return info.ModTime().UTC()
}

// snapshot maps every regular file under dir to its checksum.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return out
	}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		sum, _, err := checksum.File(path)
		if err != nil {
			return err
		}
		out[path] = sum
		return nil
	})
	require.NoError(t, err)
	return out
}

// stagedFetcher is a Fetcher stub that stages fixed content without any
// network, optionally blocking until released.
type stagedFetcher struct {
	t       *testing.T
	staging string
	content map[string][]byte

	mu      sync.Mutex
	calls   []string
	block   chan struct{}
	started chan string
}

func newStagedFetcher(t *testing.T, staging string) *stagedFetcher {
	return &stagedFetcher{t: t, staging: staging, content: map[string][]byte{}}
}

func (f *stagedFetcher) Fetch(ctx context.Context, locator string) fetch.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, locator)
	block, started := f.block, f.started
	body, ok := f.content[locator]
	f.mu.Unlock()

	if started != nil {
		started <- locator
	}
	if block != nil {
		<-block
	}
	if !ok {
		return fetch.Outcome{Locator: locator, Attempts: 1, Err: &fetch.Error{Kind: fetch.Permanent, Locator: locator, Status: 404, Err: os.ErrNotExist}}
	}

	tmp, err := os.CreateTemp(f.staging, "fetch-*"+fetch.TempSuffix)
	require.NoError(f.t, err)
	_, err = tmp.Write(body)
	require.NoError(f.t, err)
	require.NoError(f.t, tmp.Close())
	return fetch.Outcome{Locator: locator, Path: tmp.Name(), Size: int64(len(body)), Checksum: checksum.Bytes(body), Attempts: 1}
}

func (f *stagedFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
