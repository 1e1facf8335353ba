package registry

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
)

var (
	h1 = checksum.Bytes([]byte("content one"))
	h2 = checksum.Bytes([]byte("content two"))
)

func createTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ontology_versions.json")
	r, err := Open(path, nil)
	require.NoError(t, err)
	return r
}

func sampleRecord(id string) Record {
	return Record{
		Identifier:       id,
		SourceLocator:    "https://example.org/" + id,
		Destination:      id,
		CurrentChecksum:  h1,
		SizeBytes:        11,
		LastUpdated:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		LastChecked:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		DownloadAttempts: 1,
		Status:           StatusNew,
	}
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	r := createTestRegistry(t)
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get("bfo.owl")
	assert.False(t, ok)
	assert.NoFileExists(t, r.Path(), "file is created lazily on first put")
}

func TestPutGet_RoundTripThroughDisk(t *testing.T) {
	r := createTestRegistry(t)
	rec := sampleRecord("bfo.owl")
	rec.PreviousChecksum = Checksum(h2)
	rec.Status = StatusUpdated
	require.NoError(t, r.Put(rec))

	reopened, err := Open(r.Path(), nil)
	require.NoError(t, err)
	got, ok := reopened.Get("bfo.owl")
	require.True(t, ok)

	assert.Equal(t, rec.Identifier, got.Identifier)
	assert.Equal(t, rec.SourceLocator, got.SourceLocator)
	assert.Equal(t, rec.CurrentChecksum, got.CurrentChecksum)
	require.NotNil(t, got.PreviousChecksum)
	assert.Equal(t, h2, *got.PreviousChecksum)
	assert.True(t, rec.LastUpdated.Equal(got.LastUpdated))
	assert.Equal(t, StatusUpdated, got.Status)
	assert.Equal(t, int64(1), got.DownloadAttempts)
}

func TestPut_PreviousChecksumAbsentIsOmitted(t *testing.T) {
	r := createTestRegistry(t)
	require.NoError(t, r.Put(sampleRecord("bfo.owl")))

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "previous_checksum")
	assert.NotContains(t, string(data), "null")

	got, ok := r.Get("bfo.owl")
	require.True(t, ok)
	assert.False(t, got.HasPrevious())
}

func TestPut_RejectsInvalidRecords(t *testing.T) {
	r := createTestRegistry(t)

	bad := sampleRecord("")
	assert.Error(t, r.Put(bad))

	bad = sampleRecord("x.owl")
	bad.CurrentChecksum = "abc123"
	assert.Error(t, r.Put(bad))

	bad = sampleRecord("x.owl")
	bad.Status = "done"
	assert.Error(t, r.Put(bad))

	assert.Equal(t, 0, r.Len())
	assert.NoFileExists(t, r.Path())
}

func TestPut_IdenticalStateYieldsIdenticalBytes(t *testing.T) {
	r := createTestRegistry(t)
	require.NoError(t, r.Put(sampleRecord("b.owl")))
	require.NoError(t, r.Put(sampleRecord("a.owl")))
	first, err := os.ReadFile(r.Path())
	require.NoError(t, err)

	require.NoError(t, r.Put(sampleRecord("a.owl")))
	second, err := os.ReadFile(r.Path())
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Less(t, strings.Index(string(first), `"a.owl"`), strings.Index(string(first), `"b.owl"`))
}

func TestPut_FailedWriteLeavesStateUntouched(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "ontology_versions.json"), nil)
	require.NoError(t, err)
	require.NoError(t, r.Put(sampleRecord("a.owl")))

	// Replace the registry path with a directory so the rename fails.
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "ontology_versions.json", "x"), 0o755))
	r.path = filepath.Join(blocked, "ontology_versions.json")

	err = r.Put(sampleRecord("b.owl"))
	require.Error(t, err)
	_, ok := r.Get("b.owl")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestAll_SortedByIdentifier(t *testing.T) {
	r := createTestRegistry(t)
	for _, id := range []string{"uberon.owl", "bfo.owl", "go.owl"} {
		require.NoError(t, r.Put(sampleRecord(id)))
	}
	var ids []string
	for _, rec := range r.All() {
		ids = append(ids, rec.Identifier)
	}
	assert.Equal(t, []string{"bfo.owl", "go.owl", "uberon.owl"}, ids)
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := createTestRegistry(t)
	rec := sampleRecord("bfo.owl")
	rec.PreviousChecksum = Checksum(h2)
	require.NoError(t, r.Put(rec))

	got, _ := r.Get("bfo.owl")
	*got.PreviousChecksum = h1
	again, _ := r.Get("bfo.owl")
	assert.Equal(t, h2, *again.PreviousChecksum)
}

func TestDelete(t *testing.T) {
	r := createTestRegistry(t)
	require.NoError(t, r.Put(sampleRecord("a.owl")))
	require.NoError(t, r.Put(sampleRecord("b.owl")))

	require.NoError(t, r.Delete("a.owl"))
	require.NoError(t, r.Delete("missing.owl"))

	reopened, err := Open(r.Path(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Len())
	_, ok := reopened.Get("a.owl")
	assert.False(t, ok)
}

func TestReplace(t *testing.T) {
	r := createTestRegistry(t)
	require.NoError(t, r.Put(sampleRecord("old.owl")))

	require.NoError(t, r.Replace([]Record{sampleRecord("x.owl"), sampleRecord("y.owl")}))
	assert.Equal(t, 2, r.Len())
	_, ok := r.Get("old.owl")
	assert.False(t, ok)

	err := r.Replace([]Record{sampleRecord("x.owl"), sampleRecord("x.owl")})
	require.Error(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestConcurrentPuts(t *testing.T) {
	r := createTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := sampleRecord(string(rune('a'+i)) + ".owl")
			assert.NoError(t, r.Put(rec))
			_ = r.All()
		}(i)
	}
	wg.Wait()

	reopened, err := Open(r.Path(), nil)
	require.NoError(t, err)
	assert.Equal(t, 20, reopened.Len())
}

func TestOpen_CorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology_versions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestOpen_UnknownFormatFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology_versions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format":"other/v9","records":{}}`), 0o644))
	_, err := Open(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported registry format")
}

func TestOpen_ImportsLegacyTrackerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ontology_versions.json")
	legacy := `{
  "bfo.owl": {
    "url": "http://purl.obolibrary.org/obo/bfo.owl",
    "checksum": "` + h2 + `",
    "previous_checksum": "` + h1 + `",
    "last_updated": "2024-01-01T00:00:00.123456",
    "size_bytes": 1024,
    "version_history": [{"checksum": "` + h1 + `", "replaced_on": "2024-01-01T00:00:00"}]
  },
  "ro.owl": {
    "url": "http://purl.obolibrary.org/obo/ro.owl",
    "checksum": "` + h1 + `",
    "previous_checksum": null,
    "last_updated": "2024-01-01T00:00:00",
    "size_bytes": 10
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	r, err := Open(path, nil)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	bfo, ok := r.Get("bfo.owl")
	require.True(t, ok)
	assert.Equal(t, "http://purl.obolibrary.org/obo/bfo.owl", bfo.SourceLocator)
	assert.Equal(t, StatusUpdated, bfo.Status)
	require.NotNil(t, bfo.PreviousChecksum)
	assert.Equal(t, h1, *bfo.PreviousChecksum)
	assert.Equal(t, int64(1024), bfo.SizeBytes)

	ro, ok := r.Get("ro.owl")
	require.True(t, ok)
	assert.Equal(t, StatusNew, ro.Status)
	assert.False(t, ro.HasPrevious())

	// The next write upgrades the file to the current format.
	require.NoError(t, r.Put(ro))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), Format)
}
