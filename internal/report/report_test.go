package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/registry"
	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/testutil"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func sampleRows() []VersionRow {
	return []VersionRow{
		{
			Record: registry.Record{
				Identifier:       "bfo.owl",
				SourceLocator:    "https://purl.obolibrary.org/obo/bfo.owl",
				Destination:      "bfo.owl",
				CurrentChecksum:  strings.Repeat("ab", 32),
				PreviousChecksum: registry.Checksum(strings.Repeat("01", 32)),
				SizeBytes:        1234567,
				LastUpdated:      testutil.Epoch,
				DownloadAttempts: 3,
				Status:           registry.StatusUpdated,
			},
			Backups: 2,
		},
		{
			Record: registry.Record{
				Identifier:       "ro.owl",
				SourceLocator:    "https://purl.obolibrary.org/obo/ro.owl",
				Destination:      "non-base-ontologies/ro.owl",
				CurrentChecksum:  strings.Repeat("cd", 32),
				SizeBytes:        42,
				LastUpdated:      testutil.Epoch.Add(-24 * time.Hour),
				DownloadAttempts: 2,
				Status:           registry.StatusFailed,
				LastError:        "http status 404",
			},
		},
	}
}

func TestWriteVersions_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVersions(&buf, "production", testutil.Epoch, sampleRows()))
	newGoldie(t).Assert(t, "version_report", buf.Bytes())
}

func TestWriteVersions_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteVersions(&buf, "test", testutil.Epoch, nil))
	assert.Equal(t, "# Ontology Version Report\n\nScope: test\nGenerated: 2025-01-15T12:00:00Z\n\nNo version information available.\n", buf.String())
}

func sampleComparisons() []Comparison {
	at := testutil.Epoch.Add(-time.Hour)
	prev := func(sum string, size int64) *Version {
		return &Version{Checksum: strings.Repeat(sum, 32), SizeBytes: size, CreatedAt: at}
	}
	return []Comparison{
		{Identifier: "bfo.owl", Current: Version{SizeBytes: 1200}, Previous: prev("ef", 1000)},
		{Identifier: "empty.owl", Current: Version{SizeBytes: 10}, Previous: prev("00", 0)},
		{Identifier: "go.owl", Current: Version{SizeBytes: 900}, Previous: prev("12", 1000)},
		{Identifier: "ro.owl", Current: Version{SizeBytes: 500}},
		{Identifier: "uberon.owl", Missing: true, Previous: prev("34", 2500000)},
	}
}

func TestWriteComparison_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteComparison(&buf, "production", testutil.Epoch, sampleComparisons()))
	newGoldie(t).Assert(t, "comparison_report", buf.Bytes())
}

func TestComparison_SizeChange(t *testing.T) {
	rows := sampleComparisons()

	delta, ok := rows[0].SizeChange()
	require.True(t, ok)
	assert.Equal(t, int64(200), delta)
	pct, ok := rows[0].SizeChangePercent()
	require.True(t, ok)
	assert.InDelta(t, 20.0, pct, 1e-9)

	_, ok = rows[1].SizeChangePercent()
	assert.False(t, ok, "empty previous version has no percentage")

	_, ok = rows[3].SizeChange()
	assert.False(t, ok, "no backup")

	_, ok = rows[4].SizeChange()
	assert.False(t, ok, "missing current file")
}

func TestHTML(t *testing.T) {
	var md bytes.Buffer
	require.NoError(t, WriteComparison(&md, "test", testutil.Epoch, sampleComparisons()))

	out, err := HTML(md.Bytes(), "Versions <test>")
	require.NoError(t, err)
	html := string(out)

	assert.True(t, strings.HasPrefix(html, "<!DOCTYPE html>\n"))
	assert.Contains(t, html, "<title>Versions &lt;test&gt;</title>")
	assert.Contains(t, html, "<h1>Ontology Version Comparison</h1>")
	assert.Contains(t, html, "<table>")
	assert.Contains(t, html, "<td>bfo.owl</td>")
	assert.True(t, strings.HasSuffix(html, "</body>\n</html>\n"))
}
