// Package report renders human-readable views of a scope's tracked
// versions: the version report and the backup comparison report. Both are
// Markdown; HTML converts either one for publishing.
package report

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/registry"
)

// checksumPrefix is how many hex digits of a checksum the reports show.
const checksumPrefix = 16

// VersionRow is one tracked item plus the number of archived versions.
type VersionRow struct {
	Record  registry.Record
	Backups int
}

// Version identifies one stored copy of an item's content.
type Version struct {
	Checksum  string    `json:"checksum"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Comparison sets an item's current content against its latest backup.
type Comparison struct {
	Identifier string   `json:"identifier"`
	Current    Version  `json:"current"`
	Previous   *Version `json:"previous,omitempty"`
	// Missing is set when the destination file is gone.
	Missing bool `json:"missing,omitempty"`
}

// SizeChange returns current minus previous size.
func (c Comparison) SizeChange() (int64, bool) {
	if c.Previous == nil || c.Missing {
		return 0, false
	}
	return c.Current.SizeBytes - c.Previous.SizeBytes, true
}

// SizeChangePercent returns the change relative to the previous size. It
// is undefined when there is no previous version or it was empty.
func (c Comparison) SizeChangePercent() (float64, bool) {
	delta, ok := c.SizeChange()
	if !ok || c.Previous.SizeBytes == 0 {
		return 0, false
	}
	return float64(delta) / float64(c.Previous.SizeBytes) * 100, true
}

var printer = message.NewPrinter(language.English)

// WriteVersions writes the version report for rows, which should already be
// sorted by identifier.
func WriteVersions(w io.Writer, scopeName string, generated time.Time, rows []VersionRow) error {
	var b strings.Builder
	b.WriteString("# Ontology Version Report\n\n")
	fmt.Fprintf(&b, "Scope: %s\n", scopeName)
	fmt.Fprintf(&b, "Generated: %s\n\n", stamp(generated))

	if len(rows) == 0 {
		b.WriteString("No version information available.\n")
	}
	for _, row := range rows {
		r := row.Record
		fmt.Fprintf(&b, "## %s\n\n", r.Identifier)
		fmt.Fprintf(&b, "- **URL**: %s\n", r.SourceLocator)
		fmt.Fprintf(&b, "- **Destination**: %s\n", r.Destination)
		fmt.Fprintf(&b, "- **Size**: %s bytes\n", printer.Sprintf("%d", r.SizeBytes))
		fmt.Fprintf(&b, "- **Checksum**: %s...\n", prefix(r.CurrentChecksum))
		fmt.Fprintf(&b, "- **Status**: %s\n", r.Status)
		fmt.Fprintf(&b, "- **Last Updated**: %s\n", stamp(r.LastUpdated))
		if r.LastError != "" {
			fmt.Fprintf(&b, "- **Last Error**: %s\n", r.LastError)
		}
		if row.Backups > 0 {
			fmt.Fprintf(&b, "- **Previous Versions**: %d\n", row.Backups)
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteComparison writes the comparison report as a Markdown table.
func WriteComparison(w io.Writer, scopeName string, generated time.Time, rows []Comparison) error {
	var b strings.Builder
	b.WriteString("# Ontology Version Comparison\n\n")
	fmt.Fprintf(&b, "Scope: %s\n", scopeName)
	fmt.Fprintf(&b, "Generated: %s\n\n", stamp(generated))

	if len(rows) == 0 {
		b.WriteString("No version information available.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString("| Identifier | Current (bytes) | Previous (bytes) | Change (bytes) | Change (%) | Previous checksum |\n")
	b.WriteString("|---|---:|---:|---:|---:|---|\n")
	for _, c := range rows {
		current := printer.Sprintf("%d", c.Current.SizeBytes)
		if c.Missing {
			current = "missing"
		}
		previous, change, percent, sum := "-", "-", "-", "-"
		if c.Previous != nil {
			previous = printer.Sprintf("%d", c.Previous.SizeBytes)
			sum = prefix(c.Previous.Checksum)
		}
		if delta, ok := c.SizeChange(); ok {
			change = signed(delta)
		}
		if pct, ok := c.SizeChangePercent(); ok {
			percent = fmt.Sprintf("%+.2f%%", pct)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s | %s |\n", c.Identifier, current, previous, change, percent, sum)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// HTML converts a Markdown report into a standalone HTML document.
func HTML(markdown []byte, title string) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.Table))

	var body bytes.Buffer
	if err := md.Convert(markdown, &body); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}

	var out bytes.Buffer
	out.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&out, "<title>%s</title>\n", html.EscapeString(title))
	out.WriteString("</head>\n<body>\n")
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func prefix(sum string) string {
	if len(sum) <= checksumPrefix {
		return sum
	}
	return sum[:checksumPrefix]
}

func signed(n int64) string {
	if n < 0 {
		return "-" + printer.Sprintf("%d", -n)
	}
	return "+" + printer.Sprintf("%d", n)
}
