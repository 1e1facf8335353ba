// Package manifest loads the list of items an acquisition run tracks.
//
// Three formats are accepted, chosen by file extension:
//   - .yaml/.yml: a structured list with an optional declared scope
//   - .cue: the same shape, validated against an embedded CUE schema
//   - anything else: the line-oriented ontologies_source.txt format
package manifest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NonBaseDir is the destination subdirectory for items listed under a
// "non base version" header in a text manifest.
const NonBaseDir = "non-base-ontologies"

// Item is one trackable artifact.
type Item struct {
	ID      string `json:"id" yaml:"id"`
	Locator string `json:"locator" yaml:"locator"`
	// Dest is relative to the scope's data root.
	Dest string `json:"dest,omitempty" yaml:"dest,omitempty"`
}

// Manifest is a loaded and validated item list.
type Manifest struct {
	// Source is the file the manifest was read from, if any.
	Source string
	// Scope is the declared scope; empty when the format carries none.
	Scope string
	Items []Item
}

// IDs returns the item identifiers in manifest order.
func (m *Manifest) IDs() []string {
	ids := make([]string, len(m.Items))
	for i, it := range m.Items {
		ids[i] = it.ID
	}
	return ids
}

// Lookup returns the item with the given identifier.
func (m *Manifest) Lookup(id string) (Item, bool) {
	for _, it := range m.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Error codes carried by LoadError.
const (
	ErrCodeRead      = "M001" // file could not be read
	ErrCodeParse     = "M002" // syntax error
	ErrCodeSchema    = "M003" // CUE schema violation
	ErrCodeInvalid   = "M004" // item field invalid
	ErrCodeDuplicate = "M005" // identifier listed twice
	ErrCodeEmpty     = "M006" // no items
)

// LoadError describes a manifest problem with an optional line position.
type LoadError struct {
	Code    string
	Path    string
	Line    int
	Message string
}

func (e *LoadError) Error() string {
	loc := e.Path
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Path, e.Line)
	}
	if loc == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: [%s] %s", loc, e.Code, e.Message)
}

// Load reads a manifest, dispatching on the file extension.
func Load(p string) (*Manifest, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Path: p, Message: err.Error()}
	}
	var m *Manifest
	switch strings.ToLower(filepath.Ext(p)) {
	case ".yaml", ".yml":
		m, err = ParseYAML(data, p)
	case ".cue":
		m, err = ParseCUE(data, p)
	default:
		m, err = ParseText(data, p)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// normalize fills defaults and applies NFC to identifiers and destinations,
// then validates the whole list.
func normalize(m *Manifest, lines []int) error {
	seen := make(map[string]int, len(m.Items))
	dests := make(map[string]string, len(m.Items))
	for i := range m.Items {
		it := &m.Items[i]
		line := 0
		if lines != nil {
			line = lines[i]
		}
		it.ID = norm.NFC.String(strings.TrimSpace(it.ID))
		it.Locator = strings.TrimSpace(it.Locator)
		if it.Dest == "" {
			it.Dest = it.ID
		}
		it.Dest = norm.NFC.String(it.Dest)

		if err := validateItem(*it); err != nil {
			return &LoadError{Code: ErrCodeInvalid, Path: m.Source, Line: line, Message: err.Error()}
		}
		if prev, dup := seen[it.ID]; dup {
			msg := fmt.Sprintf("duplicate identifier %q (item %d)", it.ID, prev+1)
			return &LoadError{Code: ErrCodeDuplicate, Path: m.Source, Line: line, Message: msg}
		}
		seen[it.ID] = i
		dest := path.Clean(filepath.ToSlash(it.Dest))
		if other, dup := dests[dest]; dup {
			msg := fmt.Sprintf("items %q and %q share destination %q", other, it.ID, it.Dest)
			return &LoadError{Code: ErrCodeDuplicate, Path: m.Source, Line: line, Message: msg}
		}
		dests[dest] = it.ID
	}
	if len(m.Items) == 0 {
		return &LoadError{Code: ErrCodeEmpty, Path: m.Source, Message: "manifest lists no items"}
	}
	return nil
}

func validateItem(it Item) error {
	if it.ID == "" {
		return fmt.Errorf("item has no identifier")
	}
	if strings.ContainsAny(it.ID, "/\\") || it.ID == "." || it.ID == ".." {
		return fmt.Errorf("identifier %q must be a single name", it.ID)
	}
	if it.Locator == "" {
		return fmt.Errorf("item %q has no locator", it.ID)
	}
	clean := path.Clean(filepath.ToSlash(it.Dest))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("item %q destination %q escapes the data root", it.ID, it.Dest)
	}
	return nil
}
