package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
)

const nonBaseMarker = "non base version"

// ParseText reads the line-oriented format: one locator per line, blank
// lines ignored, lines starting with '#' open a section. Locators in a
// section whose header mentions "non base version" are placed under
// NonBaseDir. Text manifests never declare a scope.
func ParseText(data []byte, source string) (*Manifest, error) {
	m := &Manifest{Source: source}
	var lines []int
	nonBase := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			nonBase = strings.Contains(strings.ToLower(line), nonBaseMarker)
			continue
		}
		id, err := IdentifierFor(line)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeParse, Path: source, Line: n, Message: err.Error()}
		}
		dest := id
		if nonBase {
			dest = path.Join(NonBaseDir, id)
		}
		m.Items = append(m.Items, Item{ID: id, Locator: line, Dest: dest})
		lines = append(lines, n)
	}
	if err := sc.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeRead, Path: source, Line: n + 1, Message: err.Error()}
	}
	if err := normalize(m, lines); err != nil {
		return nil, err
	}
	return m, nil
}

// IdentifierFor derives an identifier from a locator: the last path
// segment with a trailing ".gz" removed.
func IdentifierFor(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("malformed locator %q: %w", locator, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("locator %q has no scheme", locator)
	}
	base := path.Base(u.Path)
	base = strings.TrimSuffix(base, ".gz")
	if base == "" || base == "." || base == "/" {
		return "", fmt.Errorf("locator %q has no file name", locator)
	}
	return base, nil
}
