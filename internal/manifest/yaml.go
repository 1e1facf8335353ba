package manifest

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

// document is the shared shape of YAML and CUE manifests.
type document struct {
	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Items []Item `json:"items" yaml:"items"`
}

// ParseYAML reads a structured manifest:
//
//	scope: test
//	items:
//	  - id: bfo.owl
//	    locator: https://example.org/bfo.owl
//	    dest: bfo.owl
//
// Unknown fields are rejected. dest defaults to id.
func ParseYAML(data []byte, source string) (*Manifest, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Code: ErrCodeEmpty, Path: source, Message: "manifest is empty"}
		}
		return nil, &LoadError{Code: ErrCodeParse, Path: source, Message: err.Error()}
	}
	return fromDocument(doc, source)
}

func fromDocument(doc document, source string) (*Manifest, error) {
	m := &Manifest{Source: source, Scope: doc.Scope, Items: doc.Items}
	if err := normalize(m, nil); err != nil {
		return nil, err
	}
	return m, nil
}
