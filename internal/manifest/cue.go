package manifest

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ParseCUE reads a manifest written in CUE. The value is unified with the
// embedded #Manifest definition, so unknown fields, malformed locators and
// bad scope names are rejected before any item is decoded.
func ParseCUE(data []byte, source string) (*Manifest, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(source))
	if err := value.Err(); err != nil {
		return nil, cueLoadError(ErrCodeParse, source, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(ErrCodeSchema, source, err)
	}

	var doc document
	if err := unified.Decode(&doc); err != nil {
		return nil, cueLoadError(ErrCodeSchema, source, err)
	}
	return fromDocument(doc, source)
}

// cueLoadError converts a CUE error, keeping the first position that
// points into the manifest file itself.
func cueLoadError(code, source string, err error) *LoadError {
	le := &LoadError{Code: code, Path: source, Message: err.Error()}
	for _, e := range cueerrors.Errors(err) {
		for _, pos := range cueerrors.Positions(e) {
			if pos.IsValid() && pos.Filename() == source {
				le.Line = pos.Line()
				return le
			}
		}
	}
	return le
}
