package mtproto

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/tl"
)

// CheckSchemaFile parses and compiles the TL schema at path. Problems
// are returned as coded errors pointing at the offending line:
// E001 for syntax, E002 for flag predicates, E003 for bare types and
// E004 for a literal #id that differs from the computed one.
func CheckSchemaFile(path string) ([]*tl.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mterrors.New("E140").WithDetail("Cannot read " + path).Wrap(err)
	}
	return CheckSchema(string(data), path)
}

// CheckSchema is CheckSchemaFile for schema text. name labels error
// locations.
func CheckSchema(text, name string) ([]*tl.Entry, error) {
	entries, err := tl.ParseSchema(text)
	if err != nil {
		return nil, schemaError(err, name)
	}
	for _, e := range entries {
		if want := tl.ComputeConstructorID(e); want != e.ID {
			return nil, located(mterrors.New("E004"), name, e.Line).
				WithDetail(fmt.Sprintf("%s is declared as #%08x but its signature %q hashes to #%08x",
					e.Name, e.ID, tl.CanonicalSignature(e), want)).
				WithSuggestion(fmt.Sprintf("Use %s#%08x", e.Name, want))
		}
	}
	if _, _, err := tl.Compile(entries); err != nil {
		return nil, schemaError(err, name)
	}
	return entries, nil
}

func schemaError(err error, name string) error {
	var pe *tl.SchemaParseError
	if errors.As(err, &pe) {
		return located(mterrors.New("E001"), name, pe.Line).Wrap(pe.Err)
	}
	var ce *tl.SchemaCompileError
	if errors.As(err, &ce) {
		code := "E002"
		if strings.Contains(ce.Reason, "bare type") {
			code = "E003"
		}
		return located(mterrors.New(code), name, ce.Line).Wrap(err)
	}
	return mterrors.New("E001").Wrap(err)
}

func located(e *mterrors.Error, name string, line int) *mterrors.Error {
	if line <= 0 {
		return e
	}
	return e.WithLocation(name, line, 1)
}
