package tl

import (
	_ "embed"
	"fmt"
	"sync"
)

// Layer is the API layer of the embedded schema subset.
const Layer = 181

//go:embed schema/mtproto.tl
var mtprotoSchema string

//go:embed schema/api.tl
var apiSchema string

// MTProtoSchema returns the embedded service-layer schema text.
func MTProtoSchema() string { return mtprotoSchema }

// APISchema returns the embedded API subset schema text.
func APISchema() string { return apiSchema }

var (
	defaultOnce    sync.Once
	defaultReaders ReaderMap
	defaultWriters WriterMap
)

// Default returns tables compiled from the embedded schemas. The tables
// are shared; use Patch to extend them without mutating the shared copy.
func Default() (ReaderMap, WriterMap) {
	defaultOnce.Do(func() {
		var err error
		defaultReaders, defaultWriters, err = CompileDocuments([]string{mtprotoSchema, apiSchema})
		if err != nil {
			panic(fmt.Sprintf("tl: embedded schema: %v", err))
		}
	})
	return defaultReaders, defaultWriters
}

// CompileDocuments compiles several schema documents as one schema.
// Each document starts in the types section, so a trailing
// ---functions--- in one does not carry over to the next.
func CompileDocuments(docs []string, opts ...CompileOption) (ReaderMap, WriterMap, error) {
	entries, err := ParseSchemas(docs...)
	if err != nil {
		return nil, nil, err
	}
	return Compile(entries, opts...)
}

// CompileText parses and compiles a schema document.
func CompileText(schema string, opts ...CompileOption) (ReaderMap, WriterMap, error) {
	entries, err := ParseSchema(schema)
	if err != nil {
		return nil, nil, err
	}
	return Compile(entries, opts...)
}
