package tl

import (
	"sort"

	"golang.org/x/exp/maps"
)

// Patch compiles schema and overlays its entries on top of the given
// tables. The inputs are left untouched; entries absent from schema are
// carried over unchanged and entries present in both are overridden.
func Patch(schema string, readers ReaderMap, writers WriterMap, opts ...CompileOption) (ReaderMap, WriterMap, error) {
	entries, err := ParseSchema(schema)
	if err != nil {
		return nil, nil, err
	}
	newReaders, newWriters, err := Compile(entries, opts...)
	if err != nil {
		return nil, nil, err
	}
	return Merge(readers, newReaders), MergeWriters(writers, newWriters), nil
}

// Merge returns base overlaid with overlay. Neither input is modified.
func Merge(base, overlay ReaderMap) ReaderMap {
	out := make(ReaderMap, len(base)+len(overlay))
	maps.Copy(out, base)
	maps.Copy(out, overlay)
	return out
}

// MergeWriters returns base overlaid with overlay. Neither input is modified.
func MergeWriters(base, overlay WriterMap) WriterMap {
	out := maps.Clone(base)
	if out == nil {
		out = make(WriterMap, len(overlay))
	}
	maps.Copy(out, overlay)
	return out
}

// Names returns the sorted entry names of a writer table.
func (m WriterMap) Names() []string {
	names := maps.Keys(m)
	sort.Strings(names)
	return names
}

// IDs returns the sorted constructor ids of a reader table.
func (m ReaderMap) IDs() []uint32 {
	ids := maps.Keys(m)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
