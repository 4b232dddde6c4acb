package tl

import (
	"fmt"
	"strconv"
	"strings"
)

// ReadFunc decodes the body of one constructor (its id already consumed).
type ReadFunc func(d *Decoder) (*Object, error)

// ReaderMap maps constructor ids to body readers.
type ReaderMap map[uint32]ReadFunc

// Writer encodes one entry.
type Writer struct {
	ID   uint32
	Name string
	// Write appends the entry's fields (without the constructor id).
	Write func(e *Encoder, obj *Object) error
	// Size returns the number of bytes Write would append. Nested boxed
	// objects are measured through m.
	Size func(m WriterMap, obj *Object) (int, error)
}

// WriterMap maps entry names to writers.
type WriterMap map[string]*Writer

// ObjectSize returns the boxed size of v (constructor id included).
func (m WriterMap) ObjectSize(v any) (int, error) {
	switch o := v.(type) {
	case *Object:
		if o == nil {
			return 0, ErrNilObject
		}
		w, ok := m[o.Type]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownType, o.Type)
		}
		n, err := w.Size(m, o)
		return n + 4, err
	case bool:
		return 4, nil
	case []any:
		total := 8
		for _, item := range o {
			n, err := m.ObjectSize(item)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, fmt.Errorf("tl: cannot size %T as object", v)
	}
}

// Encode serializes a boxed object into a right-sized buffer.
func (m WriterMap) Encode(obj *Object) ([]byte, error) {
	n, err := m.ObjectSize(obj)
	if err != nil {
		return nil, err
	}
	enc := NewEncoderWithCap(m, n)
	if err := enc.WriteObject(obj); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// Decode parses a boxed object.
func (m ReaderMap) Decode(data []byte) (*Object, error) {
	return NewDecoder(data, m).ReadBoxed()
}

// SchemaCompileError reports a schema authoring mistake found at compile time.
type SchemaCompileError struct {
	Entry    string
	Argument string
	Line     int
	Reason   string
}

func (e *SchemaCompileError) Error() string {
	var b strings.Builder
	b.WriteString("tl: schema: ")
	if e.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", e.Line)
	}
	b.WriteString(e.Entry)
	if e.Argument != "" {
		b.WriteString("." + e.Argument)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

// CompileOption configures Compile.
type CompileOption func(*compileOptions)

type compileOptions struct {
	includeFlags  bool
	methodReaders bool
}

// WithFlags emits raw flags words in decoded objects. Useful for debugging.
func WithFlags() CompileOption {
	return func(o *compileOptions) { o.includeFlags = true }
}

// WithMethodReaders also registers readers for methods, for tooling that
// needs to decode outgoing requests.
func WithMethodReaders() CompileOption {
	return func(o *compileOptions) { o.methodReaders = true }
}

type valueKind uint8

const (
	kindInt valueKind = iota
	kindLong
	kindDouble
	kindString
	kindBytes
	kindInt128
	kindInt256
	kindBool
	kindTrue
	kindFlags
	kindObject // boxed, resolved through the tables
	kindBare   // static constructor, no id on the wire
)

var primitiveKinds = map[string]valueKind{
	"int": kindInt, "long": kindLong, "double": kindDouble,
	"string": kindString, "bytes": kindBytes,
	"int128": kindInt128, "int256": kindInt256,
	"Bool": kindBool, "bool": kindBool, "true": kindTrue, "#": kindFlags,
}

type field struct {
	key  string // camelCase object key
	kind valueKind

	vector bool
	boxed  bool // vector constructor id present

	// optional argument: bit mask within flags[predSlot]
	predSlot int
	mask     uint32

	// flags argument slot number
	flagsSlot int

	bareID   uint32
	bareName string
}

func (f *field) predicated() bool { return f.predSlot >= 0 }

type compiled struct {
	name       string
	fields     []field
	flagSlots  int
	dependents [][]int // per flags slot: indices of predicated fields
	opts       compileOptions
}

// Compile turns schema entries into reader and writer tables.
//
// Schema errors (a predicate naming an unknown or non-# field, a bit out
// of range, an unresolved bare type) are returned as *SchemaCompileError.
func Compile(entries []*Entry, opts ...CompileOption) (ReaderMap, WriterMap, error) {
	var o compileOptions
	for _, opt := range opts {
		opt(&o)
	}

	readers := make(ReaderMap, len(entries))
	writers := make(WriterMap, len(entries))
	for _, e := range entries {
		c, err := compileEntry(e, o)
		if err != nil {
			return nil, nil, err
		}
		if e.Kind == KindConstructor || o.methodReaders {
			readers[e.ID] = c.read
		}
		writers[e.Name] = &Writer{ID: e.ID, Name: e.Name, Write: c.write, Size: c.size}
	}
	return readers, writers, nil
}

func compileEntry(e *Entry, o compileOptions) (*compiled, error) {
	c := &compiled{name: e.Name, opts: o}
	slots := make(map[string]int)

	fail := func(arg, format string, args ...any) error {
		return &SchemaCompileError{Entry: e.Name, Argument: arg, Line: e.Line, Reason: fmt.Sprintf(format, args...)}
	}

	for _, a := range e.Arguments {
		f := field{key: snakeToCamel(a.Name), predSlot: -1, flagsSlot: -1}

		if a.Predicate != "" {
			flagName, bitText, ok := strings.Cut(a.Predicate, ".")
			if !ok {
				return nil, fail(a.Name, "malformed predicate %q", a.Predicate)
			}
			slot, known := slots[flagName]
			if !known {
				return nil, fail(a.Name, "predicate %q references unknown flags field", a.Predicate)
			}
			bit, err := strconv.Atoi(bitText)
			if err != nil || bit < 0 || bit >= 32 {
				return nil, fail(a.Name, "predicate %q has invalid bit index", a.Predicate)
			}
			f.predSlot = slot
			f.mask = 1 << uint(bit)
		}

		kind, prim := primitiveKinds[a.Type]
		switch {
		case prim:
			f.kind = kind
		case a.IsBareType || a.IsBareUnion:
			if a.ConstructorID == 0 {
				return nil, fail(a.Name, "bare type %q has no constructor reference", a.Type)
			}
			f.kind = kindBare
			f.bareID = a.ConstructorID
			f.bareName = a.ConstructorName
		default:
			f.kind = kindObject
		}

		if f.kind == kindFlags {
			if a.IsVector || a.IsBareVector || a.Predicate != "" {
				return nil, fail(a.Name, "flags field cannot be optional or a vector")
			}
			f.flagsSlot = c.flagSlots
			slots[a.Name] = c.flagSlots
			c.flagSlots++
			c.dependents = append(c.dependents, nil)
		}
		if f.kind == kindTrue && (a.IsVector || a.IsBareVector) {
			return nil, fail(a.Name, "vector of true is not encodable")
		}

		f.vector = a.IsVector || a.IsBareVector
		f.boxed = a.IsVector

		if f.predicated() {
			c.dependents[f.predSlot] = append(c.dependents[f.predSlot], len(c.fields))
		}
		c.fields = append(c.fields, f)
	}
	return c, nil
}

func (c *compiled) read(d *Decoder) (*Object, error) {
	obj := &Object{Type: c.name, Fields: make(Fields, len(c.fields))}
	if len(c.fields) == 0 {
		return obj, nil
	}

	var flagsBuf [4]uint32
	flags := flagsBuf[:]
	if c.flagSlots > len(flagsBuf) {
		flags = make([]uint32, c.flagSlots)
	}

	for i := range c.fields {
		f := &c.fields[i]
		if f.kind == kindFlags {
			v, err := d.ReadUint()
			if err != nil {
				return nil, fmt.Errorf("tl: %s.%s: %w", c.name, f.key, err)
			}
			flags[f.flagsSlot] = v
			if c.opts.includeFlags {
				obj.Fields[f.key] = v
			}
			continue
		}
		if f.predicated() {
			set := flags[f.predSlot]&f.mask != 0
			if f.kind == kindTrue {
				obj.Fields[f.key] = set
				continue
			}
			if !set {
				obj.Fields[f.key] = nil
				continue
			}
		}
		v, err := f.readValue(d)
		if err != nil {
			return nil, fmt.Errorf("tl: %s.%s: %w", c.name, f.key, err)
		}
		obj.Fields[f.key] = v
	}
	return obj, nil
}

func (c *compiled) flagsWord(obj *Object, slot int) uint32 {
	var word uint32
	for _, idx := range c.dependents[slot] {
		f := &c.fields[idx]
		v := obj.Fields[f.key]
		if f.kind == kindTrue {
			if truthy(v) {
				word |= f.mask
			}
		} else if v != nil {
			word |= f.mask
		}
	}
	return word
}

func (c *compiled) write(e *Encoder, obj *Object) error {
	for i := range c.fields {
		f := &c.fields[i]
		if f.kind == kindFlags {
			e.WriteUint(c.flagsWord(obj, f.flagsSlot))
			continue
		}
		if f.kind == kindTrue {
			continue
		}
		v := obj.Fields[f.key]
		if f.predicated() && v == nil {
			continue
		}
		if err := f.writeValue(e, v); err != nil {
			return fmt.Errorf("tl: %s.%s: %w", c.name, f.key, err)
		}
	}
	return nil
}

func (c *compiled) size(m WriterMap, obj *Object) (int, error) {
	total := 0
	for i := range c.fields {
		f := &c.fields[i]
		switch {
		case f.kind == kindFlags:
			total += 4
			continue
		case f.kind == kindTrue:
			continue
		}
		v := obj.Fields[f.key]
		if f.predicated() && v == nil {
			continue
		}
		n, err := f.sizeValue(m, v)
		if err != nil {
			return 0, fmt.Errorf("tl: %s.%s: %w", c.name, f.key, err)
		}
		total += n
	}
	return total, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	default:
		return true
	}
}
