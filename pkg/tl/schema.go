package tl

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// EntryKind distinguishes constructors from methods.
type EntryKind uint8

const (
	KindConstructor EntryKind = iota
	KindMethod
)

func (k EntryKind) String() string {
	if k == KindMethod {
		return "method"
	}
	return "constructor"
}

// Entry is a single schema declaration.
type Entry struct {
	Kind      EntryKind
	Name      string
	ID        uint32
	Generics  []Generic
	Arguments []Argument
	// Type is the result type (for constructors, the boxed type they belong to).
	Type string
	// Line is the 1-based source line, or 0 when built programmatically.
	Line int
}

// Generic is a {X:Type} parameter of a method.
type Generic struct {
	Name string
	Type string
}

// Argument is one typed field of an entry.
type Argument struct {
	Name string
	// Type is the element type with vector and predicate modifiers removed.
	// A leading '%' (bare union) or '!' (generic query) is kept.
	Type string
	// Predicate is "flagsField.bit" for optional arguments.
	Predicate string

	IsVector     bool
	IsBareVector bool
	IsBareType   bool
	IsBareUnion  bool

	// ConstructorID and ConstructorName reference the constructor used
	// for bare types. They are filled in by ParseSchema.
	ConstructorID   uint32
	ConstructorName string

	// typeText is the type exactly as written, used for id computation.
	typeText string
}

// primitive types understood by the codec directly.
var primitives = map[string]bool{
	"int": true, "long": true, "double": true, "string": true, "bytes": true,
	"int128": true, "int256": true, "Bool": true, "bool": true, "true": true,
	"#": true, "Object": true, "Type": true,
}

// IsPrimitive reports whether typ is read without a constructor lookup.
func IsPrimitive(typ string) bool {
	return primitives[typ]
}

// ParseSchema parses a TL schema document into entries and resolves bare
// type references. Unresolvable references are left with a zero
// ConstructorID and reported by Compile.
func ParseSchema(text string) ([]*Entry, error) {
	var entries []*Entry
	kind := KindConstructor

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "//"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		switch line {
		case "":
			continue
		case "---functions---":
			kind = KindMethod
			continue
		case "---types---":
			kind = KindConstructor
			continue
		}
		if isBuiltinDeclaration(line) {
			continue
		}
		entry, err := parseEntry(line, kind)
		if err != nil {
			return nil, &SchemaParseError{Line: lineNo, Err: err}
		}
		entry.Line = lineNo
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	ResolveBareTypes(entries)
	return entries, nil
}

// ParseSchemas parses each document on its own and resolves bare type
// references across all of them.
func ParseSchemas(docs ...string) ([]*Entry, error) {
	var entries []*Entry
	for _, doc := range docs {
		parsed, err := ParseSchema(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, parsed...)
	}
	ResolveBareTypes(entries)
	return entries, nil
}

// SchemaParseError reports a declaration that could not be parsed.
type SchemaParseError struct {
	Line int
	Err  error
}

func (e *SchemaParseError) Error() string {
	return fmt.Sprintf("tl: line %d: %v", e.Line, e.Err)
}

func (e *SchemaParseError) Unwrap() error { return e.Err }

func isBuiltinDeclaration(line string) bool {
	return strings.Contains(line, " ? = ") ||
		strings.HasPrefix(line, "vector ") ||
		strings.HasPrefix(line, "vector#")
}

func parseEntry(line string, kind EntryKind) (*Entry, error) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	eq := strings.LastIndex(line, " = ")
	if eq < 0 {
		return nil, fmt.Errorf("missing result type in %q", line)
	}
	head := strings.Fields(line[:eq])
	result := strings.TrimSpace(line[eq+3:])
	if len(head) == 0 || result == "" {
		return nil, fmt.Errorf("malformed declaration %q", line)
	}

	entry := &Entry{Kind: kind, Type: result}
	name := head[0]
	if i := strings.IndexByte(name, '#'); i >= 0 {
		id, err := strconv.ParseUint(name[i+1:], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid constructor id in %q", name)
		}
		entry.ID = uint32(id)
		name = name[:i]
	}
	entry.Name = name

	for _, tok := range head[1:] {
		if strings.HasPrefix(tok, "{") {
			g := strings.Trim(tok, "{}")
			gn, gt, ok := strings.Cut(g, ":")
			if !ok {
				return nil, fmt.Errorf("malformed generic %q", tok)
			}
			entry.Generics = append(entry.Generics, Generic{Name: gn, Type: gt})
			continue
		}
		arg, err := parseArgument(tok)
		if err != nil {
			return nil, err
		}
		entry.Arguments = append(entry.Arguments, arg)
	}

	if entry.ID == 0 {
		entry.ID = ComputeConstructorID(entry)
	}
	return entry, nil
}

func parseArgument(tok string) (Argument, error) {
	name, typ, ok := strings.Cut(tok, ":")
	if !ok || name == "" || typ == "" {
		return Argument{}, fmt.Errorf("malformed argument %q", tok)
	}
	arg := Argument{Name: name, typeText: typ}

	if pred, rest, ok := strings.Cut(typ, "?"); ok {
		arg.Predicate = pred
		typ = rest
	}

	switch {
	case strings.HasPrefix(typ, "Vector<") && strings.HasSuffix(typ, ">"):
		arg.IsVector = true
		typ = typ[len("Vector<") : len(typ)-1]
	case strings.HasPrefix(typ, "vector<") && strings.HasSuffix(typ, ">"):
		arg.IsBareVector = true
		typ = typ[len("vector<") : len(typ)-1]
	}

	switch {
	case strings.HasPrefix(typ, "%"):
		arg.IsBareUnion = true
	case !primitives[typ] && !strings.HasPrefix(typ, "!") && isLowerStart(typ):
		arg.IsBareType = true
	}
	arg.Type = typ
	return arg, nil
}

// isLowerStart reports whether the unqualified part of a type name starts
// with a lowercase letter (e.g. "message", "storage.fileJpeg").
func isLowerStart(typ string) bool {
	if i := strings.LastIndexByte(typ, '.'); i >= 0 {
		typ = typ[i+1:]
	}
	return typ != "" && typ[0] >= 'a' && typ[0] <= 'z'
}

// ResolveBareTypes fills ConstructorID/ConstructorName for bare type
// and bare union arguments. A bare union resolves only when its boxed
// type has exactly one constructor.
func ResolveBareTypes(entries []*Entry) {
	byName := make(map[string]*Entry)
	byType := make(map[string][]*Entry)
	for _, e := range entries {
		if e.Kind != KindConstructor {
			continue
		}
		byName[e.Name] = e
		byType[e.Type] = append(byType[e.Type], e)
	}

	for _, e := range entries {
		for i := range e.Arguments {
			arg := &e.Arguments[i]
			switch {
			case arg.IsBareUnion:
				if ctors := byType[strings.TrimPrefix(arg.Type, "%")]; len(ctors) == 1 {
					arg.ConstructorID = ctors[0].ID
					arg.ConstructorName = ctors[0].Name
				}
			case arg.IsBareType:
				if ctor, ok := byName[arg.Type]; ok {
					arg.ConstructorID = ctor.ID
					arg.ConstructorName = ctor.Name
				}
			}
		}
	}
}

// ComputeConstructorID returns the CRC32 of the entry's canonical
// signature. Flag-only true arguments are omitted and angle brackets
// are written as spaces, e.g.
//
//	inputPeerUser user_id:long access_hash:long = InputPeer
func ComputeConstructorID(e *Entry) uint32 {
	return crc32.ChecksumIEEE([]byte(CanonicalSignature(e)))
}

// CanonicalSignature renders the string hashed by ComputeConstructorID.
func CanonicalSignature(e *Entry) string {
	var b strings.Builder
	b.WriteString(e.Name)
	for _, g := range e.Generics {
		b.WriteString(" " + g.Name + ":" + g.Type)
	}
	for _, a := range e.Arguments {
		if a.Predicate != "" && a.Type == "true" {
			continue
		}
		b.WriteString(" " + a.Name + ":" + a.signatureType())
	}
	b.WriteString(" = " + e.Type)
	s := strings.ReplaceAll(b.String(), "<", " ")
	return strings.ReplaceAll(s, ">", "")
}

func (a Argument) signatureType() string {
	if a.typeText != "" {
		return a.typeText
	}
	t := a.Type
	switch {
	case a.IsVector:
		t = "Vector<" + t + ">"
	case a.IsBareVector:
		t = "vector<" + t + ">"
	}
	if a.Predicate != "" {
		t = a.Predicate + "?" + t
	}
	return t
}

// String renders the entry back in schema notation.
func (e *Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s#%08x", e.Name, e.ID)
	for _, g := range e.Generics {
		fmt.Fprintf(&b, " {%s:%s}", g.Name, g.Type)
	}
	for _, a := range e.Arguments {
		b.WriteString(" " + a.Name + ":" + a.signatureType())
	}
	b.WriteString(" = " + e.Type + ";")
	return b.String()
}
