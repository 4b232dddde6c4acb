package tl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Object is a decoded (or to-be-encoded) TL constructor or method call.
// Type is the schema name (e.g. "inputPeerUser", "help.getNearestDc")
// and Fields holds the arguments keyed by their camelCase names.
//
// Predicated fields whose flag bit is unset are present with a nil value.
type Object struct {
	Type   string
	Fields Fields
}

// Fields maps camelCase argument names to values.
type Fields map[string]any

// New creates an object of the given type.
func New(typ string, fields Fields) *Object {
	if fields == nil {
		fields = Fields{}
	}
	return &Object{Type: typ, Fields: fields}
}

// Has reports whether name is present and non-nil.
func (o *Object) Has(name string) bool {
	if o == nil {
		return false
	}
	v, ok := o.Fields[name]
	return ok && v != nil
}

// Get returns the raw field value.
func (o *Object) Get(name string) any {
	if o == nil {
		return nil
	}
	return o.Fields[name]
}

// Field returns the named field converted to T.
func Field[T any](o *Object, name string) (T, bool) {
	var zero T
	if o == nil {
		return zero, false
	}
	v, ok := o.Fields[name].(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Int returns an int32 field, or 0.
func (o *Object) Int(name string) int32 {
	v, _ := Field[int32](o, name)
	return v
}

// Long returns an int64 field, or 0.
func (o *Object) Long(name string) int64 {
	v, _ := Field[int64](o, name)
	return v
}

// Str returns a string field, or "".
func (o *Object) Str(name string) string {
	v, _ := Field[string](o, name)
	return v
}

// Bytes returns a bytes/int128/int256 field, or nil. String fields are
// converted, since the service schema carries binary data as string.
func (o *Object) Bytes(name string) []byte {
	switch v := o.Get(name).(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Bool returns a Bool or true field, or false.
func (o *Object) Bool(name string) bool {
	v, _ := Field[bool](o, name)
	return v
}

// Object returns a nested object field, or nil.
func (o *Object) Object(name string) *Object {
	v, _ := Field[*Object](o, name)
	return v
}

// String implements fmt.Stringer with a compact, deterministic rendering.
func (o *Object) String() string {
	if o == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(o.Type)
	b.WriteByte('{')
	keys := make([]string, 0, len(o.Fields))
	for k := range o.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%v", k, o.Fields[k])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON renders the object with its type under the "_" key.
func (o *Object) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Fields)+1)
	for k, v := range o.Fields {
		m[k] = v
	}
	m["_"] = o.Type
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON. Numbers are kept as
// json.Number so writers can convert them without precision loss.
func (o *Object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	obj, err := objectFromMap(raw)
	if err != nil {
		return err
	}
	*o = *obj
	return nil
}

// ObjectFromJSON parses a JSON document such as
// {"_": "inputPeerUser", "userId": 1, "accessHash": 2}.
func ObjectFromJSON(data []byte) (*Object, error) {
	var o Object
	if err := o.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &o, nil
}

func objectFromMap(raw map[string]any) (*Object, error) {
	typ, _ := raw["_"].(string)
	if typ == "" {
		return nil, fmt.Errorf("tl: json object without \"_\" type")
	}
	obj := New(typ, make(Fields, len(raw)-1))
	for k, v := range raw {
		if k == "_" {
			continue
		}
		conv, err := fromJSONValue(v)
		if err != nil {
			return nil, fmt.Errorf("tl: %s.%s: %w", typ, k, err)
		}
		obj.Fields[k] = conv
	}
	return obj, nil
}

func fromJSONValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		return objectFromMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			conv, err := fromJSONValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return v, nil
	}
}

// snakeToCamel converts schema argument names (user_id) into field keys (userId).
func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		upper = false
		b.WriteByte(c)
	}
	return b.String()
}
