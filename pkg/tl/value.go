package tl

import (
	"encoding/json"
	"fmt"
	"math"
)

func (f *field) readValue(d *Decoder) (any, error) {
	if f.vector {
		return f.readVector(d)
	}
	return f.readScalar(d)
}

func (f *field) readScalar(d *Decoder) (any, error) {
	switch f.kind {
	case kindInt:
		return d.ReadInt()
	case kindLong:
		return d.ReadLong()
	case kindDouble:
		return d.ReadDouble()
	case kindString:
		return d.ReadString()
	case kindBytes:
		return d.ReadBytes()
	case kindInt128:
		return d.ReadInt128()
	case kindInt256:
		return d.ReadInt256()
	case kindBool:
		return d.ReadBool()
	case kindTrue:
		return true, nil
	case kindBare:
		return d.ReadBare(f.bareID)
	default:
		return d.ReadObject()
	}
}

func (f *field) readVector(d *Decoder) (any, error) {
	n, err := d.ReadVectorCount(f.boxed)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case kindInt:
		out := make([]int32, 0, d.capHint(n, 4))
		for i := 0; i < n; i++ {
			v, err := d.ReadInt()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case kindLong:
		out := make([]int64, 0, d.capHint(n, 8))
		for i := 0; i < n; i++ {
			v, err := d.ReadLong()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case kindDouble:
		out := make([]float64, 0, d.capHint(n, 8))
		for i := 0; i < n; i++ {
			v, err := d.ReadDouble()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case kindString:
		out := make([]string, 0, d.capHint(n, 4))
		for i := 0; i < n; i++ {
			v, err := d.ReadString()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case kindBytes, kindInt128, kindInt256:
		out := make([][]byte, 0, d.capHint(n, 4))
		for i := 0; i < n; i++ {
			v, err := f.readScalar(d)
			if err != nil {
				return nil, err
			}
			out = append(out, v.([]byte))
		}
		return out, nil
	case kindBool:
		out := make([]bool, 0, d.capHint(n, 4))
		for i := 0; i < n; i++ {
			v, err := d.ReadBool()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		out := make([]any, 0, d.capHint(n, 4))
		for i := 0; i < n; i++ {
			v, err := f.readScalar(d)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
}

func (f *field) writeValue(e *Encoder, v any) error {
	if !f.vector {
		return f.writeScalar(e, v)
	}
	items, err := toSlice(v)
	if err != nil {
		return err
	}
	if f.boxed {
		e.WriteUint(VectorID)
	}
	e.WriteUint(uint32(len(items)))
	for _, item := range items {
		if err := f.writeScalar(e, item); err != nil {
			return err
		}
	}
	return nil
}

func (f *field) writeScalar(e *Encoder, v any) error {
	switch f.kind {
	case kindInt:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		if n < math.MinInt32 || n > math.MaxUint32 {
			return fmt.Errorf("value %d overflows int", n)
		}
		e.WriteUint(uint32(n))
	case kindLong:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		e.WriteLong(n)
	case kindDouble:
		x, err := toFloat64(v)
		if err != nil {
			return err
		}
		e.WriteDouble(x)
	case kindString, kindBytes:
		b, err := toBytes(v)
		if err != nil {
			return err
		}
		return e.WriteBytes(b)
	case kindInt128:
		b, err := toBytes(v)
		if err != nil {
			return err
		}
		return e.WriteInt128(b)
	case kindInt256:
		b, err := toBytes(v)
		if err != nil {
			return err
		}
		return e.WriteInt256(b)
	case kindBool:
		e.WriteBool(truthy(v))
	case kindBare:
		obj, ok := v.(*Object)
		if !ok {
			return fmt.Errorf("bare %s: expected *Object, got %T", f.bareName, v)
		}
		w, ok := e.writers[f.bareName]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownType, f.bareName)
		}
		return w.Write(e, obj)
	default:
		if v == nil {
			return ErrNilObject
		}
		return e.WriteObject(v)
	}
	return nil
}

func (f *field) sizeValue(m WriterMap, v any) (int, error) {
	if !f.vector {
		return f.sizeScalar(m, v)
	}
	items, err := toSlice(v)
	if err != nil {
		return 0, err
	}
	total := 4
	if f.boxed {
		total += 4
	}
	for _, item := range items {
		n, err := f.sizeScalar(m, item)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (f *field) sizeScalar(m WriterMap, v any) (int, error) {
	switch f.kind {
	case kindInt, kindBool:
		return 4, nil
	case kindLong, kindDouble:
		return 8, nil
	case kindInt128:
		return 16, nil
	case kindInt256:
		return 32, nil
	case kindString, kindBytes:
		b, err := toBytes(v)
		if err != nil {
			return 0, err
		}
		return BytesSize(len(b)), nil
	case kindBare:
		obj, ok := v.(*Object)
		if !ok {
			return 0, fmt.Errorf("bare %s: expected *Object, got %T", f.bareName, v)
		}
		w, ok := m[f.bareName]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownType, f.bareName)
		}
		return w.Size(m, obj)
	default:
		if v == nil {
			return 0, ErrNilObject
		}
		return m.ObjectSize(v)
	}
}

// toInt64 accepts any Go integer kind, integral float64 and json.Number.
// A nil value encodes as zero.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("non-integral number %v", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	default:
		n, err := toInt64(v)
		return float64(n), err
	}
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	default:
		return nil, fmt.Errorf("expected bytes or string, got %T", v)
	}
}

func toSlice(v any) ([]any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return x, nil
	case []*Object:
		return convertSlice(x), nil
	case []int32:
		return convertSlice(x), nil
	case []int64:
		return convertSlice(x), nil
	case []int:
		return convertSlice(x), nil
	case []float64:
		return convertSlice(x), nil
	case []string:
		return convertSlice(x), nil
	case [][]byte:
		return convertSlice(x), nil
	case []bool:
		return convertSlice(x), nil
	default:
		return nil, fmt.Errorf("expected vector, got %T", v)
	}
}

func convertSlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
