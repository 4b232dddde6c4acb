package tl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder is a little-endian TL encoder that appends to an internal buffer.
// Boxed objects are resolved through the writer table it was created with.
type Encoder struct {
	buf     []byte
	writers WriterMap
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder(writers WriterMap) *Encoder {
	return &Encoder{
		buf:     make([]byte, 0, 256),
		writers: writers,
	}
}

// NewEncoderWithCap creates a new encoder with the specified initial capacity.
// Callers that know the final size (see WriterMap.ObjectSize) should use this
// to avoid regrowing the buffer.
func NewEncoderWithCap(writers WriterMap, cap int) *Encoder {
	return &Encoder{
		buf:     make([]byte, 0, cap),
		writers: writers,
	}
}

// Writers returns the writer table used for boxed objects.
func (e *Encoder) Writers() WriterMap {
	return e.writers
}

// Reset resets the encoder to empty state, reusing the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The returned slice is valid until
// the next call to Reset or any Write method.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteRaw appends raw bytes without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteUint appends a uint32.
func (e *Encoder) WriteUint(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

// WriteInt appends an int32.
func (e *Encoder) WriteInt(v int32) {
	e.WriteUint(uint32(v))
}

// WriteLong appends an int64.
func (e *Encoder) WriteLong(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

// WriteDouble appends an IEEE 754 float64.
func (e *Encoder) WriteDouble(v float64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v))
}

// WriteBool appends boolTrue or boolFalse.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.WriteUint(BoolTrueID)
	} else {
		e.WriteUint(BoolFalseID)
	}
}

// WriteBytes appends TL-serialized bytes.
//
// Lengths below 254 use a single length byte; longer values use 0xfe
// followed by a 24-bit length. The result is padded to 4 bytes. Values
// longer than DefaultMaxAllocation are refused with ErrAllocationTooLarge
// and nothing is written.
func (e *Encoder) WriteBytes(b []byte) error {
	n := len(b)
	if n > DefaultMaxAllocation {
		return fmt.Errorf("%w: %d bytes", ErrAllocationTooLarge, n)
	}
	if n < 254 {
		e.buf = append(e.buf, byte(n))
	} else {
		e.buf = append(e.buf, 254, byte(n), byte(n>>8), byte(n>>16))
	}
	e.buf = append(e.buf, b...)
	for pad := BytesSize(n) - n - headerSize(n); pad > 0; pad-- {
		e.buf = append(e.buf, 0)
	}
	return nil
}

// WriteString appends s as TL bytes.
func (e *Encoder) WriteString(s string) error {
	return e.WriteBytes([]byte(s))
}

// WriteInt128 appends 16 raw bytes.
func (e *Encoder) WriteInt128(b []byte) error {
	if len(b) != 16 {
		return fmt.Errorf("tl: int128 must be 16 bytes, got %d", len(b))
	}
	e.buf = append(e.buf, b...)
	return nil
}

// WriteInt256 appends 32 raw bytes.
func (e *Encoder) WriteInt256(b []byte) error {
	if len(b) != 32 {
		return fmt.Errorf("tl: int256 must be 32 bytes, got %d", len(b))
	}
	e.buf = append(e.buf, b...)
	return nil
}

// WriteVectorHeader appends the boxed vector id and element count.
func (e *Encoder) WriteVectorHeader(count int) {
	e.WriteUint(VectorID)
	e.WriteUint(uint32(count))
}

// WriteObject appends a boxed value: an *Object (constructor id followed by
// its fields), a bool, or a []any written as a boxed vector of objects.
func (e *Encoder) WriteObject(v any) error {
	switch o := v.(type) {
	case *Object:
		if o == nil {
			return ErrNilObject
		}
		w, ok := e.writers[o.Type]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownType, o.Type)
		}
		e.WriteUint(w.ID)
		return w.Write(e, o)
	case bool:
		e.WriteBool(o)
		return nil
	case []any:
		e.WriteVectorHeader(len(o))
		for _, item := range o {
			if err := e.WriteObject(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("tl: cannot write %T as object", v)
	}
}

// WriteBare appends obj without its constructor id.
func (e *Encoder) WriteBare(obj *Object) error {
	if obj == nil {
		return ErrNilObject
	}
	w, ok := e.writers[obj.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, obj.Type)
	}
	return w.Write(e, obj)
}

// BytesSize returns the serialized size of n bytes of TL bytes/string data.
func BytesSize(n int) int {
	total := headerSize(n) + n
	if rem := total % 4; rem != 0 {
		total += 4 - rem
	}
	return total
}

func headerSize(n int) int {
	if n < 254 {
		return 1
	}
	return 4
}
