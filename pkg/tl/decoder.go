package tl

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Allocation limits to prevent abuse via malicious length prefixes.
const (
	// DefaultMaxAllocation is the default maximum size of a single bytes value (4MB).
	DefaultMaxAllocation = 4 * 1024 * 1024

	// HardMaxAllocation caps inflated gzip_packed payloads (16MB).
	HardMaxAllocation = 16 * 1024 * 1024

	// MaxCollectionCount is the maximum number of items in a vector.
	MaxCollectionCount = 1_000_000
)

// Well-known constructor ids handled by the codec itself.
const (
	VectorID     uint32 = 0x1cb5c415
	BoolTrueID   uint32 = 0x997275b5
	BoolFalseID  uint32 = 0xbc799737
	GzipPackedID uint32 = 0x3072cfa1
)

// Common decoding errors.
var (
	ErrBufferTooShort     = errors.New("tl: buffer too short")
	ErrInvalidBool        = errors.New("tl: invalid boolean constructor")
	ErrInvalidBytes       = errors.New("tl: invalid bytes length prefix")
	ErrAllocationTooLarge = errors.New("tl: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("tl: vector count exceeds limit")
	ErrUnknownConstructor = errors.New("tl: unknown constructor")
	ErrUnknownType        = errors.New("tl: unknown type")
	ErrNilObject          = errors.New("tl: nil object")
	ErrNotVector          = errors.New("tl: expected vector constructor")
)

// Decoder reads TL values from a byte buffer. Boxed objects are
// resolved through the reader table it was created with.
type Decoder struct {
	buf     []byte
	pos     int
	readers ReaderMap
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte, readers ReaderMap) *Decoder {
	return &Decoder{buf: buf, readers: readers}
}

// Readers returns the reader table used for boxed objects.
func (d *Decoder) Readers() ReaderMap {
	return d.readers
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// Position returns the current read position.
func (d *Decoder) Position() int {
	return d.pos
}

// Skip advances the position by n bytes.
func (d *Decoder) Skip(n int) error {
	if n < 0 || d.pos+n > len(d.buf) {
		return io.ErrUnexpectedEOF
	}
	d.pos += n
	return nil
}

// ReadRaw reads exactly n bytes.
// The returned slice references the decoder's buffer; do not modify.
func (d *Decoder) ReadRaw(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// PeekUint returns the next uint32 without consuming it.
func (d *Decoder) PeekUint() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrBufferTooShort
	}
	return binary.LittleEndian.Uint32(d.buf[d.pos:]), nil
}

// ReadUint reads a uint32.
func (d *Decoder) ReadUint() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrBufferTooShort
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

// ReadInt reads an int32.
func (d *Decoder) ReadInt() (int32, error) {
	v, err := d.ReadUint()
	return int32(v), err
}

// ReadLong reads an int64.
func (d *Decoder) ReadLong() (int64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, ErrBufferTooShort
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return int64(v), nil
}

// ReadDouble reads a float64.
func (d *Decoder) ReadDouble() (float64, error) {
	v, err := d.ReadLong()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

// ReadBool reads a boolTrue/boolFalse constructor.
func (d *Decoder) ReadBool() (bool, error) {
	id, err := d.ReadUint()
	if err != nil {
		return false, err
	}
	switch id {
	case BoolTrueID:
		return true, nil
	case BoolFalseID:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %#08x", ErrInvalidBool, id)
	}
}

// ReadBytes reads TL-serialized bytes and returns a copy.
func (d *Decoder) ReadBytes() ([]byte, error) {
	if d.pos >= len(d.buf) {
		return nil, ErrBufferTooShort
	}
	n := int(d.buf[d.pos])
	header := 1
	switch {
	case n == 254:
		if d.pos+4 > len(d.buf) {
			return nil, ErrBufferTooShort
		}
		n = int(d.buf[d.pos+1]) | int(d.buf[d.pos+2])<<8 | int(d.buf[d.pos+3])<<16
		header = 4
	case n == 255:
		return nil, ErrInvalidBytes
	}
	if n > DefaultMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	total := BytesSize(n)
	if d.pos+total > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos+header:d.pos+header+n])
	d.pos += total
	return out, nil
}

// ReadString reads TL bytes as a string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadInt128 reads 16 raw bytes.
func (d *Decoder) ReadInt128() ([]byte, error) {
	return d.readFixed(16)
}

// ReadInt256 reads 32 raw bytes.
func (d *Decoder) ReadInt256() ([]byte, error) {
	return d.readFixed(32)
}

func (d *Decoder) readFixed(n int) ([]byte, error) {
	b, err := d.ReadRaw(n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// ReadVectorCount reads a vector header. When boxed is true the vector
// constructor id must precede the count.
func (d *Decoder) ReadVectorCount(boxed bool) (int, error) {
	if boxed {
		id, err := d.ReadUint()
		if err != nil {
			return 0, err
		}
		if id != VectorID {
			return 0, fmt.Errorf("%w, got %#08x", ErrNotVector, id)
		}
	}
	n, err := d.ReadUint()
	if err != nil {
		return 0, err
	}
	if n > MaxCollectionCount {
		return 0, ErrCollectionTooLarge
	}
	return int(n), nil
}

// capHint bounds a preallocation by what the remaining buffer could hold.
func (d *Decoder) capHint(n, elemSize int) int {
	if elemSize <= 0 {
		elemSize = 4
	}
	if limit := d.Remaining() / elemSize; n > limit {
		return limit
	}
	return n
}

// ReadObject reads a boxed value. The result is an *Object, a bool for
// Bool constructors, or []any for a boxed vector of objects. gzip_packed
// payloads are inflated and decoded transparently.
func (d *Decoder) ReadObject() (any, error) {
	id, err := d.ReadUint()
	if err != nil {
		return nil, err
	}
	switch id {
	case BoolTrueID:
		return true, nil
	case BoolFalseID:
		return false, nil
	case VectorID:
		d.pos -= 4
		n, err := d.ReadVectorCount(true)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, d.capHint(n, 4))
		for i := 0; i < n; i++ {
			item, err := d.ReadObject()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case GzipPackedID:
		packed, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		plain, err := Gunzip(packed)
		if err != nil {
			return nil, err
		}
		return NewDecoder(plain, d.readers).ReadObject()
	}
	read, ok := d.readers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownConstructor, id)
	}
	return read(d)
}

// ReadBoxed reads a boxed value that must be an *Object.
func (d *Decoder) ReadBoxed() (*Object, error) {
	v, err := d.ReadObject()
	if err != nil {
		return nil, err
	}
	obj, ok := v.(*Object)
	if !ok {
		return nil, fmt.Errorf("tl: expected object, got %T", v)
	}
	return obj, nil
}

// ReadBare reads the constructor with the given id without consuming
// an id from the stream.
func (d *Decoder) ReadBare(id uint32) (*Object, error) {
	read, ok := d.readers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %#08x", ErrUnknownConstructor, id)
	}
	return read(d)
}

// Gunzip inflates a gzip_packed payload, bounded by HardMaxAllocation.
func Gunzip(packed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("tl: gzip_packed: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, HardMaxAllocation+1))
	if err != nil {
		return nil, fmt.Errorf("tl: gzip_packed: %w", err)
	}
	if len(out) > HardMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	return out, nil
}

// Gzip compresses data for a gzip_packed wrapper.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
