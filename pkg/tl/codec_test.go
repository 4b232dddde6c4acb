package tl

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"testing"
)

func TestEncoderDecoder(t *testing.T) {
	e := NewEncoder(nil)

	e.WriteInt(-12345678)
	e.WriteUint(0xdeadbeef)
	e.WriteLong(-123456789012345)
	e.WriteDouble(2.718281828459045)
	e.WriteBool(true)
	e.WriteBool(false)
	e.WriteString("hello world")
	e.WriteBytes([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	if err := e.WriteInt128(bytes.Repeat([]byte{1}, 16)); err != nil {
		t.Fatal(err)
	}
	if err := e.WriteInt256(bytes.Repeat([]byte{2}, 32)); err != nil {
		t.Fatal(err)
	}

	d := NewDecoder(e.Bytes(), nil)

	if v, err := d.ReadInt(); err != nil || v != -12345678 {
		t.Errorf("ReadInt() = %d, %v; want -12345678, nil", v, err)
	}
	if v, err := d.ReadUint(); err != nil || v != 0xdeadbeef {
		t.Errorf("ReadUint() = %x, %v; want deadbeef, nil", v, err)
	}
	if v, err := d.ReadLong(); err != nil || v != -123456789012345 {
		t.Errorf("ReadLong() = %d, %v; want -123456789012345, nil", v, err)
	}
	if v, err := d.ReadDouble(); err != nil || v != 2.718281828459045 {
		t.Errorf("ReadDouble() = %v, %v; want 2.718281828459045, nil", v, err)
	}
	if v, err := d.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool() = %v, %v; want true, nil", v, err)
	}
	if v, err := d.ReadBool(); err != nil || v {
		t.Errorf("ReadBool() = %v, %v; want false, nil", v, err)
	}
	if v, err := d.ReadString(); err != nil || v != "hello world" {
		t.Errorf("ReadString() = %q, %v; want \"hello world\", nil", v, err)
	}
	if v, err := d.ReadBytes(); err != nil || !bytes.Equal(v, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("ReadBytes() = %x, %v; want deadbeef, nil", v, err)
	}
	if v, err := d.ReadInt128(); err != nil || !bytes.Equal(v, bytes.Repeat([]byte{1}, 16)) {
		t.Errorf("ReadInt128() = %x, %v", v, err)
	}
	if v, err := d.ReadInt256(); err != nil || !bytes.Equal(v, bytes.Repeat([]byte{2}, 32)) {
		t.Errorf("ReadInt256() = %x, %v", v, err)
	}
	if !d.EOF() {
		t.Errorf("Remaining() = %d, want 0", d.Remaining())
	}
}

func TestBytesPadding(t *testing.T) {
	tests := []struct {
		n    int
		want int
	}{
		{0, 4},
		{1, 4},
		{3, 4},
		{4, 8},
		{253, 256},
		{254, 260},
		{255, 260},
		{1000, 1004},
	}
	for _, tt := range tests {
		if got := BytesSize(tt.n); got != tt.want {
			t.Errorf("BytesSize(%d) = %d, want %d", tt.n, got, tt.want)
		}

		data := bytes.Repeat([]byte{0xAB}, tt.n)
		e := NewEncoder(nil)
		e.WriteBytes(data)
		if e.Len() != tt.want {
			t.Errorf("WriteBytes(len %d) wrote %d bytes, want %d", tt.n, e.Len(), tt.want)
		}
		got, err := NewDecoder(e.Bytes(), nil).ReadBytes()
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("ReadBytes(len %d) round trip failed: %v", tt.n, err)
		}
	}
}

func TestWriteBytesLimit(t *testing.T) {
	e := NewEncoder(nil)
	if err := e.WriteBytes(make([]byte, DefaultMaxAllocation)); err != nil {
		t.Fatalf("WriteBytes(max) error = %v", err)
	}
	if e.Len() != BytesSize(DefaultMaxAllocation) {
		t.Errorf("WriteBytes(max) wrote %d bytes, want %d", e.Len(), BytesSize(DefaultMaxAllocation))
	}

	e.Reset()
	if err := e.WriteBytes(make([]byte, 1<<24)); !errors.Is(err, ErrAllocationTooLarge) {
		t.Errorf("WriteBytes(1<<24) error = %v, want ErrAllocationTooLarge", err)
	}
	if e.Len() != 0 {
		t.Errorf("WriteBytes(1<<24) wrote %d bytes, want 0", e.Len())
	}

	_, writers := Default()
	obj := New("nearestDc", Fields{"country": string(make([]byte, DefaultMaxAllocation+1)), "thisDc": int32(2), "nearestDc": int32(2)})
	if _, err := writers.Encode(obj); !errors.Is(err, ErrAllocationTooLarge) {
		t.Errorf("Encode(oversized string) error = %v, want ErrAllocationTooLarge", err)
	}
}

func TestDecoderErrors(t *testing.T) {
	d := NewDecoder([]byte{1, 2}, nil)
	if _, err := d.ReadUint(); !errors.Is(err, ErrBufferTooShort) {
		t.Errorf("ReadUint() err = %v, want ErrBufferTooShort", err)
	}

	d = NewDecoder([]byte{10, 'a', 'b'}, nil)
	if _, err := d.ReadBytes(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadBytes() err = %v, want io.ErrUnexpectedEOF", err)
	}

	e := NewEncoder(nil)
	e.WriteUint(0x12345678)
	d = NewDecoder(e.Bytes(), nil)
	if _, err := d.ReadBool(); !errors.Is(err, ErrInvalidBool) {
		t.Errorf("ReadBool() err = %v, want ErrInvalidBool", err)
	}

	d = NewDecoder(e.Bytes(), ReaderMap{})
	if _, err := d.ReadObject(); !errors.Is(err, ErrUnknownConstructor) {
		t.Errorf("ReadObject() err = %v, want ErrUnknownConstructor", err)
	}

	e.Reset()
	e.WriteUint(VectorID)
	e.WriteUint(math.MaxUint32)
	d = NewDecoder(e.Bytes(), nil)
	if _, err := d.ReadVectorCount(true); !errors.Is(err, ErrCollectionTooLarge) {
		t.Errorf("ReadVectorCount() err = %v, want ErrCollectionTooLarge", err)
	}
}

func TestInputPeerUserGolden(t *testing.T) {
	readers, writers := Default()

	obj := New("inputPeerUser", Fields{"userId": 123, "accessHash": 456})
	got, err := writers.Encode(obj)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want, _ := hex.DecodeString("4ca5e8dd7b00000000000000c801000000000000")
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = %x, want %x", got, want)
	}

	decoded, err := readers.Decode(got)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Type != "inputPeerUser" {
		t.Errorf("Type = %q, want inputPeerUser", decoded.Type)
	}
	if decoded.Long("userId") != 123 || decoded.Long("accessHash") != 456 {
		t.Errorf("Decode() = %v, want userId:123 accessHash:456", decoded)
	}
}

func TestGzipPacked(t *testing.T) {
	readers, writers := Default()

	inner, err := writers.Encode(New("nearestDc", Fields{"country": "NL", "thisDc": int32(2), "nearestDc": int32(4)}))
	if err != nil {
		t.Fatal(err)
	}
	packed, err := Gzip(inner)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEncoder(writers)
	e.WriteUint(GzipPackedID)
	e.WriteBytes(packed)

	got, err := NewDecoder(e.Bytes(), readers).ReadBoxed()
	if err != nil {
		t.Fatalf("ReadBoxed() error = %v", err)
	}
	if got.Type != "nearestDc" || got.Str("country") != "NL" || got.Int("nearestDc") != 4 {
		t.Errorf("ReadBoxed() = %v", got)
	}
}

func TestObjectJSON(t *testing.T) {
	_, writers := Default()

	obj, err := ObjectFromJSON([]byte(`{"_":"inputPeerUser","userId":123,"accessHash":456}`))
	if err != nil {
		t.Fatalf("ObjectFromJSON() error = %v", err)
	}
	got, err := writers.Encode(obj)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if hex.EncodeToString(got) != "4ca5e8dd7b00000000000000c801000000000000" {
		t.Errorf("Encode(json) = %x", got)
	}

	if _, err := ObjectFromJSON([]byte(`{"userId":1}`)); err == nil {
		t.Error("ObjectFromJSON() without type should fail")
	}
}

func TestSnakeToCamel(t *testing.T) {
	tests := map[string]string{
		"user_id":                        "userId",
		"access_hash":                    "accessHash",
		"server_public_key_fingerprints": "serverPublicKeyFingerprints",
		"flags":                          "flags",
		"g_a":                            "gA",
	}
	for in, want := range tests {
		if got := snakeToCamel(in); got != want {
			t.Errorf("snakeToCamel(%q) = %q, want %q", in, got, want)
		}
	}
}
