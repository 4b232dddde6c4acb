package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPacketSize caps inbound packet lengths.
const MaxPacketSize = 16 << 20

// Codec frames packets on a byte stream.
type Codec interface {
	// Tag is the 4-byte protocol tag used in the obfuscated header.
	Tag() [4]byte
	// Preamble is written once before the first packet on a plain stream.
	Preamble() []byte
	// Encode returns packet with its length header.
	Encode(packet []byte) []byte
	// Decode reads one packet.
	Decode(r io.Reader) ([]byte, error)
}

// Intermediate frames each packet with a 4-byte little-endian length.
type Intermediate struct{}

func (Intermediate) Tag() [4]byte { return [4]byte{0xee, 0xee, 0xee, 0xee} }

func (Intermediate) Preamble() []byte { return []byte{0xee, 0xee, 0xee, 0xee} }

func (Intermediate) Encode(packet []byte) []byte {
	out := make([]byte, 4, 4+len(packet))
	binary.LittleEndian.PutUint32(out, uint32(len(packet)))
	return append(out, packet...)
}

func (Intermediate) Decode(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	return readBody(r, int(binary.LittleEndian.Uint32(hdr[:])))
}

// Abridged frames packets with a length in 4-byte words: one byte below
// 127, otherwise 0x7f followed by three bytes.
type Abridged struct{}

func (Abridged) Tag() [4]byte { return [4]byte{0xef, 0xef, 0xef, 0xef} }

func (Abridged) Preamble() []byte { return []byte{0xef} }

func (Abridged) Encode(packet []byte) []byte {
	words := len(packet) / 4
	var out []byte
	if words < 0x7f {
		out = append(make([]byte, 0, 1+len(packet)), byte(words))
	} else {
		out = append(make([]byte, 0, 4+len(packet)), 0x7f, byte(words), byte(words>>8), byte(words>>16))
	}
	return append(out, packet...)
}

func (Abridged) Decode(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}
	words := int(hdr[0])
	if words >= 0x7f {
		if _, err := io.ReadFull(r, hdr[1:4]); err != nil {
			return nil, err
		}
		words = int(hdr[1]) | int(hdr[2])<<8 | int(hdr[3])<<16
	}
	return readBody(r, words*4)
}

func readBody(r io.Reader, n int) ([]byte, error) {
	if n <= 0 || n > MaxPacketSize {
		return nil, fmt.Errorf("transport: invalid packet length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
