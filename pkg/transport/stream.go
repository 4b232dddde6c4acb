package transport

import (
	"bufio"
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
)

// Conn is the byte stream a Stream runs on. net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Stream is a Transport over a byte stream, optionally obfuscated.
type Stream struct {
	conn  Conn
	codec Codec
	dc    DC

	r io.Reader
	w io.Writer

	writeMu   sync.Mutex
	readMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream writes the protocol preamble (or the obfuscated header when
// p is non-nil) and returns a ready transport.
func NewStream(conn Conn, codec Codec, dc DC, p crypto.Provider) (*Stream, error) {
	s := &Stream{
		conn:   conn,
		codec:  codec,
		dc:     dc,
		r:      bufio.NewReader(conn),
		w:      conn,
		closed: make(chan struct{}),
	}

	if p == nil {
		if _, err := conn.Write(codec.Preamble()); err != nil {
			return nil, wrapErr("preamble", dc, err)
		}
		return s, nil
	}

	header, enc, dec, err := obfuscatedHeader(p, codec.Tag(), int16(dc.WireID()))
	if err != nil {
		return nil, wrapErr("obfuscate", dc, err)
	}
	if _, err := conn.Write(header); err != nil {
		return nil, wrapErr("obfuscate", dc, err)
	}
	s.r = cipher.StreamReader{S: dec, R: s.r}
	s.w = cipher.StreamWriter{S: enc, W: conn}
	return s, nil
}

// obfuscatedHeader builds the 64-byte obfuscated2 init and the keystreams
// for both directions.
func obfuscatedHeader(p crypto.Provider, tag [4]byte, dcID int16) (header []byte, enc, dec cipher.Stream, err error) {
	for {
		header, err = p.RandomBytes(64)
		if err != nil {
			return nil, nil, nil, err
		}
		if validObfuscatedHeader(header) {
			break
		}
	}
	copy(header[56:60], tag[:])
	binary.LittleEndian.PutUint16(header[60:62], uint16(dcID))

	reversed := make([]byte, 48)
	for i := range reversed {
		reversed[i] = header[55-i]
	}

	enc, err = p.CTR(header[8:40], header[40:56])
	if err != nil {
		return nil, nil, nil, err
	}
	dec, err = p.CTR(reversed[:32], reversed[32:48])
	if err != nil {
		return nil, nil, nil, err
	}

	encrypted := make([]byte, 64)
	enc.XORKeyStream(encrypted, header)
	copy(header[56:64], encrypted[56:64])
	return header, enc, dec, nil
}

var forbiddenPrefixes = [][4]byte{
	{'H', 'E', 'A', 'D'},
	{'P', 'O', 'S', 'T'},
	{'G', 'E', 'T', ' '},
	{'O', 'P', 'T', 'I'},
	{0xee, 0xee, 0xee, 0xee},
	{0xdd, 0xdd, 0xdd, 0xdd},
	{0x16, 0x03, 0x01, 0x02},
}

func validObfuscatedHeader(h []byte) bool {
	if h[0] == 0xef {
		return false
	}
	for _, prefix := range forbiddenPrefixes {
		if [4]byte(h[:4]) == prefix {
			return false
		}
	}
	return binary.LittleEndian.Uint32(h[4:8]) != 0
}

// watch interrupts blocking I/O when ctx ends.
func (s *Stream) watch(ctx context.Context, setDeadline func(time.Time) error) func() bool {
	if deadline, ok := ctx.Deadline(); ok {
		setDeadline(deadline)
	} else {
		setDeadline(time.Time{})
	}
	return context.AfterFunc(ctx, func() {
		setDeadline(time.Unix(1, 0))
	})
}

// Send writes one packet.
func (s *Stream) Send(ctx context.Context, packet []byte) error {
	select {
	case <-s.closed:
		return wrapErr("send", s.dc, ErrClosed)
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stop := s.watch(ctx, s.conn.SetWriteDeadline)
	defer stop()
	if _, err := s.w.Write(s.codec.Encode(packet)); err != nil {
		return wrapErr("send", s.dc, ctxErr(ctx, err))
	}
	return nil
}

// Recv reads one packet. A 4-byte packet is a server error code and is
// returned as a *TransportError with Code set.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	stop := s.watch(ctx, s.conn.SetReadDeadline)
	defer stop()
	packet, err := s.codec.Decode(s.r)
	if err != nil {
		select {
		case <-s.closed:
			err = ErrClosed
		default:
		}
		return nil, wrapErr("recv", s.dc, ctxErr(ctx, err))
	}
	if len(packet) == 4 {
		code := int32(binary.LittleEndian.Uint32(packet))
		return nil, &TransportError{Op: "recv", DC: s.dc.ID, Code: code, Err: errServerCode}
	}
	return packet, nil
}

var errServerCode = errors.New("server error code")

// Close closes the underlying connection.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

// ctxErr prefers the context's error when the failure came from its
// deadline or cancellation.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}
