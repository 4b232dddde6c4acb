// Package transport moves MTProto packets between the client and a
// datacenter. A Transport carries whole packets; framing, obfuscation and
// the underlying connection (TCP or WebSocket) are chosen by a Dialer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DC addresses one datacenter endpoint.
type DC struct {
	ID        int    `json:"id" yaml:"id" mapstructure:"id"`
	Address   string `json:"address" yaml:"address" mapstructure:"address"`
	Port      int    `json:"port" yaml:"port" mapstructure:"port"`
	IPv6      bool   `json:"ipv6,omitempty" yaml:"ipv6,omitempty" mapstructure:"ipv6"`
	MediaOnly bool   `json:"mediaOnly,omitempty" yaml:"mediaOnly,omitempty" mapstructure:"mediaOnly"`
	TestMode  bool   `json:"testMode,omitempty" yaml:"testMode,omitempty" mapstructure:"testMode"`
	CDN       bool   `json:"cdn,omitempty" yaml:"cdn,omitempty" mapstructure:"cdn"`
}

// HostPort returns the dialable address.
func (d DC) HostPort() string {
	return net.JoinHostPort(d.Address, strconv.Itoa(d.Port))
}

// WireID is the DC id as sent in p_q_inner_data_dc and the obfuscated
// header: +10000 for test DCs, negative for media-only DCs.
func (d DC) WireID() int32 {
	id := int32(d.ID)
	if d.TestMode {
		id += 10000
	}
	if d.MediaOnly {
		id = -id
	}
	return id
}

// Transport sends and receives whole packets.
type Transport interface {
	Send(ctx context.Context, packet []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Factory opens a transport to dc.
type Factory func(ctx context.Context, dc DC) (Transport, error)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// TransportError describes a failed transport operation. Code is set when
// the server answered with a 4-byte error packet (for example -404).
type TransportError struct {
	Op   string
	DC   int
	Code int32
	Err  error
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport: dc %d %s: server error %d", e.DC, e.Op, e.Code)
	}
	return fmt.Sprintf("transport: dc %d %s: %v", e.DC, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, dc DC, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Op: op, DC: dc.ID, Err: err}
}
