package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/mtproto/pkg/crypto"
)

// Mode selects how packets reach the DC.
type Mode string

const (
	ModeTCP        Mode = "tcp"
	ModeObfuscated Mode = "obfuscated"
	ModeWebSocket  Mode = "websocket"
)

// ParseMode validates a mode name. The empty string means TCP.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeTCP, nil
	case ModeTCP, ModeObfuscated, ModeWebSocket:
		return m, nil
	default:
		return "", fmt.Errorf("transport: unknown mode %q", s)
	}
}

// Dialer opens transports. Its Dial method is a Factory.
type Dialer struct {
	Mode Mode
	// Codec defaults to Intermediate.
	Codec  Codec
	Crypto crypto.Provider
	Logger *slog.Logger

	// Net dials TCP connections. Defaults to a net.Dialer with a 10s timeout.
	Net interface {
		DialContext(ctx context.Context, network, address string) (net.Conn, error)
	}
	// WebSocket dials WebSocket connections. Defaults to websocket.DefaultDialer.
	WebSocket    *websocket.Dialer
	WebSocketURL func(dc DC) string
}

// Dial connects to dc.
func (d *Dialer) Dial(ctx context.Context, dc DC) (Transport, error) {
	codec := d.Codec
	if codec == nil {
		codec = Intermediate{}
	}
	p := d.Crypto
	if p == nil {
		p = crypto.Default()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	var (
		t   Transport
		err error
	)
	switch d.Mode {
	case ModeTCP, "":
		t, err = d.dialTCP(ctx, dc, codec, nil)
	case ModeObfuscated:
		t, err = d.dialTCP(ctx, dc, codec, p)
	case ModeWebSocket:
		t, err = d.dialWebSocket(ctx, dc, codec, p)
	default:
		err = fmt.Errorf("unknown mode %q", d.Mode)
	}
	if err != nil {
		return nil, wrapErr("dial", dc, err)
	}
	logger.Debug("transport connected",
		"dc", dc.ID,
		"mode", string(d.Mode),
		"addr", dc.HostPort(),
		"duration", time.Since(start),
	)
	return t, nil
}

func (d *Dialer) dialTCP(ctx context.Context, dc DC, codec Codec, p crypto.Provider) (Transport, error) {
	nd := d.Net
	if nd == nil {
		nd = &net.Dialer{Timeout: 10 * time.Second}
	}
	conn, err := nd.DialContext(ctx, "tcp", dc.HostPort())
	if err != nil {
		return nil, err
	}
	s, err := NewStream(conn, codec, dc, p)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (d *Dialer) dialWebSocket(ctx context.Context, dc DC, codec Codec, p crypto.Provider) (Transport, error) {
	dialer := d.WebSocket
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	urlFor := d.WebSocketURL
	if urlFor == nil {
		urlFor = DefaultWebSocketURL
	}
	conn, err := dialWebSocket(ctx, dialer, urlFor(dc))
	if err != nil {
		return nil, err
	}
	s, err := NewStream(conn, codec, dc, p)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}
