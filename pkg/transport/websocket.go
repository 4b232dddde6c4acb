package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a WebSocket to a byte stream: each Write is one binary
// message and reads continue across message boundaries.
type wsConn struct {
	ws  *websocket.Conn
	buf bytes.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for c.buf.Len() == 0 {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		c.buf.Reset(msg)
	}
	return c.buf.Read(p)
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	deadline := time.Now().Add(time.Second)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ Conn = (*wsConn)(nil)

// DefaultWebSocketURL returns ws(s)://host:port/apiws, using TLS on port 443.
func DefaultWebSocketURL(dc DC) string {
	scheme := "ws"
	if dc.Port == 443 {
		scheme = "wss"
	}
	path := "/apiws"
	if dc.TestMode {
		path = "/apiws_test"
	}
	return fmt.Sprintf("%s://%s%s", scheme, dc.HostPort(), path)
}

func dialWebSocket(ctx context.Context, dialer *websocket.Dialer, url string) (*wsConn, error) {
	ws, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}
