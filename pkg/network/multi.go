package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-dev/mtproto/pkg/tl"
)

// MultiSessionConnection is a pool of Connections of one kind to one DC.
// Each connection has its own session; they share the permanent key.
type MultiSessionConnection struct {
	kind   Kind
	logger *slog.Logger
	events Emitter

	mu        sync.Mutex
	conns     []*Connection
	unsubs    []func()
	connected bool
	destroyed bool
}

// NewMultiSessionConnection creates count connections from params. With
// params.Main only connection 0 negotiates keys.
func NewMultiSessionConnection(params ConnectionParams, count int) *MultiSessionConnection {
	if count < 1 {
		count = 1
	}
	params.setDefaults()
	m := &MultiSessionConnection{
		kind:   params.Kind,
		logger: params.Logger.With("dc", params.DC.ID, "kind", string(params.Kind)),
	}
	isMain := params.Main
	for i := 0; i < count; i++ {
		p := params
		p.Index = i
		p.Main = isMain && i == 0
		conn := NewConnection(p)
		m.conns = append(m.conns, conn)
		m.unsubs = append(m.unsubs, m.events.Forward(conn.Events(), nil))
	}
	return m
}

// Events returns the pool's bus. Child events keep their Index and Conn.
func (m *MultiSessionConnection) Events() *Emitter { return &m.events }

// Kind returns the pool's connection kind.
func (m *MultiSessionConnection) Kind() Kind { return m.kind }

// Connections returns the pooled connections.
func (m *MultiSessionConnection) Connections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Connection(nil), m.conns...)
}

// Connect starts every connection. It is a no-op once connected.
func (m *MultiSessionConnection) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.connected || m.destroyed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	conns := append([]*Connection(nil), m.conns...)
	m.mu.Unlock()

	for _, c := range conns {
		c.Connect(ctx)
	}
}

// Connected reports whether Connect has been called.
func (m *MultiSessionConnection) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SendRPC sends req over the connection with the fewest outstanding
// requests.
func (m *MultiSessionConnection) SendRPC(ctx context.Context, req *tl.Object, timeout time.Duration) (*tl.Object, error) {
	c, err := m.pick()
	if err != nil {
		return nil, err
	}
	return c.SendRPC(ctx, req, timeout)
}

// pick returns the least loaded connection; ties go to the lowest index.
func (m *MultiSessionConnection) pick() (*Connection, error) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil, ErrDestroyed
	}
	conns := append([]*Connection(nil), m.conns...)
	m.mu.Unlock()

	best := conns[0]
	bestLoad := best.PendingCount()
	for _, c := range conns[1:] {
		if load := c.PendingCount(); load < bestLoad {
			best, bestLoad = c, load
		}
	}
	return best, nil
}

// SetAuthKey copies the permanent key to every connection, or a temporary
// key to connection idx only.
func (m *MultiSessionConnection) SetAuthKey(key []byte, temp bool, idx int, expiresAt time.Time) error {
	conns := m.Connections()
	if temp {
		if idx < 0 || idx >= len(conns) {
			return nil
		}
		return conns[idx].SetAuthKey(key, true, expiresAt)
	}
	for _, c := range conns {
		if err := c.SetAuthKey(key, false, time.Time{}); err != nil {
			return err
		}
	}
	return nil
}

// ResetAuthKeys drops the permanent key of every connection except skip.
func (m *MultiSessionConnection) ResetAuthKeys(skip *Connection) {
	for _, c := range m.Connections() {
		if c != skip {
			c.SetAuthKey(nil, false, time.Time{})
		}
	}
}

// RequestAuth makes connection 0 negotiate a key if it has none.
func (m *MultiSessionConnection) RequestAuth(ctx context.Context) {
	conns := m.Connections()
	if conns[0].HasAuthKey() {
		return
	}
	m.logger.Debug("auth requested")
	conns[0].Connect(ctx)
}

// Reconnect forces every connection to dial again.
func (m *MultiSessionConnection) Reconnect() {
	for _, c := range m.Connections() {
		c.Reconnect()
	}
}

// Usable reports whether any connection is usable.
func (m *MultiSessionConnection) Usable() bool {
	for _, c := range m.Connections() {
		if c.Usable() {
			return true
		}
	}
	return false
}

// Destroy destroys every connection.
func (m *MultiSessionConnection) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	conns := m.conns
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
	for _, stop := range unsubs {
		stop()
	}
}
