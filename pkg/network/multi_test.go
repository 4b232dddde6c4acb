package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

func testPoolParams() ConnectionParams {
	return ConnectionParams{
		DC:      transport.DC{ID: 2},
		Kind:    KindMain,
		Main:    true,
		Factory: blockingFactory,
		Logger:  discardLogger(),
	}
}

func hasTempKey(c *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.TempAuthKey.Ready()
}

func TestNewMultiSessionConnection(t *testing.T) {
	m := NewMultiSessionConnection(testPoolParams(), 3)
	t.Cleanup(m.Destroy)

	conns := m.Connections()
	if len(conns) != 3 {
		t.Fatalf("len(Connections()) = %d, want 3", len(conns))
	}
	for i, c := range conns {
		if c.Index() != i {
			t.Errorf("conns[%d].Index() = %d", i, c.Index())
		}
		if c.IsMain() != (i == 0) {
			t.Errorf("conns[%d].IsMain() = %v", i, c.IsMain())
		}
		if c.Kind() != KindMain {
			t.Errorf("conns[%d].Kind() = %q", i, c.Kind())
		}
	}

	if n := len(NewMultiSessionConnection(testPoolParams(), 0).Connections()); n != 1 {
		t.Errorf("count 0 created %d connections, want 1", n)
	}
}

func TestMultiSessionPick(t *testing.T) {
	m := NewMultiSessionConnection(testPoolParams(), 3)
	t.Cleanup(m.Destroy)
	conns := m.Connections()

	c, err := m.pick()
	if err != nil || c != conns[0] {
		t.Errorf("pick() on idle pool = %v, %v, want conns[0]", c, err)
	}

	enqueue(conns[0], "updates.getState")
	enqueue(conns[0], "updates.getState")
	enqueue(conns[1], "updates.getState")
	if c, _ := m.pick(); c != conns[2] {
		t.Errorf("pick() = conns[%d], want conns[2]", c.Index())
	}
	enqueue(conns[2], "updates.getState")
	if c, _ := m.pick(); c != conns[1] {
		t.Errorf("pick() = conns[%d], want conns[1]", c.Index())
	}

	m.Destroy()
	if _, err := m.pick(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("pick() after Destroy error = %v, want ErrDestroyed", err)
	}
	if _, err := m.SendRPC(context.Background(), tl.New("updates.getState", nil), 0); !errors.Is(err, ErrDestroyed) {
		t.Errorf("SendRPC() after Destroy error = %v, want ErrDestroyed", err)
	}
}

func TestMultiSessionSetAuthKey(t *testing.T) {
	m := NewMultiSessionConnection(testPoolParams(), 3)
	t.Cleanup(m.Destroy)
	conns := m.Connections()

	if err := m.SetAuthKey(testAuthKey(1), false, 0, time.Time{}); err != nil {
		t.Fatalf("SetAuthKey() error = %v", err)
	}
	for i, c := range conns {
		if !c.HasAuthKey() {
			t.Errorf("conns[%d] has no permanent key", i)
		}
	}

	if err := m.SetAuthKey(testAuthKey(2), true, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetAuthKey(temp) error = %v", err)
	}
	for i, c := range conns {
		if got := hasTempKey(c); got != (i == 1) {
			t.Errorf("conns[%d] temp key = %v, want %v", i, got, i == 1)
		}
	}
	if err := m.SetAuthKey(testAuthKey(2), true, 7, time.Time{}); err != nil {
		t.Errorf("SetAuthKey(temp, out of range) error = %v", err)
	}
	if err := m.SetAuthKey(make([]byte, 10), false, 0, time.Time{}); err == nil {
		t.Error("SetAuthKey() with a short key succeeded")
	}

	m.ResetAuthKeys(conns[0])
	if !conns[0].HasAuthKey() || conns[1].HasAuthKey() || conns[2].HasAuthKey() {
		t.Error("ResetAuthKeys() did not keep only the skipped connection's key")
	}
}

func TestMultiSessionForwardsEvents(t *testing.T) {
	m := NewMultiSessionConnection(testPoolParams(), 2)
	t.Cleanup(m.Destroy)
	updates := watch(m.Events(), EventUpdate)

	conns := m.Connections()
	conns[1].emit(Event{Kind: EventUpdate, Update: tl.New("updatesTooLong", nil)})

	ev := updates.wait(t, "forwarded update")
	if ev.Index != 1 || ev.Conn != conns[1] {
		t.Errorf("forwarded event from idx %d conn %p, want idx 1 conn %p", ev.Index, ev.Conn, conns[1])
	}
}

func TestMultiSessionConnect(t *testing.T) {
	m := NewMultiSessionConnection(testPoolParams(), 2)
	t.Cleanup(m.Destroy)
	if m.Connected() {
		t.Error("Connected() = true before Connect")
	}
	m.Connect(context.Background())
	m.Connect(context.Background())
	if !m.Connected() {
		t.Error("Connected() = false after Connect")
	}
	if m.Usable() {
		t.Error("Usable() = true without a transport")
	}
}
