package network

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

var testDC = transport.DC{ID: 2, Address: "127.0.0.1", Port: 443}

func testManagerParams(srv *fakeServer) Params {
	conn := testConnParams(srv)
	return Params{
		Storage:       storage.NewMemoryStore(),
		Logger:        discardLogger(),
		Keys:          conn.Keys,
		APIID:         conn.APIID,
		Init:          conn.Init,
		Factory:       conn.Factory,
		Strategy:      conn.Strategy,
		FlushInterval: conn.FlushInterval,
	}
}

func newTestManager(t *testing.T, p Params) *Manager {
	t.Helper()
	m, err := NewManager(p)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

func TestManagerConnectAndCall(t *testing.T) {
	srv := newFakeServer(t)
	p := testManagerParams(srv)
	reg := prometheus.NewRegistry()
	p.Metrics = NewMetrics(WithRegistry(reg))
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Connect(ctx, testDC); !errors.Is(err, ErrManagerAlreadyExists) {
		t.Errorf("second Connect() error = %v, want ErrManagerAlreadyExists", err)
	}
	if d := m.Primary(); d == nil || d.DC().ID != 2 {
		t.Fatalf("Primary() = %v, want dc 2", d)
	}

	res, err := m.Call(ctx, tl.New("help.getNearestDc", nil))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.Int("thisDc") != 2 {
		t.Errorf("thisDc = %d, want 2", res.Int("thisDc"))
	}

	stored, err := p.Storage.AuthKey(ctx, 2)
	if err != nil {
		t.Fatalf("AuthKey() error = %v", err)
	}
	serverKey, _ := srv.currentKey()
	if !bytes.Equal(stored, serverKey.Key()) {
		t.Error("negotiated key was not persisted")
	}
	if m.Primary().State() != StateUsable {
		t.Errorf("State() = %s, want usable", m.Primary().State())
	}

	if got := testutil.ToFloat64(p.Metrics.rpcCalls.WithLabelValues("help.getNearestDc", "ok")); got != 1 {
		t.Errorf("rpc_calls_total{ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.Metrics.connectionsActive.WithLabelValues("2", "main")); got != 1 {
		t.Errorf("connections_active = %v, want 1", got)
	}
}

func TestManagerReusesStoredKey(t *testing.T) {
	srv := newFakeServer(t)
	key := testAuthKey(11)
	srv.setKey(key, 5)

	p := testManagerParams(srv)
	ctx := context.Background()
	if err := p.Storage.SetAuthKey(ctx, 2, key); err != nil {
		t.Fatal(err)
	}
	m := newTestManager(t, p)
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := m.Call(callCtx, tl.New("help.getNearestDc", nil)); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if current, _ := srv.currentKey(); !bytes.Equal(current.Key(), key) {
		t.Error("stored key was replaced by a new handshake")
	}
}

func TestManagerRPCErrorMetrics(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle(func(r *request) bool {
		if r.obj.Type == "help.getNearestDc" {
			r.replyError(400, "METHOD_INVALID")
			return true
		}
		return false
	})
	p := testManagerParams(srv)
	p.Metrics = NewMetrics(WithRegistry(prometheus.NewRegistry()))
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	_, err := m.Call(ctx, tl.New("help.getNearestDc", nil))
	if !errors.Is(err, &RPCError{Message: "METHOD_INVALID"}) {
		t.Fatalf("Call() error = %v, want METHOD_INVALID", err)
	}
	if got := testutil.ToFloat64(p.Metrics.rpcCalls.WithLabelValues("help.getNearestDc", "rpc_error")); got != 1 {
		t.Errorf("rpc_calls_total{rpc_error} = %v, want 1", got)
	}
}

func TestManagerDefaultTimeout(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle(func(r *request) bool { return r.obj.Type == "updates.getState" })
	p := testManagerParams(srv)
	p.RPCTimeout = 100 * time.Millisecond
	m := newTestManager(t, p)

	ctx := context.Background()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil), WithTimeout(10*time.Second)); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if _, err := m.Call(ctx, tl.New("updates.getState", nil)); !errors.Is(err, ErrRPCTimeout) {
		t.Errorf("Call() error = %v, want ErrRPCTimeout", err)
	}
}

func TestManagerOnUpdate(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle(func(r *request) bool {
		if r.obj.Type == "updates.getState" {
			r.conn.push(tl.New("updatesTooLong", nil), true)
		}
		return false
	})
	updates := make(chan Event, 8)
	p := testManagerParams(srv)
	p.OnUpdate = func(ev Event) { updates <- ev }
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Call(ctx, tl.New("updates.getState", nil)); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	select {
	case ev := <-updates:
		if ev.Update == nil || ev.Update.Type != "updatesTooLong" {
			t.Errorf("OnUpdate got %v", ev.Update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnUpdate was not called")
	}
}

func TestManagerLoadKeysErrorReported(t *testing.T) {
	srv := newFakeServer(t)
	p := testManagerParams(srv)
	store := storage.NewMemoryStore()
	store.Close()
	p.Storage = store

	var (
		mu   sync.Mutex
		errs []error
	)
	p.OnError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	// The connection still negotiates a key and serves calls.
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil)); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) == 0 || !errors.As(errs[0], new(storage.ErrStoreClosed)) {
		t.Errorf("OnError got %v, want ErrStoreClosed first", errs)
	}
}

func TestManagerWithDC(t *testing.T) {
	primary := newFakeServer(t)
	other := newFakeServer(t)
	p := testManagerParams(primary)
	p.Factory = func(ctx context.Context, dc transport.DC) (transport.Transport, error) {
		if dc.ID == 4 {
			return other.factory()(ctx, dc)
		}
		return primary.factory()(ctx, dc)
	}
	p.DCs = StaticDCs{
		testDC,
		{ID: 4, Address: "127.0.0.4", Port: 443, MediaOnly: true},
		{ID: 4, Address: "127.0.0.2", Port: 443},
	}
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil), WithDC(4)); err != nil {
		t.Fatalf("Call(WithDC(4)) error = %v", err)
	}
	d, ok := m.DC(4)
	if !ok {
		t.Fatal("DC(4) not created")
	}
	if d.DC().Address != "127.0.0.2" {
		t.Errorf("DC(4) address = %s, want the non-media entry", d.DC().Address)
	}
	if m.Primary().DC().ID != 2 {
		t.Error("WithDC changed the primary")
	}
	if other.dialCount() == 0 {
		t.Error("dc 4 was never dialed")
	}

	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil), WithDC(9)); !errors.Is(err, ErrUnknownDC) {
		t.Errorf("Call(WithDC(9)) error = %v, want ErrUnknownDC", err)
	}
	if err := m.SwitchPrimary(4); err != nil {
		t.Errorf("SwitchPrimary(4) error = %v", err)
	}
	if m.Primary() != d {
		t.Error("SwitchPrimary(4) did not switch")
	}
}

func TestManagerSwitchPrimaryMovesUpdates(t *testing.T) {
	primary := newFakeServer(t)
	other := newFakeServer(t)
	p := testManagerParams(primary)
	p.Factory = func(ctx context.Context, dc transport.DC) (transport.Transport, error) {
		if dc.ID == 4 {
			return other.factory()(ctx, dc)
		}
		return primary.factory()(ctx, dc)
	}
	p.DCs = StaticDCs{testDC, {ID: 4, Address: "127.0.0.2", Port: 443}}

	var (
		mu  sync.Mutex
		got []int
	)
	p.OnUpdate = func(ev Event) {
		mu.Lock()
		got = append(got, ev.Index)
		mu.Unlock()
	}
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil), WithDC(4)); err != nil {
		t.Fatalf("Call(WithDC(4)) error = %v", err)
	}
	old := m.Primary()
	next, _ := m.DC(4)
	update := func(d *DcConnectionManager, marker int) {
		d.Events().Emit(Event{Kind: EventUpdate, Index: marker, Update: tl.New("updatesTooLong", nil)})
	}

	update(old, 2)
	update(next, 40)
	if err := m.SwitchPrimary(4); err != nil {
		t.Fatalf("SwitchPrimary(4) error = %v", err)
	}
	update(old, 20)
	update(next, 4)
	if err := m.SwitchPrimary(4); err != nil {
		t.Fatalf("SwitchPrimary(4) again error = %v", err)
	}
	update(next, 44)

	mu.Lock()
	defer mu.Unlock()
	want := []int{2, 4, 44}
	if len(got) != len(want) {
		t.Fatalf("delivered updates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivered updates = %v, want %v", got, want)
			break
		}
	}
}

func TestManagerErrors(t *testing.T) {
	if _, err := NewManager(Params{}); err == nil {
		t.Error("NewManager() without Factory succeeded")
	}

	m := newTestManager(t, Params{Factory: blockingFactory, Logger: discardLogger()})
	ctx := context.Background()
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Call() before Connect error = %v, want ErrNotConnected", err)
	}
	if err := m.SwitchPrimary(5); !errors.Is(err, ErrUnknownDC) {
		t.Errorf("SwitchPrimary(5) error = %v, want ErrUnknownDC", err)
	}
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil), WithDC(3)); !errors.Is(err, ErrUnknownDC) {
		t.Errorf("Call(WithDC(3)) without provider error = %v, want ErrUnknownDC", err)
	}
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchPrimary(2); err != nil {
		t.Errorf("SwitchPrimary(current) error = %v", err)
	}

	m.Destroy()
	m.Destroy()
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil)); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Call() after Destroy error = %v, want ErrDestroyed", err)
	}
	if err := m.Connect(ctx, transport.DC{ID: 3}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Connect() after Destroy error = %v, want ErrDestroyed", err)
	}
}

func TestManagerKeepAlive(t *testing.T) {
	srv := newFakeServer(t)
	p := testManagerParams(srv)
	p.KeepAliveInterval = 20 * time.Millisecond
	p.KeepAliveIdle = 10 * time.Millisecond
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Call(ctx, tl.New("help.getNearestDc", nil)); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	srv.waitRequest(t, "updates.getState")
}

func TestManagerKeepAliveIgnoresPongs(t *testing.T) {
	srv := newFakeServer(t)
	p := testManagerParams(srv)
	p.PingInterval = 10 * time.Millisecond
	p.KeepAliveInterval = 20 * time.Millisecond
	p.KeepAliveIdle = 150 * time.Millisecond
	m := newTestManager(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	srv.waitRequest(t, "ping_delay_disconnect")
	srv.waitRequest(t, "updates.getState")

	if recv := m.Primary().MainConnection().LastReceived(); time.Since(recv) > time.Second {
		t.Errorf("LastReceived() = %v, want recent pong traffic", recv)
	}
}

func TestManagerDestroyRejectsInFlight(t *testing.T) {
	srv := newFakeServer(t)
	srv.handle(func(r *request) bool { return r.obj.Type == "updates.getState" })
	m := newTestManager(t, testManagerParams(srv))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Connect(ctx, testDC); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := m.Call(ctx, tl.New("updates.getState", nil))
		done <- err
	}()
	srv.waitRequest(t, "updates.getState")

	m.Destroy()
	select {
	case err := <-done:
		if !errors.Is(err, ErrDestroyed) {
			t.Errorf("Call() error = %v, want ErrDestroyed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call not rejected")
	}
}
