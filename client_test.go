package mtproto

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/mtproto/internal/config"
	mterrors "github.com/vango-dev/mtproto/internal/errors"
	"github.com/vango-dev/mtproto/pkg/network"
	"github.com/vango-dev/mtproto/pkg/storage"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.APIID = 12345
	cfg.DC = transport.DC{ID: 2, Address: "127.0.0.1", Port: 443}
	return cfg
}

// blockingFactory returns transports that never deliver a frame.
func blockingFactory(dials *atomic.Int32) transport.Factory {
	return func(ctx context.Context, dc transport.DC) (transport.Transport, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func newTestClient(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	var dials atomic.Int32
	opts = append([]Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithRegistry(prometheus.NewRegistry()),
		WithTransportFactory(blockingFactory(&dials)),
	}, opts...)
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := config.New()
	_, err := New(cfg, WithRegistry(prometheus.NewRegistry()))
	var e *mterrors.Error
	if !errors.As(err, &e) || e.Code != "E121" {
		t.Fatalf("New() without apiId error = %v, want E121", err)
	}
}

func TestNewDefaults(t *testing.T) {
	c := newTestClient(t, testConfig(t))

	if c.Manager() == nil || c.Metrics() == nil {
		t.Fatal("New() left manager or metrics nil")
	}
	if _, ok := c.Storage().(*storage.MemoryStore); !ok {
		t.Errorf("Storage() = %T, want *storage.MemoryStore", c.Storage())
	}
	readers, writers := c.Schema()
	if len(readers) == 0 || len(writers) == 0 {
		t.Error("Schema() returned empty tables")
	}
	if c.Config().APIID != 12345 {
		t.Errorf("Config().APIID = %d", c.Config().APIID)
	}
}

func TestNewFileStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Driver: config.DriverFile, Path: filepath.Join(t.TempDir(), "keys.json")}

	c := newTestClient(t, cfg)
	if _, ok := c.Storage().(*storage.FileStore); !ok {
		t.Errorf("Storage() = %T, want *storage.FileStore", c.Storage())
	}
}

func TestNewInvalidServerKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.ServerKeys = []string{"-----BEGIN RSA PUBLIC KEY-----\nbm90IGEga2V5\n-----END RSA PUBLIC KEY-----"}

	_, err := New(cfg, WithRegistry(prometheus.NewRegistry()))
	var e *mterrors.Error
	if !errors.As(err, &e) || e.Code != "E121" {
		t.Fatalf("New() with bad key error = %v, want E121", err)
	}
}

func TestNewSchemaPatch(t *testing.T) {
	c := newTestClient(t, testConfig(t), WithSchemaPatch("customThing#12345678 x:int = CustomThing;"))
	_, writers := c.Schema()
	if _, ok := writers["customThing"]; !ok {
		t.Error("patched writers missing customThing")
	}

	_, err := New(testConfig(t),
		WithRegistry(prometheus.NewRegistry()),
		WithSchemaPatch("broken#1 x:flags.0?int = Broken;"),
	)
	var e *mterrors.Error
	if !errors.As(err, &e) || e.Code != "E002" {
		t.Fatalf("New() with bad patch error = %v, want E002", err)
	}
}

func TestUsesProvidedStorage(t *testing.T) {
	store := storage.NewMemoryStore()
	c := newTestClient(t, testConfig(t), WithStorage(store))
	if c.Storage() != store {
		t.Fatal("Storage() is not the provided store")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := store.AuthKey(context.Background(), 2); err != nil {
		t.Errorf("provided store closed by Client.Close: %v", err)
	}
}

func TestCallTimesOutWithoutTransport(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, tl.New("help.getNearestDc", nil), network.WithTimeout(time.Hour)); err == nil {
		t.Fatal("Call() without a transport succeeded")
	}
}

func TestCallJSONRejectsBadInput(t *testing.T) {
	c := newTestClient(t, testConfig(t))

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"no type", `{"x": 1}`},
		{"unknown constructor", `{"_": "doesNotExist"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CallJSON(context.Background(), strings.NewReader(tt.body))
			var e *mterrors.Error
			if !errors.As(err, &e) || e.Code != "E143" {
				t.Errorf("CallJSON(%q) error = %v, want E143", tt.body, err)
			}
		})
	}
}

func TestUpdateAndErrorDispatch(t *testing.T) {
	c := newTestClient(t, testConfig(t))

	var got []string
	stop := c.OnUpdate(func(o *tl.Object) { got = append(got, o.Type) })
	c.dispatchUpdate(network.Event{Kind: network.EventUpdate, Update: tl.New("updatesTooLong", nil)})
	c.dispatchUpdate(network.Event{Kind: network.EventUpdate, Raw: []byte{1, 2, 3, 4}})
	stop()
	c.dispatchUpdate(network.Event{Kind: network.EventUpdate, Update: tl.New("updatesTooLong", nil)})
	if len(got) != 1 || got[0] != "updatesTooLong" {
		t.Errorf("updates = %v, want [updatesTooLong]", got)
	}

	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })
	c.dispatchError(network.ErrNotConnected)
	if len(errs) != 1 || !errors.Is(errs[0], network.ErrNotConnected) {
		t.Errorf("errors = %v", errs)
	}
}

func TestClose(t *testing.T) {
	c := newTestClient(t, testConfig(t))
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	if _, err := c.Call(context.Background(), tl.New("help.getNearestDc", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close error = %v, want ErrClosed", err)
	}
	var closed storage.ErrStoreClosed
	if _, err := c.Storage().AuthKey(context.Background(), 2); !errors.As(err, &closed) {
		t.Errorf("store after Close error = %v, want ErrStoreClosed", err)
	}
}
