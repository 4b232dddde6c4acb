package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockRedisClient is an in-memory RedisClient. Keys supports trailing
// "*" patterns only.
type mockRedisClient struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration

	sets int
	dels int

	getErr error
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	switch v := value.(type) {
	case []byte:
		m.data[key] = append([]byte(nil), v...)
	case string:
		m.data[key] = []byte(v)
	default:
		return &mockStatusCmd{err: errors.New("unsupported value type")}
	}
	m.ttls[key] = expiration
	return &mockStatusCmd{}
}

func (m *mockRedisClient) Get(ctx context.Context, key string) RedisStringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return &mockStringCmd{err: m.getErr}
	}
	data, ok := m.data[key]
	if !ok {
		return &mockStringCmd{err: ErrRedisNil}
	}
	return &mockStringCmd{data: append([]byte(nil), data...)}
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) RedisIntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dels++
	for _, k := range keys {
		delete(m.data, k)
		delete(m.ttls, k)
	}
	return &mockIntCmd{}
}

func (m *mockRedisClient) Keys(ctx context.Context, pattern string) RedisStringSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return &mockStringSliceCmd{keys: out}
}

func (m *mockRedisClient) Close() error { return nil }

type mockStatusCmd struct{ err error }

func (c *mockStatusCmd) Err() error { return c.err }

type mockStringCmd struct {
	data []byte
	err  error
}

func (c *mockStringCmd) Bytes() ([]byte, error) { return c.data, c.err }
func (c *mockStringCmd) Err() error             { return c.err }

type mockIntCmd struct{ err error }

func (c *mockIntCmd) Err() error { return c.err }

type mockStringSliceCmd struct {
	keys []string
	err  error
}

func (c *mockStringSliceCmd) Result() ([]string, error) { return c.keys, c.err }

func TestRedisStore(t *testing.T) {
	testStoreContract(t, NewRedisStore(newMockRedisClient()))
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	client := newMockRedisClient()
	store := NewRedisStore(client, WithRedisPrefix("app"))
	ctx := context.Background()

	if store.Prefix() != "app" {
		t.Fatalf("Prefix() got %q want %q", store.Prefix(), "app")
	}
	if got := store.KeyFor(2, -1); got != "app:perm:2" {
		t.Fatalf("KeyFor(2, -1) got %q", got)
	}
	if got := store.KeyFor(2, 1); got != "app:temp:2:1" {
		t.Fatalf("KeyFor(2, 1) got %q", got)
	}

	if err := store.SetAuthKey(ctx, 2, testKey(1)); err != nil {
		t.Fatalf("SetAuthKey() error: %v", err)
	}
	if err := store.SetTempAuthKey(ctx, 2, 1, testKey(2), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetTempAuthKey() error: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if ttl := client.ttls["app:perm:2"]; ttl != 0 {
		t.Errorf("perm key ttl = %v, want 0", ttl)
	}
	if ttl := client.ttls["app:temp:2:1"]; ttl <= 59*time.Minute || ttl > time.Hour {
		t.Errorf("temp key ttl = %v, want about 1h", ttl)
	}
}

func TestRedisStore_ExpiredTempKeyIsDeleted(t *testing.T) {
	client := newMockRedisClient()
	store := NewRedisStore(client)
	ctx := context.Background()

	_ = store.SetTempAuthKey(ctx, 3, 0, testKey(1), time.Now().Add(time.Hour))
	if err := store.SetTempAuthKey(ctx, 3, 0, testKey(2), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SetTempAuthKey(expired) error: %v", err)
	}

	client.mu.Lock()
	_, exists := client.data["mtproto:temp:3:0"]
	sets := client.sets
	client.mu.Unlock()
	if exists {
		t.Fatal("expired temp key still present")
	}
	if sets != 1 {
		t.Fatalf("Set called %d times, want 1", sets)
	}
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	client := newMockRedisClient()
	a := NewRedisStore(client, WithRedisPrefix("a"))
	b := NewRedisStore(client, WithRedisPrefix("b"))
	ctx := context.Background()

	_ = a.SetAuthKey(ctx, 1, testKey(1))
	_ = b.SetAuthKey(ctx, 1, testKey(2))

	if err := a.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() error: %v", err)
	}
	if key, _ := b.AuthKey(ctx, 1); key == nil {
		t.Fatal("DeleteAll on prefix a removed keys of prefix b")
	}
}

func TestRedisStore_GetError(t *testing.T) {
	client := newMockRedisClient()
	client.getErr = errors.New("connection refused")
	store := NewRedisStore(client)

	if _, err := store.AuthKey(context.Background(), 1); err == nil {
		t.Fatal("AuthKey() should surface client errors")
	}
}

func TestIsRedisNil(t *testing.T) {
	if !isRedisNil(ErrRedisNil) {
		t.Error("isRedisNil(ErrRedisNil) = false")
	}
	if !isRedisNil(errors.New("redis: nil")) {
		t.Error("isRedisNil should match go-redis nil by message")
	}
	if isRedisNil(errors.New("boom")) {
		t.Error("isRedisNil(boom) = true")
	}
}
