package storage

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV is the part of clientv3.KV the store uses. *clientv3.Client
// satisfies it.
type EtcdKV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// EtcdStore keeps keys in etcd under <prefix>/perm/<dc> and
// <prefix>/temp/<dc>/<idx>, with JSON values.
type EtcdStore struct {
	kv     EtcdKV
	layout keyLayout
	closer func() error
	closed atomic.Bool
}

// EtcdStoreOption configures EtcdStore behavior.
type EtcdStoreOption func(*etcdStoreConfig)

type etcdStoreConfig struct {
	prefix string
}

// WithEtcdPrefix sets the key prefix.
// Default: "/mtproto/v1".
func WithEtcdPrefix(prefix string) EtcdStoreOption {
	return func(c *etcdStoreConfig) {
		c.prefix = prefix
	}
}

// NewEtcdStore creates a store on an existing etcd client. Close does not
// close the client.
func NewEtcdStore(kv EtcdKV, opts ...EtcdStoreOption) *EtcdStore {
	cfg := &etcdStoreConfig{
		prefix: "/mtproto/v1",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &EtcdStore{
		kv:     kv,
		layout: keyLayout{prefix: cfg.prefix, sep: "/"},
	}
}

// DialEtcd connects to the etcd cluster at endpoints. The returned store
// owns the client and closes it on Close.
func DialEtcd(endpoints []string, opts ...EtcdStoreOption) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: etcd dial: %w", err)
	}
	s := NewEtcdStore(client, opts...)
	s.closer = client.Close
	return s, nil
}

func (s *EtcdStore) get(ctx context.Context, key string, now time.Time) ([]byte, error) {
	resp, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("storage: etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}
	rec, err := decodeRecord(key, resp.Kvs[0].Value)
	if err != nil {
		return nil, err
	}
	if !rec.valid(now) {
		return nil, nil
	}
	return rec.Key, nil
}

func (s *EtcdStore) put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	if value == nil {
		if _, err := s.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("storage: etcd delete %q: %w", key, err)
		}
		return nil
	}
	data, err := encodeRecord(value, expiresAt)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("storage: etcd put %q: %w", key, err)
	}
	return nil
}

// AuthKey returns the permanent key for dc.
func (s *EtcdStore) AuthKey(ctx context.Context, dc int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}
	return s.get(ctx, s.layout.perm(dc), time.Now())
}

// SetAuthKey stores the permanent key.
func (s *EtcdStore) SetAuthKey(ctx context.Context, dc int, key []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	return s.put(ctx, s.layout.perm(dc), key, time.Time{})
}

// TempAuthKey returns the temporary key if it has not expired at now.
func (s *EtcdStore) TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}
	return s.get(ctx, s.layout.temp(dc, idx), now)
}

// SetTempAuthKey stores a temporary key with its expiry.
func (s *EtcdStore) SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	return s.put(ctx, s.layout.temp(dc, idx), key, expiresAt)
}

// DeleteByDC removes the permanent key and every temporary key of dc.
func (s *EtcdStore) DeleteByDC(ctx context.Context, dc int) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	if _, err := s.kv.Delete(ctx, s.layout.perm(dc)); err != nil {
		return fmt.Errorf("storage: etcd delete: %w", err)
	}
	if _, err := s.kv.Delete(ctx, s.layout.tempDC(dc), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("storage: etcd delete: %w", err)
	}
	return nil
}

// DeleteAll removes every key under the prefix.
func (s *EtcdStore) DeleteAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	if _, err := s.kv.Delete(ctx, s.layout.all(), clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("storage: etcd delete: %w", err)
	}
	return nil
}

// Close closes the etcd client if the store dialed it.
func (s *EtcdStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
