package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// RedisClient is the subset of Redis commands the store needs. It mirrors
// the github.com/redis/go-redis/v9 method set; wrap a go-redis client in
// a thin adapter to use it.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) RedisStatusCmd
	Get(ctx context.Context, key string) RedisStringCmd
	Del(ctx context.Context, keys ...string) RedisIntCmd
	Keys(ctx context.Context, pattern string) RedisStringSliceCmd
	Close() error
}

// RedisStatusCmd represents a Redis status command result.
type RedisStatusCmd interface {
	Err() error
}

// RedisStringCmd represents a Redis string command result.
type RedisStringCmd interface {
	Bytes() ([]byte, error)
	Err() error
}

// RedisIntCmd represents a Redis int command result.
type RedisIntCmd interface {
	Err() error
}

// RedisStringSliceCmd represents a Redis multi-bulk string result.
type RedisStringSliceCmd interface {
	Result() ([]string, error)
}

// ErrRedisNil is returned when a key doesn't exist in Redis.
// This should match redis.Nil from go-redis.
var ErrRedisNil = errors.New("redis: nil")

// RedisStore keeps keys in Redis. Temporary keys are written with a TTL
// so Redis expires them on its own.
type RedisStore struct {
	client RedisClient
	layout keyLayout
	closed atomic.Bool
}

// RedisStoreOption configures RedisStore behavior.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix.
// Default: "mtproto".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a new Redis-backed key store.
func NewRedisStore(client RedisClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{
		prefix: "mtproto",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &RedisStore{
		client: client,
		layout: keyLayout{prefix: cfg.prefix, sep: ":"},
	}
}

func isRedisNil(err error) bool {
	return errors.Is(err, ErrRedisNil) || err.Error() == ErrRedisNil.Error()
}

func (r *RedisStore) load(ctx context.Context, key string, now time.Time) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, err
	}
	rec, err := decodeRecord(key, data)
	if err != nil {
		return nil, err
	}
	if !rec.valid(now) {
		return nil, nil
	}
	return rec.Key, nil
}

// AuthKey returns the permanent key for dc.
func (r *RedisStore) AuthKey(ctx context.Context, dc int) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed{}
	}
	return r.load(ctx, r.layout.perm(dc), time.Now())
}

// SetAuthKey stores the permanent key without expiry.
func (r *RedisStore) SetAuthKey(ctx context.Context, dc int, key []byte) error {
	if r.closed.Load() {
		return ErrStoreClosed{}
	}
	if key == nil {
		return r.client.Del(ctx, r.layout.perm(dc)).Err()
	}
	data, err := encodeRecord(key, time.Time{})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.layout.perm(dc), data, 0).Err()
}

// TempAuthKey returns the temporary key if it has not expired at now.
func (r *RedisStore) TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed{}
	}
	return r.load(ctx, r.layout.temp(dc, idx), now)
}

// SetTempAuthKey stores a temporary key with a TTL ending at expiresAt.
// A key that is already expired is deleted instead.
func (r *RedisStore) SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error {
	if r.closed.Load() {
		return ErrStoreClosed{}
	}
	name := r.layout.temp(dc, idx)

	ttl := time.Until(expiresAt)
	if key == nil || ttl <= 0 {
		return r.client.Del(ctx, name).Err()
	}

	data, err := encodeRecord(key, expiresAt)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, name, data, ttl).Err()
}

// DeleteByDC removes the permanent key and every temporary key of dc.
func (r *RedisStore) DeleteByDC(ctx context.Context, dc int) error {
	if r.closed.Load() {
		return ErrStoreClosed{}
	}
	keys, err := r.client.Keys(ctx, r.layout.tempDC(dc)+"*").Result()
	if err != nil {
		return err
	}
	return r.client.Del(ctx, append(keys, r.layout.perm(dc))...).Err()
}

// DeleteAll removes every key under the prefix.
func (r *RedisStore) DeleteAll(ctx context.Context) error {
	if r.closed.Load() {
		return ErrStoreClosed{}
	}
	keys, err := r.client.Keys(ctx, r.layout.all()+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Close marks the store as closed.
// Note: This does not close the underlying Redis client,
// as it may be shared with other components.
func (r *RedisStore) Close() error {
	r.closed.Store(true)
	return nil
}

// Prefix returns the current key prefix.
func (r *RedisStore) Prefix() string {
	return r.layout.prefix
}

// KeyFor returns the Redis key of a permanent (idx < 0) or temporary key.
func (r *RedisStore) KeyFor(dc, idx int) string {
	if idx < 0 {
		return r.layout.perm(dc)
	}
	return r.layout.temp(dc, idx)
}

