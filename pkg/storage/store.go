package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuthKeyStore persists authorization keys per datacenter. Permanent keys
// are keyed by DC id; temporary keys by DC id and connection index.
// Implementations must be safe for concurrent use.
type AuthKeyStore interface {
	// AuthKey returns the permanent key for dc, or (nil, nil) if none is stored.
	AuthKey(ctx context.Context, dc int) ([]byte, error)

	// SetAuthKey stores the permanent key for dc. A nil key deletes it.
	SetAuthKey(ctx context.Context, dc int, key []byte) error

	// TempAuthKey returns the temporary key for (dc, idx) if it is still
	// valid at now, or (nil, nil) otherwise.
	TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error)

	// SetTempAuthKey stores a temporary key valid until expiresAt. A nil
	// key deletes it.
	SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error

	// DeleteByDC removes the permanent key and all temporary keys of dc.
	DeleteByDC(ctx context.Context, dc int) error

	// DeleteAll removes every stored key.
	DeleteAll(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (e ErrStoreClosed) Error() string {
	return "auth key store is closed"
}

// record is the value stored by the key-value backends (redis, etcd, s3).
type record struct {
	Key []byte `json:"key"`

	// ExpiresAt is a unix timestamp in seconds; zero for permanent keys.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

func (r record) valid(now time.Time) bool {
	return r.ExpiresAt == 0 || r.ExpiresAt > now.Unix()
}

func encodeRecord(key []byte, expiresAt time.Time) ([]byte, error) {
	r := record{Key: key}
	if !expiresAt.IsZero() {
		r.ExpiresAt = expiresAt.Unix()
	}
	return json.Marshal(r)
}

func decodeRecord(name string, data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("storage: decode %s: %w", name, err)
	}
	return r, nil
}

// keyLayout names keys in flat key-value namespaces:
// <prefix><sep>perm<sep><dc> and <prefix><sep>temp<sep><dc><sep><idx>.
type keyLayout struct {
	prefix string
	sep    string
}

func (l keyLayout) perm(dc int) string {
	return fmt.Sprintf("%s%sperm%s%d", l.prefix, l.sep, l.sep, dc)
}

func (l keyLayout) temp(dc, idx int) string {
	return fmt.Sprintf("%s%d", l.tempDC(dc), idx)
}

func (l keyLayout) tempDC(dc int) string {
	return fmt.Sprintf("%s%stemp%s%d%s", l.prefix, l.sep, l.sep, dc, l.sep)
}

func (l keyLayout) all() string {
	return l.prefix + l.sep
}
