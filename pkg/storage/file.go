package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileStore keeps keys in a JSON file. The file is read once on open and
// rewritten after every change; writes go to a temporary file that is
// renamed over the original, so a crash never leaves a torn file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	data   fileData
	closed bool
}

type fileData struct {
	AuthKeys     map[string][]byte      `json:"authKeys"`
	TempAuthKeys map[string]fileTempKey `json:"tempAuthKeys"`
}

type fileTempKey struct {
	Key       []byte    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewFileStore opens the store at path. A missing file is treated as empty.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: fileData{
			AuthKeys:     make(map[string][]byte),
			TempAuthKeys: make(map[string]fileTempKey),
		},
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("storage: read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("storage: parse %s: %w", path, err)
	}
	if s.data.AuthKeys == nil {
		s.data.AuthKeys = make(map[string][]byte)
	}
	if s.data.TempAuthKeys == nil {
		s.data.TempAuthKeys = make(map[string]fileTempKey)
	}
	return s, nil
}

func fileTempName(dc, idx int) string {
	return strconv.Itoa(dc) + ":" + strconv.Itoa(idx)
}

// AuthKey returns the permanent key for dc.
func (s *FileStore) AuthKey(ctx context.Context, dc int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed{}
	}
	return bytes.Clone(s.data.AuthKeys[strconv.Itoa(dc)]), nil
}

// SetAuthKey stores the permanent key and rewrites the file.
func (s *FileStore) SetAuthKey(ctx context.Context, dc int, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	name := strconv.Itoa(dc)
	if key == nil {
		delete(s.data.AuthKeys, name)
	} else {
		s.data.AuthKeys[name] = bytes.Clone(key)
	}
	return s.save()
}

// TempAuthKey returns the temporary key if it has not expired at now.
func (s *FileStore) TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed{}
	}
	e, ok := s.data.TempAuthKeys[fileTempName(dc, idx)]
	if !ok || !e.ExpiresAt.After(now) {
		return nil, nil
	}
	return bytes.Clone(e.Key), nil
}

// SetTempAuthKey stores a temporary key and rewrites the file.
func (s *FileStore) SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	name := fileTempName(dc, idx)
	if key == nil {
		delete(s.data.TempAuthKeys, name)
	} else {
		s.data.TempAuthKeys[name] = fileTempKey{Key: bytes.Clone(key), ExpiresAt: expiresAt}
	}
	return s.save()
}

// DeleteByDC removes all keys of dc.
func (s *FileStore) DeleteByDC(ctx context.Context, dc int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	delete(s.data.AuthKeys, strconv.Itoa(dc))
	prefix := strconv.Itoa(dc) + ":"
	for name := range s.data.TempAuthKeys {
		if strings.HasPrefix(name, prefix) {
			delete(s.data.TempAuthKeys, name)
		}
	}
	return s.save()
}

// DeleteAll removes every key.
func (s *FileStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed{}
	}
	clear(s.data.AuthKeys)
	clear(s.data.TempAuthKeys)
	return s.save()
}

// Close marks the store closed. Data is already on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// save must be called with mu held.
func (s *FileStore) save() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("storage: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("storage: rename %s: %w", tmp, err)
	}
	return nil
}
