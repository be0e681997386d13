package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

var _ oidckit.KV = (*KV)(nil)

type entry struct {
	Value   []byte    `json:"v"`
	Expires time.Time `json:"exp,omitempty"`
}

// KV keeps every key in one JSON file readable only by the owner.
// Intended for a single CLI user; writes replace the file atomically.
type KV struct {
	mu   sync.Mutex
	path string
}

// NewKV stores data at path, creating the parent directory on first write.
func NewKV(path string) *KV { return &KV{path: path} }

// DefaultPath is $XDG_CONFIG_HOME/kcbridge/session.json or the OS equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kcbridge", "session.json"), nil
}

func (k *KV) Path() string { return k.path }

func (k *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.load()
	if err != nil {
		return nil, false, err
	}
	e, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.Expires.IsZero() && time.Now().After(e.Expires) {
		delete(m, key)
		return nil, false, k.save(m)
	}
	return e.Value, true, nil
}

func (k *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.load()
	if err != nil {
		return err
	}
	e := entry{Value: value}
	if ttl > 0 {
		e.Expires = time.Now().Add(ttl)
	}
	m[key] = e
	return k.save(m)
}

func (k *KV) Del(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return k.save(m)
}

func (k *KV) load() (map[string]entry, error) {
	m := make(map[string]entry)
	b, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(b, &m); err != nil {
		// a damaged file is discarded rather than blocking every later read
		return make(map[string]entry), nil
	}
	return m, nil
}

func (k *KV) save(m map[string]entry) error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(k.path), ".kcbridge-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), k.path); err != nil {
		return fmt.Errorf("replace %s: %w", k.path, err)
	}
	return nil
}
