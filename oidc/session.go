package oidckit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StoredSession is the persisted part of a provider session. A later process uses it
// to detect the session silently, the way a browser would rely on the provider cookie.
type StoredSession struct {
	RefreshToken string    `json:"refresh_token"`
	Nonce        string    `json:"nonce,omitempty"`
	Subject      string    `json:"sub,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// SessionStore persists the provider session between process starts.
type SessionStore interface {
	Load(ctx context.Context) (StoredSession, bool, error)
	Save(ctx context.Context, s StoredSession) error
	Clear(ctx context.Context) error
}

// KV is the key-value contract shared by the storage backends.
// Missing keys are reported as (nil, false, nil).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// DefaultSessionKey is the KV key used by NewKVSessionStore when key is empty.
const DefaultSessionKey = "kcbridge:provider-session"

type kvSessionStore struct {
	kv  KV
	key string
}

// NewKVSessionStore keeps the provider session as a single JSON record in kv.
func NewKVSessionStore(kv KV, key string) SessionStore {
	if key == "" {
		key = DefaultSessionKey
	}
	return &kvSessionStore{kv: kv, key: key}
}

func (s *kvSessionStore) Load(ctx context.Context) (StoredSession, bool, error) {
	b, ok, err := s.kv.Get(ctx, s.key)
	if err != nil || !ok {
		return StoredSession{}, false, err
	}
	var out StoredSession
	if err := json.Unmarshal(b, &out); err != nil || out.RefreshToken == "" {
		// unreadable records are dropped and treated as absent
		if derr := s.kv.Del(ctx, s.key); derr != nil {
			return StoredSession{}, false, fmt.Errorf("drop provider session: %w", derr)
		}
		return StoredSession{}, false, nil
	}
	return out, true, nil
}

func (s *kvSessionStore) Save(ctx context.Context, sess StoredSession) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, s.key, b, 0)
}

func (s *kvSessionStore) Clear(ctx context.Context) error {
	return s.kv.Del(ctx, s.key)
}
