package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

// ErrCorruptSession means a stored application session could not be read; it has been removed.
var ErrCorruptSession = errors.New("kcbridge: stored app session is corrupt")

// AppSession is the application-issued session the host keeps after an exchange.
type AppSession struct {
	Token       string      `json:"token"`
	User        UserProfile `json:"user"`
	ExchangedAt time.Time   `json:"exchanged_at"`
}

// AppSessionStore persists the application session between process starts.
type AppSessionStore interface {
	Load(ctx context.Context) (*AppSession, error)
	Save(ctx context.Context, s AppSession) error
	Clear(ctx context.Context) error
}

// DefaultAppSessionKey is the KV key used when none is given.
const DefaultAppSessionKey = "kcbridge:app-session"

// KVAppSessionStore keeps the application session as one JSON record.
type KVAppSessionStore struct {
	kv  oidckit.KV
	key string
}

func NewKVAppSessionStore(kv oidckit.KV, key string) *KVAppSessionStore {
	if key == "" {
		key = DefaultAppSessionKey
	}
	return &KVAppSessionStore{kv: kv, key: key}
}

// Load returns (nil, nil) when nothing is stored. A record that fails to decode,
// or lacks a token, is deleted and reported as ErrCorruptSession.
func (s *KVAppSessionStore) Load(ctx context.Context) (*AppSession, error) {
	b, ok, err := s.kv.Get(ctx, s.key)
	if err != nil || !ok {
		return nil, err
	}
	var sess AppSession
	if err := json.Unmarshal(b, &sess); err != nil || sess.Token == "" {
		if derr := s.kv.Del(ctx, s.key); derr != nil {
			return nil, fmt.Errorf("drop corrupt app session: %w", derr)
		}
		return nil, ErrCorruptSession
	}
	return &sess, nil
}

func (s *KVAppSessionStore) Save(ctx context.Context, sess AppSession) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, s.key, b, 0)
}

func (s *KVAppSessionStore) Clear(ctx context.Context) error {
	return s.kv.Del(ctx, s.key)
}
