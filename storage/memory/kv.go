package memorystore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

var _ oidckit.KV = (*KV)(nil)

// KV is an in-memory key-value store with TTL support.
// It only lives as long as the process; use the file or Redis store to survive restarts.
type KV struct {
	c *cache.Cache
}

func NewKV() *KV {
	return &KV{c: cache.New(cache.NoExpiration, time.Minute)}
}

func (k *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := k.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	return append([]byte(nil), b...), true, nil
}

// Set stores a copy of value. A ttl <= 0 keeps the entry until deleted.
func (k *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	k.c.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

func (k *KV) Del(_ context.Context, key string) error {
	k.c.Delete(key)
	return nil
}
