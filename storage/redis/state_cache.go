package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

var _ oidckit.StateCache = (*StateCache)(nil)

// StateCache keeps pending provider round-trips in Redis so any host replica can take the callback.
type StateCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewStateCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *StateCache {
	if prefix == "" {
		prefix = "kcbridge:state:"
	}
	if ttl <= 0 {
		ttl = oidckit.StateTTL
	}
	return &StateCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *StateCache) Put(ctx context.Context, state string, data oidckit.StateData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.prefix+state, b, s.ttl).Err()
}

func (s *StateCache) Get(ctx context.Context, state string) (oidckit.StateData, bool, error) {
	b, err := s.rdb.Get(ctx, s.prefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return oidckit.StateData{}, false, nil
	}
	if err != nil {
		return oidckit.StateData{}, false, err
	}
	var d oidckit.StateData
	if err := json.Unmarshal(b, &d); err != nil {
		return oidckit.StateData{}, false, err
	}
	return d, true, nil
}

func (s *StateCache) Del(ctx context.Context, state string) error {
	return s.rdb.Del(ctx, s.prefix+state).Err()
}
