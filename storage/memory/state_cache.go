package memorystore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

var _ oidckit.StateCache = (*StateCache)(nil)

// StateCache holds pending provider round-trips in memory.
// Only suitable when the callback lands on the process that started the flow.
type StateCache struct {
	c *cache.Cache
}

// NewStateCache creates a cache whose entries expire after ttl (oidckit.StateTTL when <= 0).
func NewStateCache(ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = oidckit.StateTTL
	}
	return &StateCache{c: cache.New(ttl, ttl)}
}

func (s *StateCache) Put(_ context.Context, state string, data oidckit.StateData) error {
	s.c.SetDefault(state, data)
	return nil
}

func (s *StateCache) Get(_ context.Context, state string) (oidckit.StateData, bool, error) {
	v, ok := s.c.Get(state)
	if !ok {
		return oidckit.StateData{}, false, nil
	}
	d, ok := v.(oidckit.StateData)
	return d, ok, nil
}

func (s *StateCache) Del(_ context.Context, state string) error {
	s.c.Delete(state)
	return nil
}

// Len reports the number of pending round-trips, expired ones included until the janitor runs.
func (s *StateCache) Len() int { return s.c.ItemCount() }
