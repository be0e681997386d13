// Package memorylimiter is a fixed-window, per-key request limiter held in process memory.
package memorylimiter

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type Limit struct {
	Limit  int
	Window time.Duration
}

// Limiter counts requests per key in fixed windows. Buckets without an entry use "default".
type Limiter struct {
	mu     sync.Mutex
	c      *gocache.Cache
	limits map[string]Limit
}

func New(limits map[string]Limit) *Limiter {
	return &Limiter{c: gocache.New(time.Minute, 5*time.Minute), limits: limits}
}

func (l *Limiter) limitFor(bucket string) (Limit, bool) {
	if lim, ok := l.limits[bucket]; ok {
		return lim, true
	}
	lim, ok := l.limits["default"]
	return lim, ok
}

func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	lim, ok := l.limitFor(bucket)
	if !ok || lim.Limit <= 0 || lim.Window <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.c.Add(key, 1, lim.Window); err == nil {
		return true, nil
	}
	n, err := l.c.IncrementInt(key, 1)
	if err != nil {
		// window expired between Add and Increment
		l.c.Set(key, 1, lim.Window)
		return true, nil
	}
	return n <= lim.Limit, nil
}
