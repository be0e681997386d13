// Package redislimiter is a fixed-window, per-key request limiter shared through Redis.
package redislimiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limit struct {
	Limit  int
	Window time.Duration
}

type Limiter struct {
	rdb    redis.UniversalClient
	limits map[string]Limit
	prefix string
}

func New(rdb redis.UniversalClient, limits map[string]Limit) *Limiter {
	return &Limiter{rdb: rdb, limits: limits, prefix: "kcbridge:rl:"}
}

func (l *Limiter) AllowNamed(bucket, key string) (bool, error) {
	lim, ok := l.limits[bucket]
	if !ok {
		lim, ok = l.limits["default"]
	}
	if !ok || lim.Limit <= 0 || lim.Window <= 0 {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	k := l.prefix + key
	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	if _, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		pttl = p.PTTL(ctx, k)
		return nil
	}); err != nil {
		return false, err
	}
	// a window key without expiry (first hit, or an earlier PExpire that failed) gets one now
	if pttl.Val() < 0 {
		if err := l.rdb.PExpire(ctx, k, lim.Window).Err(); err != nil {
			return false, err
		}
	}
	return incr.Val() <= int64(lim.Limit), nil
}
