// Package ratelimit implements the rate limiter (C4): tier-aware fixed-
// window admission over requests/min, per-IP requests, and credits/day,
// backed by a shared Redis store with an in-memory per-process fallback
// when Redis is unreachable. Tokens/min limits are not checked.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/config"
	"github.com/tollgate-ai/gateway/redisclient"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed        bool
	Limit          int
	Remaining      int
	ResetAt        time.Time
	RetryAfterSecs int
}

// Window identifies one of the counters a request is checked against.
type Window string

const (
	WindowRPM        Window = "rpm"
	WindowTPM        Window = "tpm"
	WindowCreditsDay Window = "credits_day"
)

// Limiter admits requests against the tier table in spec §4.4. It never
// fails open: if both Redis and the in-memory fallback somehow can't be
// consulted, Check returns a deny rather than silently allowing traffic.
type Limiter struct {
	cfg    *config.Config
	redis  *redisclient.Client
	log    zerolog.Logger

	degradedMu sync.RWMutex
	degraded   bool

	fallback *memoryLimiter
}

func NewLimiter(cfg *config.Config, redis *redisclient.Client, log zerolog.Logger) *Limiter {
	return &Limiter{
		cfg:      cfg,
		redis:    redis,
		log:      log,
		fallback: newMemoryLimiter(),
	}
}

// CheckRPM admits a request against the per-minute request counter for a
// user at their tier. The window key is (userId, windowStart) per spec §3.
func (l *Limiter) CheckRPM(ctx context.Context, userID, tier string) Decision {
	limit := l.cfg.TierLimit(tier).RPM
	return l.checkWindow(ctx, WindowRPM, userID, limit, time.Minute)
}

// CheckCreditsDay admits against the per-day credit spend counter. Unlike
// RPM/TPM this counter is incremented by the actual credits charged after
// a successful deduction, not by 1 per request — callers pass n.
func (l *Limiter) CheckCreditsDay(ctx context.Context, userID, tier string, n int) Decision {
	limit := l.cfg.TierLimit(tier).CreditsDay
	return l.checkWindowN(ctx, WindowCreditsDay, userID, limit, 24*time.Hour, n)
}

// CheckIP admits an unauthenticated OAuth-endpoint request against the
// stricter IP-keyed limiter (spec §4.4).
func (l *Limiter) CheckIP(ctx context.Context, ip string) Decision {
	return l.checkWindow(ctx, "ip", ip, l.cfg.IPRateLimitRPM, time.Minute)
}

func (l *Limiter) checkWindow(ctx context.Context, w Window, key string, limit int, window time.Duration) Decision {
	return l.checkWindowN(ctx, w, key, limit, window, 1)
}

func (l *Limiter) checkWindowN(ctx context.Context, w Window, key string, limit int, window time.Duration, n int) Decision {
	if !l.cfg.RateLimitEnabled || limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}

	storeKey := fmt.Sprintf("ratelimit:%s:%s:%d", w, key, windowBucket(window))
	count, err := l.incrN(ctx, storeKey, window, n)
	if err != nil {
		l.log.Error().Err(err).Str("window", string(w)).Str("key", key).Msg("rate limiter store unavailable, serving deny")
		return Decision{Allowed: false, Limit: limit, Remaining: 0, RetryAfterSecs: int(window.Seconds())}
	}

	resetAt := time.Now().Truncate(window).Add(window)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if int(count) > limit {
		return Decision{
			Allowed:        false,
			Limit:          limit,
			Remaining:      0,
			ResetAt:        resetAt,
			RetryAfterSecs: int(time.Until(resetAt).Seconds()) + 1,
		}
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

func windowBucket(window time.Duration) int64 {
	return time.Now().Truncate(window).Unix()
}

// incrN increments the counter by n, preferring the shared Redis store and
// falling back to an in-process window when Redis errors — spec §4.4's
// "degrades to a per-process in-memory window" requirement. A fallback
// transition is logged exactly once per degrade/recover edge.
func (l *Limiter) incrN(ctx context.Context, key string, window time.Duration, n int) (int64, error) {
	if l.redis != nil {
		var count int64
		var err error
		if n == 1 {
			count, err = l.redis.IncrWindow(ctx, key, window)
		} else {
			// credits/day counters increment by the charged amount, not 1;
			// IncrWindowBy does it in a single round trip instead of n calls.
			count, err = l.redis.IncrWindowBy(ctx, key, window, int64(n))
		}
		if err == nil {
			l.setDegraded(false)
			return count, nil
		}
		l.log.Warn().Err(err).Msg("redis rate-limit store unreachable, degrading to in-memory fallback")
		l.setDegraded(true)
	}
	return l.fallback.incr(key, window, n), nil
}

func (l *Limiter) setDegraded(v bool) {
	l.degradedMu.Lock()
	defer l.degradedMu.Unlock()
	if l.degraded != v {
		l.degraded = v
		if v {
			l.log.Error().Msg("rate limiter operating in degraded (in-memory, per-process) mode")
		} else {
			l.log.Info().Msg("rate limiter recovered shared-store connectivity")
		}
	}
}

// Degraded reports whether the limiter is currently serving from the
// in-memory fallback instead of the shared store.
func (l *Limiter) Degraded() bool {
	l.degradedMu.RLock()
	defer l.degradedMu.RUnlock()
	return l.degraded
}

// PeekRPM reports the current window state for GET /v1/rate-limit without
// consuming a slot — a plain read, unlike CheckRPM's admit-and-increment.
func (l *Limiter) PeekRPM(ctx context.Context, userID, tier string) Decision {
	limit := l.cfg.TierLimit(tier).RPM
	return l.peekWindow(ctx, WindowRPM, userID, limit, time.Minute)
}

func (l *Limiter) peekWindow(ctx context.Context, w Window, key string, limit int, window time.Duration) Decision {
	resetAt := time.Now().Truncate(window).Add(window)
	if !l.cfg.RateLimitEnabled || limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}
	}

	storeKey := fmt.Sprintf("ratelimit:%s:%s:%d", w, key, windowBucket(window))

	var count int64
	if l.redis != nil {
		v, err := l.redis.Raw().Get(ctx, storeKey).Int64()
		if err == nil {
			count = v
		} else if err != redis.Nil {
			l.log.Warn().Err(err).Msg("rate limiter peek failed, reporting in-memory fallback count")
			count = l.fallback.peek(storeKey)
		}
	} else {
		count = l.fallback.peek(storeKey)
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: int(count) <= limit, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}
