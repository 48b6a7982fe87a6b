package ratelimit

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/tollgate-ai/gateway/config"
	"github.com/tollgate-ai/gateway/redisclient"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitEnabled: true,
		IPRateLimitRPM:   5,
		TierLimits: map[string]config.TierLimits{
			"free": {RPM: 3, TPM: 1000, CreditsDay: 10},
		},
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newMemoryOnlyLimiter(t *testing.T) *Limiter {
	t.Helper()
	return NewLimiter(testConfig(), nil, testLogger())
}

func newRedisLimiter(t *testing.T) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr()
	rc, err := redisclient.New(cfg)
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	return NewLimiter(cfg, rc, testLogger())
}

func TestCheckRPMAllowsUnderLimitAndDeniesOver(t *testing.T) {
	for _, l := range []*Limiter{newMemoryOnlyLimiter(t), newRedisLimiter(t)} {
		ctx := context.Background()
		var last Decision
		for i := 0; i < 3; i++ {
			last = l.CheckRPM(ctx, "user-1", "free")
			if !last.Allowed {
				t.Fatalf("expected request %d to be allowed, got denied", i)
			}
		}
		if last.Remaining != 0 {
			t.Fatalf("expected 0 remaining after exhausting limit, got %d", last.Remaining)
		}

		denied := l.CheckRPM(ctx, "user-1", "free")
		if denied.Allowed {
			t.Fatal("expected 4th request within the window to be denied")
		}
		if denied.RetryAfterSecs <= 0 {
			t.Fatal("expected a positive retry-after on denial")
		}
	}
}

func TestCheckRPMIsolatedPerUser(t *testing.T) {
	l := newMemoryOnlyLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.CheckRPM(ctx, "user-a", "free").Allowed {
			t.Fatal("user-a should not be denied within its own limit")
		}
	}
	if !l.CheckRPM(ctx, "user-b", "free").Allowed {
		t.Fatal("user-b should have an independent counter from user-a")
	}
}

func TestCheckRPMDisabledAlwaysAllows(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitEnabled = false
	l := NewLimiter(cfg, nil, testLogger())

	for i := 0; i < 10; i++ {
		if !l.CheckRPM(context.Background(), "user-1", "free").Allowed {
			t.Fatal("expected limiter to always allow when RateLimitEnabled is false")
		}
	}
}

func TestPeekRPMDoesNotConsumeBudget(t *testing.T) {
	for _, l := range []*Limiter{newMemoryOnlyLimiter(t), newRedisLimiter(t)} {
		ctx := context.Background()

		before := l.PeekRPM(ctx, "user-1", "free")
		if before.Remaining != 3 {
			t.Fatalf("expected full remaining budget before any request, got %d", before.Remaining)
		}

		l.CheckRPM(ctx, "user-1", "free")
		l.CheckRPM(ctx, "user-1", "free")

		mid := l.PeekRPM(ctx, "user-1", "free")
		if mid.Remaining != 1 {
			t.Fatalf("expected remaining to reflect 2 consumed admission checks, got %d", mid.Remaining)
		}

		// Peeking again must not itself consume a slot.
		again := l.PeekRPM(ctx, "user-1", "free")
		if again.Remaining != mid.Remaining {
			t.Fatalf("expected PeekRPM to be idempotent, got %d then %d", mid.Remaining, again.Remaining)
		}
	}
}

func TestDegradedFallsBackToMemoryWhenRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "redis://127.0.0.1:1" // nothing listening
	rc, err := redisclient.New(cfg)
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	l := NewLimiter(cfg, rc, testLogger())

	if l.Degraded() {
		t.Fatal("should not report degraded before any check")
	}
	l.CheckRPM(context.Background(), "user-1", "free")
	if !l.Degraded() {
		t.Fatal("expected limiter to degrade to in-memory fallback when Redis is unreachable")
	}
}
