package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tollgate-ai/gateway/config"
)

// Client wraps a redis.Client with the narrow surface the gateway actually
// needs: connectivity checks and the fixed-window counter C4's rate limiter
// builds on.
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// Raw exposes the underlying client for components that need more than the
// counter primitive below (e.g. the rate limiter's plain GET of a window).
func (r *Client) Raw() *redis.Client {
	return r.c
}

// incrWindow is the atomic INCR-then-set-TTL script. EXPIRE only fires on the
// first increment of a window so the window length doesn't drift as
// additional requests land inside it.
const incrWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

var incrWindow = redis.NewScript(incrWindowScript)

// IncrWindow atomically increments the counter at key and returns the new
// count, setting the key to expire after window on the first increment of a
// new window. This is the fixed-window admission primitive the rate limiter
// uses for both the per-minute RPM counter and the per-day credit counter.
func (r *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	res, err := incrWindow.Run(ctx, r.c, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
	return count, nil
}

// incrWindowByScript is IncrWindow's INCRBY counterpart, for counters (like
// credits/day) that advance by more than 1 per call — a single round trip
// instead of n calls to IncrWindow.
const incrWindowByScript = `
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
if count == tonumber(ARGV[1]) then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return count
`

var incrWindowBy = redis.NewScript(incrWindowByScript)

// IncrWindowBy atomically increments the counter at key by n and returns the
// new count, setting the key to expire after window the first time it's
// created in the current window.
func (r *Client) IncrWindowBy(ctx context.Context, key string, window time.Duration, n int64) (int64, error) {
	res, err := incrWindowBy.Run(ctx, r.c, []string{key}, n, window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
	return count, nil
}
