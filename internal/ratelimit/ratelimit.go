package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/cert-engine/internal/models"
)

// allowScript counts one attempt and makes sure the window key expires.
// A key left without a TTL by an earlier failure gets one on its next hit.
var allowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Rule is the number of attempts allowed per window for one action
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Limiter counts attempts per action and key in fixed Redis windows
type Limiter struct {
	redis *redis.Client
	rules map[string]Rule
}

// NewLimiter creates a limiter. Actions without a rule are not limited.
func NewLimiter(client *redis.Client, rules map[string]Rule) *Limiter {
	return &Limiter{redis: client, rules: rules}
}

// Allow records one attempt and fails with models.ErrRateLimited once the window is exhausted.
// Redis being unavailable does not block the action.
func (l *Limiter) Allow(ctx context.Context, action, key string) error {
	rule, ok := l.rules[action]
	if !ok || rule.Limit <= 0 {
		return nil
	}

	redisKey := fmt.Sprintf("ratelimit:%s:%s", action, key)

	count, err := allowScript.Run(ctx, l.redis, []string{redisKey}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		slog.Warn("rate limiter unavailable", "action", action, "error", err)
		return nil
	}

	if count > rule.Limit {
		return models.ErrRateLimited
	}
	return nil
}

// HealthCheck pings Redis
func (l *Limiter) HealthCheck(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}
