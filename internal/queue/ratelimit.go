package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// GenerationBudget caps vendor calls per scope within each clock hour. A
// limit of zero or less disables it.
type GenerationBudget struct {
	redis *redis.Client
	limit int64
	now   func() time.Time
}

func NewGenerationBudget(rdb *redis.Client, limit int64) *GenerationBudget {
	return &GenerationBudget{redis: rdb, limit: limit, now: time.Now}
}

func (b *GenerationBudget) Allow(ctx context.Context, scopeID int64) (bool, error) {
	allowed, _, _, err := b.AllowAt(ctx, scopeID, b.now())
	return allowed, err
}

func (b *GenerationBudget) AllowAt(ctx context.Context, scopeID int64, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if b == nil || b.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("aiactions:budget:%d:%s", scopeID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, b.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("generation budget script: %w", err)
	}
	return res <= b.limit, res, windowEnd, nil
}
