package memory

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// seedScript pushes the seed lines only when the list does not exist yet.
var seedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("RPUSH", KEYS[1], unpack(ARGV))
return 1
`)

// RedisHistory stores each transcript as a Redis list.
type RedisHistory struct {
	client redis.UniversalClient
	owned  bool
}

// NewRedisHistory wraps client. When owned is true Close also closes the client.
func NewRedisHistory(client redis.UniversalClient, owned bool) *RedisHistory {
	return &RedisHistory{client: client, owned: owned}
}

var _ HistoryBackend = (*RedisHistory)(nil)

func (h *RedisHistory) Range(ctx context.Context, key string, limit int) ([]string, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	lines, err := h.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	return lines, nil
}

func (h *RedisHistory) Append(ctx context.Context, key, line string) error {
	if err := h.client.RPush(ctx, key, line).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

func (h *RedisHistory) SeedIfEmpty(ctx context.Context, key string, lines []string) (bool, error) {
	if len(lines) == 0 {
		return false, nil
	}
	args := make([]any, len(lines))
	for i, line := range lines {
		args[i] = line
	}
	n, err := seedScript.Run(ctx, h.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis seed: %w", err)
	}
	return n == 1, nil
}

func (h *RedisHistory) Len(ctx context.Context, key string) (int, error) {
	n, err := h.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen: %w", err)
	}
	return int(n), nil
}

func (h *RedisHistory) Close() error {
	if !h.owned {
		return nil
	}
	return h.client.Close()
}
