package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/abac"
)

// RedisDecisionCache stores decisions as JSON under abac:decision: followed by
// the length-prefixed DecisionKey
type RedisDecisionCache struct {
	client redis.Cmdable
	prefix string
}

func NewRedisDecisionCache(client redis.Cmdable) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, prefix: "abac:decision:"}
}

func (r *RedisDecisionCache) key(k abac.DecisionKey) string {
	return r.prefix + k.String()
}

func (r *RedisDecisionCache) Get(ctx context.Context, k abac.DecisionKey) (abac.CachedDecision, bool, error) {
	raw, err := r.client.Get(ctx, r.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return abac.CachedDecision{}, false, nil
	}
	if err != nil {
		return abac.CachedDecision{}, false, fmt.Errorf("%w: %w", abac.ErrCacheUnavailable, err)
	}
	var d abac.CachedDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return abac.CachedDecision{}, false, fmt.Errorf("%w: decode %s: %w", abac.ErrCacheUnavailable, r.key(k), err)
	}
	return d, true, nil
}

func (r *RedisDecisionCache) Set(ctx context.Context, k abac.DecisionKey, d abac.CachedDecision, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(k), b, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %w", abac.ErrCacheUnavailable, err)
	}
	return nil
}

// Invalidate removes every decision key. Keys are found with SCAN so large
// keyspaces are not blocked.
func (r *RedisDecisionCache) Invalidate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return fmt.Errorf("%w: %w", abac.ErrCacheUnavailable, err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %w", abac.ErrCacheUnavailable, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisDecisionCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
