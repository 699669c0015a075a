package stores

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/abac"
)

// fakeRedis implements the handful of commands the stores use. Anything else
// panics through the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	counter map[string]int64
	err     error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}, counter: map[string]int64{}}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(match, "*")
	keys := make([]string, 0)
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		delete(f.counter, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter[key]++
	return redis.NewIntResult(f.counter[key], nil)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func TestRedisDecisionCache(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	cache := NewRedisDecisionCache(fake)
	key := abac.DecisionKey{SubjectID: "u1", ResourceID: "doc1", Action: "read"}

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, key, abac.CachedDecision{Allow: true}, 300*time.Second))
	assert.Equal(t, 300*time.Second, fake.ttls["abac:decision:2:u1:4:doc1:4:read"])

	d, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d.Allow)

	require.NoError(t, cache.Invalidate(ctx))
	_, ok, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	fake.err = errors.New("connection refused")
	_, _, err = cache.Get(ctx, key)
	assert.ErrorIs(t, err, abac.ErrCacheUnavailable)
	assert.Error(t, cache.Ping(ctx))
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	c := NewRedisCounter(fake)
	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(ctx, "suspicious:authorization_denial:u1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, time.Hour, fake.ttls["suspicious:authorization_denial:u1"])
	require.NoError(t, c.Reset(ctx, "suspicious:authorization_denial:u1"))
	n, err := c.Incr(ctx, "suspicious:authorization_denial:u1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisDecisionCacheKeysDoNotCollide(t *testing.T) {
	ctx := context.Background()
	cache := NewRedisDecisionCache(newFakeRedis())
	allowed := abac.DecisionKey{SubjectID: "u", ResourceID: "a:b", Action: "read"}
	other := abac.DecisionKey{SubjectID: "u:a", ResourceID: "b", Action: "read"}

	require.NoError(t, cache.Set(ctx, allowed, abac.CachedDecision{Allow: true}, time.Minute))
	_, ok, err := cache.Get(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)
}
