package abac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// DECISION CACHE
// ============================================================================

// DefaultDecisionCacheTTL is how long a winning-policy decision is reused
const DefaultDecisionCacheTTL = 300 * time.Second

// Clock returns the current time. Injected for deterministic tests.
type Clock func() time.Time

// DecisionKey identifies a cached decision
type DecisionKey struct {
	SubjectID  string
	ResourceID string
	Action     string
}

// String encodes the key for string-keyed caches. Each part is length
// prefixed so ids containing ':' cannot collide.
func (k DecisionKey) String() string {
	var b strings.Builder
	b.Grow(len(k.SubjectID) + len(k.ResourceID) + len(k.Action) + 12)
	for i, part := range [...]string{k.SubjectID, k.ResourceID, k.Action} {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String()
}

// CachedDecision is the boolean outcome of a previous evaluation. It carries no
// policy provenance.
type CachedDecision struct {
	Allow    bool      `json:"allow"`
	CachedAt time.Time `json:"cached_at"`
}

// DecisionCache stores decisions for a bounded time. Implementations return
// errors wrapping ErrCacheUnavailable; callers treat any error as a miss.
type DecisionCache interface {
	Get(ctx context.Context, key DecisionKey) (CachedDecision, bool, error)
	Set(ctx context.Context, key DecisionKey, d CachedDecision, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type decisionCacheEntry struct {
	decision  CachedDecision
	expiresAt time.Time
}

// MemoryDecisionCache is a map-backed cache with lazy expiry
type MemoryDecisionCache struct {
	mu      sync.RWMutex
	entries map[DecisionKey]decisionCacheEntry
	now     Clock
}

func NewMemoryDecisionCache(clock Clock) *MemoryDecisionCache {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryDecisionCache{entries: make(map[DecisionKey]decisionCacheEntry), now: clock}
}

func (c *MemoryDecisionCache) Get(ctx context.Context, key DecisionKey) (CachedDecision, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return CachedDecision{}, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return CachedDecision{}, false, nil
	}
	return entry.decision, true, nil
}

func (c *MemoryDecisionCache) Set(ctx context.Context, key DecisionKey, d CachedDecision, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	c.entries[key] = decisionCacheEntry{decision: d, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryDecisionCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		delete(c.entries, k)
	}
	return nil
}

// Len returns the number of entries including expired ones not yet evicted
func (c *MemoryDecisionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RistrettoConfig sizes a ristretto cache
type RistrettoConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func (c RistrettoConfig) withDefaults() RistrettoConfig {
	if c.NumCounters <= 0 {
		c.NumCounters = 1e5
	}
	if c.MaxCost <= 0 {
		c.MaxCost = 1 << 16
	}
	if c.BufferItems <= 0 {
		c.BufferItems = 64
	}
	return c
}

func newRistretto(cfg RistrettoConfig) (*ristretto.Cache, error) {
	cfg = cfg.withDefaults()
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
}

// RistrettoDecisionCache keeps decisions in an admission-controlled in-process
// cache. Sets are applied asynchronously by ristretto.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
}

func NewRistrettoDecisionCache(cfg RistrettoConfig) (*RistrettoDecisionCache, error) {
	c, err := newRistretto(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return &RistrettoDecisionCache{cache: c}, nil
}

func (c *RistrettoDecisionCache) Get(ctx context.Context, key DecisionKey) (CachedDecision, bool, error) {
	v, ok := c.cache.Get(key.String())
	if !ok {
		return CachedDecision{}, false, nil
	}
	d, ok := v.(CachedDecision)
	return d, ok, nil
}

func (c *RistrettoDecisionCache) Set(ctx context.Context, key DecisionKey, d CachedDecision, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.cache.SetWithTTL(key.String(), d, 1, ttl)
	return nil
}

func (c *RistrettoDecisionCache) Invalidate(ctx context.Context) error {
	c.cache.Clear()
	return nil
}

// Wait blocks until pending sets are applied
func (c *RistrettoDecisionCache) Wait() { c.cache.Wait() }

func (c *RistrettoDecisionCache) Close() { c.cache.Close() }

// conditionCache memoises compiled condition trees by policy id and version
type conditionCache struct {
	cache *ristretto.Cache
}

func newConditionCache(cfg RistrettoConfig) (*conditionCache, error) {
	c, err := newRistretto(cfg)
	if err != nil {
		return nil, err
	}
	return &conditionCache{cache: c}, nil
}

func (c *conditionCache) compile(p *Policy) (Conditions, error) {
	key := fmt.Sprintf("%d@%d", p.ID, p.Version)
	if c != nil {
		if v, ok := c.cache.Get(key); ok {
			if compiled, ok := v.(Conditions); ok {
				return compiled, nil
			}
		}
	}
	compiled, err := CompileConditions(p.Conditions)
	if err != nil {
		var cfgErr *PolicyConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.PolicyID = p.ID
		}
		return nil, err
	}
	if c != nil {
		c.cache.Set(key, compiled, int64(len(compiled))+1)
	}
	return compiled, nil
}

func (c *conditionCache) clear() {
	if c != nil {
		c.cache.Clear()
	}
}
