package abac

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file configuration
const (
	EnvAuditHMACKey = "ABAC_AUDIT_HMAC_KEY"
	EnvDatabaseDSN  = "ABAC_DB_DSN"
	EnvRedisAddr    = "ABAC_REDIS_ADDR"
)

// Config represents the complete abac configuration
type Config struct {
	Version              uint16                 `json:"version" yaml:"version"`
	Engine               EngineConfig           `json:"engine" yaml:"engine"`
	Audit                AuditConfig            `json:"audit" yaml:"audit"`
	Storage              StorageConfig          `json:"storage" yaml:"storage"`
	Redis                RedisConfig            `json:"redis" yaml:"redis"`
	AttributeDefinitions []*AttributeDefinition `json:"attribute_definitions,omitempty" yaml:"attribute_definitions,omitempty"`
	Attributes           []AttributeConfig      `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Policies             []PolicyConfig         `json:"policies,omitempty" yaml:"policies,omitempty"`
	Assignments          []AssignmentConfig     `json:"assignments,omitempty" yaml:"assignments,omitempty"`
}

// EngineConfig durations are in milliseconds
type EngineConfig struct {
	DecisionCache       string `json:"decision_cache" yaml:"decision_cache"` // memory | ristretto | redis
	DecisionCacheTTL    int64  `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	EvaluationTimeout   int64  `json:"evaluation_timeout_ms" yaml:"evaluation_timeout_ms"`
	RistrettoNumCounter int64  `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64  `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64  `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// AuditConfig durations are in milliseconds
type AuditConfig struct {
	HMACKey          string `json:"hmac_key" yaml:"hmac_key"`
	QueueSize        int    `json:"queue_size" yaml:"queue_size"`
	BatchSize        int    `json:"batch_size" yaml:"batch_size"`
	FlushInterval    int64  `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	MaxRetries       int    `json:"max_retries" yaml:"max_retries"`
	RetryBase        int64  `json:"retry_base_ms" yaml:"retry_base_ms"`
	RetryMax         int64  `json:"retry_max_ms" yaml:"retry_max_ms"`
	DeadLetterPath   string `json:"dead_letter_path" yaml:"dead_letter_path"`
	RetentionDays    int    `json:"retention_days" yaml:"retention_days"`
	ArchiveDir       string `json:"archive_dir" yaml:"archive_dir"`
	RotationInterval int64  `json:"rotation_interval_ms" yaml:"rotation_interval_ms"`
	HealthInterval   int64  `json:"health_interval_ms" yaml:"health_interval_ms"`
	MaxRestarts      int    `json:"max_restarts" yaml:"max_restarts"`
	ShutdownGrace    int64  `json:"shutdown_grace_ms" yaml:"shutdown_grace_ms"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
}

// AttributeConfig seeds one attribute value
type AttributeConfig struct {
	EntityType string     `json:"entity_type" yaml:"entity_type"`
	EntityID   string     `json:"entity_id" yaml:"entity_id"`
	Name       string     `json:"name" yaml:"name"`
	Value      any        `json:"value" yaml:"value"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// PolicyConfig seeds a policy. Policies are matched to stored ones by name.
type PolicyConfig struct {
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Effect       Effect         `json:"effect" yaml:"effect"`
	Conditions   map[string]any `json:"conditions" yaml:"conditions"`
	ResourceType string         `json:"resource_type" yaml:"resource_type"`
	Priority     int            `json:"priority" yaml:"priority"`
	Disabled     bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

func (p PolicyConfig) policy() *Policy {
	return &Policy{
		Name:         p.Name,
		Description:  p.Description,
		Effect:       p.Effect,
		Conditions:   p.Conditions,
		ResourceType: p.ResourceType,
		Priority:     p.Priority,
		IsActive:     !p.Disabled,
	}
}

// AssignmentConfig assigns a policy (by name) to a resource or pattern
type AssignmentConfig struct {
	Policy       string     `json:"policy" yaml:"policy"`
	ResourceID   string     `json:"resource_id" yaml:"resource_id"`
	ResourceType string     `json:"resource_type" yaml:"resource_type"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Engine: EngineConfig{
			DecisionCache:     "memory",
			DecisionCacheTTL:  DefaultDecisionCacheTTL.Milliseconds(),
			EvaluationTimeout: DefaultEvaluationTimeout.Milliseconds(),
		},
		Audit: AuditConfig{
			QueueSize:        10000,
			BatchSize:        100,
			FlushInterval:    1000,
			MaxRetries:       5,
			RetryBase:        100,
			RetryMax:         5000,
			DeadLetterPath:   "audit_dead_letter.jsonl",
			RetentionDays:    90,
			ArchiveDir:       "archives",
			RotationInterval: time.Hour.Milliseconds(),
			HealthInterval:   time.Minute.Milliseconds(),
			MaxRestarts:      5,
			ShutdownGrace:    10000,
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "abac.db"},
	}
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct {
	getenv func(string) string
}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{getenv: os.Getenv}
}

// WithEnv replaces the environment lookup, mainly for tests
func (l *ConfigLoader) WithEnv(getenv func(string) string) *ConfigLoader {
	l.getenv = getenv
	return l
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	l.applyEnv(cfg)
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	l.applyEnv(cfg)
	return cfg, nil
}

// LoadDSL parses the line-oriented policy DSL
func (l *ConfigLoader) LoadDSL(data []byte) (*Config, error) {
	cfg, err := NewDSLParser().Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse dsl config: %w", err)
	}
	l.applyEnv(cfg)
	return cfg, nil
}

// LoadFile picks the format from the file extension
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".abac", ".dsl":
		return l.LoadDSL(data)
	}
	return nil, fmt.Errorf("unsupported config format: %s", path)
}

func (l *ConfigLoader) applyEnv(cfg *Config) {
	if l.getenv == nil {
		return
	}
	if v := l.getenv(EnvAuditHMACKey); v != "" {
		cfg.Audit.HMACKey = v
	}
	if v := l.getenv(EnvDatabaseDSN); v != "" {
		cfg.Storage.DSN = v
	}
	if v := l.getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToDSL exports the seed sections of config to the policy DSL
func (c *Config) ToDSL() ([]byte, error) {
	return NewDSLEncoder().Encode(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Ristretto returns the sizing for ristretto-backed caches
func (c EngineConfig) Ristretto() RistrettoConfig {
	return RistrettoConfig{NumCounters: c.RistrettoNumCounter, MaxCost: c.RistrettoMaxCost, BufferItems: c.RistrettoBuffer}
}

// Options translates the engine section into EngineOptions. The decision
// cache backend is chosen by the caller since it may need a Redis client.
func (c EngineConfig) Options() []EngineOption {
	opts := []EngineOption{WithDecisionCacheTTL(millis(c.DecisionCacheTTL))}
	if c.EvaluationTimeout > 0 {
		opts = append(opts, WithEvaluationTimeout(millis(c.EvaluationTimeout)))
	}
	if c.RistrettoNumCounter > 0 {
		opts = append(opts, WithConditionCache(c.Ristretto()))
	}
	return opts
}

func (c AuditConfig) FlushIntervalDuration() time.Duration    { return millis(c.FlushInterval) }
func (c AuditConfig) RetryBaseDuration() time.Duration        { return millis(c.RetryBase) }
func (c AuditConfig) RetryMaxDuration() time.Duration         { return millis(c.RetryMax) }
func (c AuditConfig) RotationIntervalDuration() time.Duration { return millis(c.RotationInterval) }
func (c AuditConfig) HealthIntervalDuration() time.Duration   { return millis(c.HealthInterval) }
func (c AuditConfig) ShutdownGraceDuration() time.Duration    { return millis(c.ShutdownGrace) }

// Retention is the age after which audit rows are archived
func (c AuditConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Apply seeds attribute definitions, attribute values, policies and
// assignments. Policies that already exist by name are updated.
func (c *Config) Apply(ctx context.Context, admin *PolicyAdmin, attrs AttributeAdminStore) error {
	if attrs != nil {
		for _, d := range c.AttributeDefinitions {
			if _, err := attrs.GetDefinition(ctx, d.Name); err == nil {
				continue
			}
			def := *d
			if err := attrs.CreateDefinition(ctx, &def); err != nil {
				return fmt.Errorf("create attribute definition %s: %w", d.Name, err)
			}
		}
		for _, a := range c.Attributes {
			v := &Attribute{Name: a.Name, EntityType: a.EntityType, EntityID: a.EntityID, Value: a.Value, ExpiresAt: a.ExpiresAt}
			if err := attrs.SetAttribute(ctx, v); err != nil {
				return fmt.Errorf("set attribute %s on %s/%s: %w", a.Name, a.EntityType, a.EntityID, err)
			}
		}
	}
	if admin == nil {
		return nil
	}
	existing, err := admin.store.ListPolicies(ctx, "")
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	byName := make(map[string]int64, len(existing))
	for _, p := range existing {
		byName[p.Name] = p.ID
	}
	for _, pc := range c.Policies {
		p := pc.policy()
		if id, ok := byName[p.Name]; ok {
			p.ID = id
			if err := admin.UpdatePolicy(ctx, "config", p, "applied from config"); err != nil {
				return fmt.Errorf("update policy %s: %w", p.Name, err)
			}
			continue
		}
		if err := admin.CreatePolicy(ctx, "config", p); err != nil {
			return fmt.Errorf("create policy %s: %w", p.Name, err)
		}
		byName[p.Name] = p.ID
	}
	for _, ac := range c.Assignments {
		id, ok := byName[ac.Policy]
		if !ok {
			return fmt.Errorf("%w: assignment references unknown policy %q", ErrAssignmentInvalid, ac.Policy)
		}
		a := &PolicyAssignment{PolicyID: id, ResourceID: ac.ResourceID, ResourceType: ac.ResourceType, IsActive: true, ExpiresAt: ac.ExpiresAt}
		if err := admin.AssignPolicy(ctx, "config", a); err != nil {
			return fmt.Errorf("assign policy %s to %s: %w", ac.Policy, ac.ResourceID, err)
		}
	}
	return nil
}
