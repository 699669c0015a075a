package abac

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oarkflow/abac/logger"
)

const yamlConfig = `
version: 1
engine:
  decision_cache: ristretto
  decision_cache_ttl_ms: 60000
audit:
  batch_size: 50
  archive_dir: /var/lib/abac/archives
storage:
  driver: sqlite
  dsn: file:abac.db
attribute_definitions:
  - name: role
    kind: user
    data_type: string
    is_active: true
attributes:
  - entity_type: user
    entity_id: u1
    name: role
    value: editor
policies:
  - name: editors-read
    effect: allow
    resource_type: document
    priority: 5
    conditions:
      role: editor
      user.level:
        greater_than: 2
assignments:
  - policy: editors-read
    resource_type: document
    resource_id: "doc:*"
`

func noEnv(string) string { return "" }

func TestLoadYAML(t *testing.T) {
	cfg, err := NewConfigLoader().WithEnv(noEnv).LoadYAML([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if cfg.Engine.DecisionCache != "ristretto" || cfg.Engine.DecisionCacheTTL != 60000 {
		t.Fatalf("unexpected engine section: %+v", cfg.Engine)
	}
	if cfg.Audit.BatchSize != 50 || cfg.Audit.QueueSize != 10000 {
		t.Fatalf("expected batch size override and default queue size, got %+v", cfg.Audit)
	}
	if len(cfg.Policies) != 1 || cfg.Policies[0].Priority != 5 {
		t.Fatalf("unexpected policies: %+v", cfg.Policies)
	}
	if err := ValidateConditions(cfg.Policies[0].Conditions); err != nil {
		t.Fatalf("yaml conditions should compile: %v", err)
	}
	if cfg.Audit.FlushIntervalDuration() != time.Second {
		t.Fatalf("expected default flush interval of 1s, got %s", cfg.Audit.FlushIntervalDuration())
	}
	if cfg.Audit.Retention() != 90*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.Audit.Retention())
	}
}

func TestLoadJSONAndEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvAuditHMACKey: "s3cret",
		EnvDatabaseDSN:  "postgres://abac@db/abac",
		EnvRedisAddr:    "redis:6379",
	}
	data := []byte(`{"audit":{"hmac_key":"from-file","max_retries":2},"redis":{"addr":"localhost:6379","db":3}}`)
	cfg, err := NewConfigLoader().WithEnv(func(k string) string { return env[k] }).LoadJSON(data)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if cfg.Audit.HMACKey != "s3cret" || cfg.Storage.DSN != env[EnvDatabaseDSN] || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("environment should override the file: %+v %+v %+v", cfg.Audit, cfg.Storage, cfg.Redis)
	}
	if cfg.Audit.MaxRetries != 2 || cfg.Redis.DB != 3 {
		t.Fatalf("file values lost: %+v %+v", cfg.Audit, cfg.Redis)
	}
}

func TestLoadFileByExtension(t *testing.T) {
	dir := t.TempDir()
	loader := NewConfigLoader().WithEnv(noEnv)
	files := map[string]string{
		"abac.yaml": yamlConfig,
		"abac.json": `{"policies":[{"name":"p","effect":"deny","resource_type":"doc","conditions":{}}]}`,
		"abac.abac": `policy p deny doc when true`,
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		cfg, err := loader.LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile %s: %v", name, err)
		}
		if len(cfg.Policies) != 1 {
			t.Fatalf("%s: expected one policy, got %d", name, len(cfg.Policies))
		}
	}
	bad := filepath.Join(dir, "abac.toml")
	if err := os.WriteFile(bad, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := loader.LoadFile(bad); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestConfigApply(t *testing.T) {
	cfg, err := NewConfigLoader().WithEnv(noEnv).LoadYAML([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	te := newTestEngine(t)
	admin := NewPolicyAdmin(te.policies, te.Engine, te.audit, logger.NewNullLogger())
	ctx := context.Background()
	if err := cfg.Apply(ctx, admin, te.attrs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	te.setAttr(t, "user", "u1", "level", 3)
	if !te.EvaluateAccess(ctx, "u1", "doc:9", "document", "read", RequestContext{}) {
		t.Fatalf("seeded policy should allow u1")
	}

	// applying again updates the existing policy instead of failing on the name
	cfg.Policies[0].Conditions = map[string]any{"role": "admin"}
	cfg.Assignments = nil
	if err := cfg.Apply(ctx, admin, te.attrs); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	ps, _ := te.policies.ListPolicies(ctx, "document")
	if len(ps) != 1 || ps[0].Version != 2 {
		t.Fatalf("expected a single policy at version 2, got %+v", ps)
	}
	if te.EvaluateAccess(ctx, "u1", "doc:9", "document", "read", RequestContext{}) {
		t.Fatalf("updated policy should deny u1")
	}

	cfg.Assignments = []AssignmentConfig{{Policy: "missing", ResourceType: "document", ResourceID: "x"}}
	if err := cfg.Apply(ctx, admin, te.attrs); err == nil {
		t.Fatalf("expected an error for an unknown policy name")
	}
}

func TestConfigBuilder(t *testing.T) {
	cfg := NewConfigBuilder().
		DefineAttribute("clearance", EntityUser, "number", false).
		SetAttribute("user", "u1", "clearance", 4).
		AddPolicy(NewPolicyBuilder("cleared").ResourceType("file").Where("user.clearance", OpGreaterThan, 3).Build()).
		Assign("cleared", "file", "*").
		AuditSettings(func(a *AuditConfig) { a.HMACKey = "k" }).
		Build()
	if cfg.Audit.HMACKey != "k" || len(cfg.Policies) != 1 || len(cfg.Assignments) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	te := newTestEngine(t)
	admin := NewPolicyAdmin(te.policies, te.Engine, te.audit, logger.NewNullLogger())
	if err := cfg.Apply(context.Background(), admin, te.attrs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !te.EvaluateAccess(context.Background(), "u1", "f1", "file", "read", RequestContext{}) {
		t.Fatalf("expected allow for clearance 4")
	}

	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}
	back, err := NewConfigLoader().WithEnv(noEnv).LoadYAML(data)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if back.Policies[0].Name != "cleared" || back.Assignments[0].ResourceID != "*" {
		t.Fatalf("yaml export lost data: %+v", back)
	}
}
