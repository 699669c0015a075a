package abac

import "time"

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig()}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) DefineAttribute(name string, kind EntityKind, dataType string, multivalued bool) *ConfigBuilder {
	b.cfg.AttributeDefinitions = append(b.cfg.AttributeDefinitions, &AttributeDefinition{
		Name:        name,
		Kind:        kind,
		DataType:    dataType,
		Multivalued: multivalued,
		IsActive:    true,
	})
	return b
}

func (b *ConfigBuilder) SetAttribute(entityType, entityID, name string, value any) *ConfigBuilder {
	b.cfg.Attributes = append(b.cfg.Attributes, AttributeConfig{EntityType: entityType, EntityID: entityID, Name: name, Value: value})
	return b
}

func (b *ConfigBuilder) AddPolicy(p *Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, PolicyConfig{
		Name:         p.Name,
		Description:  p.Description,
		Effect:       p.Effect,
		Conditions:   p.Conditions,
		ResourceType: p.ResourceType,
		Priority:     p.Priority,
		Disabled:     !p.IsActive,
	})
	return b
}

// Assign attaches the named policy to a resource id or pattern
func (b *ConfigBuilder) Assign(policy, resourceType, resourceID string) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, AssignmentConfig{Policy: policy, ResourceType: resourceType, ResourceID: resourceID})
	return b
}

// AssignUntil is Assign with an expiry
func (b *ConfigBuilder) AssignUntil(policy, resourceType, resourceID string, expiresAt time.Time) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, AssignmentConfig{Policy: policy, ResourceType: resourceType, ResourceID: resourceID, ExpiresAt: &expiresAt})
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) AuditSettings(fn func(*AuditConfig)) *ConfigBuilder {
	fn(&b.cfg.Audit)
	return b
}

func (b *ConfigBuilder) Storage(driver, dsn string) *ConfigBuilder {
	b.cfg.Storage = StorageConfig{Driver: driver, DSN: dsn}
	return b
}

func (b *ConfigBuilder) Redis(addr string, db int) *ConfigBuilder {
	b.cfg.Redis.Addr = addr
	b.cfg.Redis.DB = db
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
