package abac

import (
	"context"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Effect represents the declared outcome of a policy
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is one of the known effects
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// EntityKind is the namespace an attribute definition belongs to
type EntityKind string

const (
	EntityUser        EntityKind = "user"
	EntityResource    EntityKind = "resource"
	EntityEnvironment EntityKind = "environment"
)

// AttributeDefinition names an attribute and declares its cardinality
type AttributeDefinition struct {
	ID          int64      `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Kind        EntityKind `json:"kind" yaml:"kind"`
	DataType    string     `json:"data_type" yaml:"data_type"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Multivalued bool       `json:"multivalued" yaml:"multivalued"`
	IsActive    bool       `json:"is_active" yaml:"is_active"`
	CreatedAt   time.Time  `json:"created_at" yaml:"-"`
}

// Attribute is one value of a definition attached to an entity
type Attribute struct {
	ID           int64      `json:"id" yaml:"id"`
	DefinitionID int64      `json:"definition_id" yaml:"definition_id"`
	Name         string     `json:"name" yaml:"name"`
	EntityType   string     `json:"entity_type" yaml:"entity_type"`
	EntityID     string     `json:"entity_id" yaml:"entity_id"`
	Value        any        `json:"value" yaml:"value"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time  `json:"updated_at" yaml:"-"`
}

// Current reports whether the attribute is still valid at t
func (a *Attribute) Current(t time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(t)
}

// Policy represents an ABAC policy. Conditions hold the raw condition tree as
// stored; it is compiled lazily by the engine.
type Policy struct {
	ID           int64          `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Effect       Effect         `json:"effect" yaml:"effect"`
	Conditions   map[string]any `json:"conditions" yaml:"conditions"`
	ResourceType string         `json:"resource_type" yaml:"resource_type"`
	Priority     int            `json:"priority" yaml:"priority"` // higher = evaluated first
	IsActive     bool           `json:"is_active" yaml:"is_active"`
	Version      int            `json:"version" yaml:"version"`
	CreatedAt    time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"-"`
}

// PolicyVersion retains the condition tree of one revision of a policy
type PolicyVersion struct {
	ID         int64          `json:"id"`
	PolicyID   int64          `json:"policy_id"`
	Version    int            `json:"version"`
	Conditions map[string]any `json:"conditions"`
	Comment    string         `json:"comment,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PolicyAssignment links a policy to a concrete resource scope
type PolicyAssignment struct {
	ID           int64      `json:"id" yaml:"id"`
	PolicyID     int64      `json:"policy_id" yaml:"policy_id"`
	ResourceID   string     `json:"resource_id" yaml:"resource_id"` // exact id, "prefix*" or "*"
	ResourceType string     `json:"resource_type" yaml:"resource_type"`
	IsActive     bool       `json:"is_active" yaml:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"-"`
}

// Live reports whether the assignment makes its policy applicable at t
func (a *PolicyAssignment) Live(t time.Time) bool {
	return a.IsActive && (a.ExpiresAt == nil || a.ExpiresAt.After(t))
}

// EvaluationContext is assembled fresh for every evaluation
type EvaluationContext struct {
	User        map[string]any `json:"user"`
	Resource    map[string]any `json:"resource"`
	Environment map[string]any `json:"environment"`
	Action      string         `json:"action"`
}

// Snapshot returns the context as a plain map for audit details
func (c *EvaluationContext) Snapshot() map[string]any {
	return map[string]any{
		"user":        c.User,
		"resource":    c.Resource,
		"environment": c.Environment,
		"action":      c.Action,
	}
}

// RequestContext carries request-scoped environment data supplied by the caller
type RequestContext struct {
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Location      map[string]any `json:"location,omitempty"`
	DeviceInfo    map[string]any `json:"device_info,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Environment   map[string]any `json:"environment,omitempty"`
}

// Result is the audit classification of an access decision
type Result string

const (
	ResultAllow Result = "allow"
	ResultDeny  Result = "deny"
	ResultError Result = "error"
)

// Decision represents the authorization decision
type Decision struct {
	Allow           bool               `json:"allow"`
	MatchedPolicyID *int64             `json:"matched_policy_id"`
	Result          Result             `json:"result"`
	CacheHit        bool               `json:"cache_hit"`
	Err             error              `json:"-"`
	EvaluatedAt     time.Time          `json:"evaluated_at"`
	Context         *EvaluationContext `json:"-"`
}

// AccessRequest is one item of a batch evaluation
type AccessRequest struct {
	SubjectID    string
	ResourceID   string
	ResourceType string
	Action       string
	Context      RequestContext
}

// ============================================================================
// AUDIT RECORDS
// ============================================================================

// EventType classifies audit events
type EventType string

const (
	EventAuthentication EventType = "authentication"
	EventAuthorization  EventType = "authorization"
	EventUserManagement EventType = "user_management"
	EventSystem         EventType = "system"
	EventSecurity       EventType = "security"
	EventAccessControl  EventType = "access_control"
	EventConfiguration  EventType = "configuration"
	EventAudit          EventType = "audit"
)

// Severity of an audit event
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
	SeveritySecurity Severity = "security"
)

// SecuritySignificant reports whether events of this severity feed the
// suspicious-activity detector
func (s Severity) SecuritySignificant() bool {
	return s == SeveritySecurity || s == SeverityCritical
}

// AuditEvent is an append-only audit/access-decision record. Hash covers every
// other field except the store-assigned ID.
type AuditEvent struct {
	ID            int64          `json:"-"`
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	Severity      Severity       `json:"severity"`
	SubjectID     string         `json:"subject_id,omitempty"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type,omitempty"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Result        string         `json:"result"`
	PolicyID      *int64         `json:"policy_id"`
	Details       map[string]any `json:"details,omitempty"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	Location      map[string]any `json:"location,omitempty"`
	DeviceInfo    map[string]any `json:"device_info,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	RequestID     string         `json:"request_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Hash          string         `json:"hash"`
}

// AuditFilter selects audit events. Zero fields do not filter.
type AuditFilter struct {
	SubjectID  string
	EventType  EventType
	ResourceID string
	Result     string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// AuditArchive describes one rotated batch of audit rows
type AuditArchive struct {
	ID             int64     `json:"id"`
	ArchiveDate    time.Time `json:"archive_date"`
	FilePath       string    `json:"file_path"`
	StartTimestamp time.Time `json:"start_timestamp"`
	EndTimestamp   time.Time `json:"end_timestamp"`
	RecordCount    int       `json:"record_count"`
	FileSize       int64     `json:"file_size"`
	Hash           string    `json:"hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// SecurityAlert is raised by the suspicious-activity detector and the health monitor
type SecurityAlert struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	AlertType   string         `json:"alert_type"`
	Pattern     string         `json:"pattern,omitempty"`
	Severity    Severity       `json:"severity"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	Status      string         `json:"status"`
}

// SystemMetric is a sampled metric value
type SystemMetric struct {
	ID         int64             `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	MetricType string            `json:"metric_type"`
	Value      map[string]any    `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// HealthStatus of a dependency
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the result of probing one component
type HealthCheck struct {
	ID           int64          `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Component    string         `json:"component"`
	Status       HealthStatus   `json:"status"`
	ResponseTime time.Duration  `json:"response_time"`
	Details      map[string]any `json:"details,omitempty"`
}

// ============================================================================
// COLLABORATOR INTERFACES
// ============================================================================

// AttributeStore returns the current attributes of an entity. An entity with
// no attributes yields an empty map and no error.
type AttributeStore interface {
	GetAttributes(ctx context.Context, entityType, entityID string, at time.Time) (map[string]any, error)
}

// AttributeAdminStore manages attribute definitions and values
type AttributeAdminStore interface {
	AttributeStore
	CreateDefinition(ctx context.Context, d *AttributeDefinition) error
	GetDefinition(ctx context.Context, name string) (*AttributeDefinition, error)
	SetAttribute(ctx context.Context, a *Attribute) error
	DeleteAttribute(ctx context.Context, id int64) error
}

// PolicyStore returns active policies applicable to a resource ordered by
// priority descending then id ascending
type PolicyStore interface {
	GetApplicablePolicies(ctx context.Context, resourceID, resourceType string, at time.Time) ([]*Policy, error)
}

// PolicyAdminStore manages policy persistence
type PolicyAdminStore interface {
	PolicyStore
	CreatePolicy(ctx context.Context, p *Policy) error
	UpdatePolicy(ctx context.Context, p *Policy, comment string) error
	DeletePolicy(ctx context.Context, id int64) error
	GetPolicy(ctx context.Context, id int64) (*Policy, error)
	ListPolicies(ctx context.Context, resourceType string) ([]*Policy, error)
	GetPolicyHistory(ctx context.Context, id int64) ([]*PolicyVersion, error)
	AssignPolicy(ctx context.Context, a *PolicyAssignment) error
	RevokeAssignment(ctx context.Context, id int64) error
}

// AuditLogger accepts audit events without waiting for durable storage
type AuditLogger interface {
	LogEvent(ctx context.Context, e *AuditEvent) error
}

// AuditLoggerFunc adapts a function to AuditLogger
type AuditLoggerFunc func(ctx context.Context, e *AuditEvent) error

func (f AuditLoggerFunc) LogEvent(ctx context.Context, e *AuditEvent) error { return f(ctx, e) }
