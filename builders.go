package abac

import "time"

// Builders provide a fluent API for creating policies and assignments

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder(name string) *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{Name: name, Effect: EffectAllow, Conditions: map[string]any{}, IsActive: true}}
}

func (b *PolicyBuilder) Description(d string) *PolicyBuilder     { b.p.Description = d; return b }
func (b *PolicyBuilder) Effect(e Effect) *PolicyBuilder          { b.p.Effect = e; return b }
func (b *PolicyBuilder) ResourceType(t string) *PolicyBuilder    { b.p.ResourceType = t; return b }
func (b *PolicyBuilder) Priority(p int) *PolicyBuilder           { b.p.Priority = p; return b }
func (b *PolicyBuilder) Active(active bool) *PolicyBuilder       { b.p.IsActive = active; return b }
func (b *PolicyBuilder) Equals(key string, v any) *PolicyBuilder { b.p.Conditions[key] = v; return b }

// Where adds an operator to the operator object of key
func (b *PolicyBuilder) Where(key string, op OperatorKind, v any) *PolicyBuilder {
	ops, ok := b.p.Conditions[key].(map[string]any)
	if !ok {
		ops = map[string]any{}
		b.p.Conditions[key] = ops
	}
	ops[string(op)] = v
	return b
}

func (b *PolicyBuilder) Build() *Policy { return b.p }

// AssignmentBuilder builds a PolicyAssignment
type AssignmentBuilder struct {
	a *PolicyAssignment
}

func NewAssignmentBuilder(policyID int64) *AssignmentBuilder {
	return &AssignmentBuilder{a: &PolicyAssignment{PolicyID: policyID, IsActive: true}}
}

func (b *AssignmentBuilder) Resource(resourceType, resourceID string) *AssignmentBuilder {
	b.a.ResourceType = resourceType
	b.a.ResourceID = resourceID
	return b
}
func (b *AssignmentBuilder) ExpiresAt(t time.Time) *AssignmentBuilder { b.a.ExpiresAt = &t; return b }
func (b *AssignmentBuilder) Active(active bool) *AssignmentBuilder    { b.a.IsActive = active; return b }
func (b *AssignmentBuilder) Build() *PolicyAssignment                 { return b.a }
