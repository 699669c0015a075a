package abac

import (
	"context"
	"fmt"
	"strings"

	"github.com/oarkflow/abac/logger"
)

// ============================================================================
// POLICY ADMINISTRATION
// ============================================================================

// PolicyAdmin fronts a PolicyAdminStore: it validates condition trees before
// they are saved, invalidates the engine's decision cache after every change
// and records a configuration audit event per change.
type PolicyAdmin struct {
	store       PolicyAdminStore
	engine      *Engine
	audit       AuditLogger
	distributor *PolicyBundleDistributor
	logger      logger.Logger
}

func NewPolicyAdmin(store PolicyAdminStore, engine *Engine, audit AuditLogger, l logger.Logger) *PolicyAdmin {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &PolicyAdmin{store: store, engine: engine, audit: audit, logger: l}
}

// SetBundleDistributor makes every change publish a policy bundle
func (a *PolicyAdmin) SetBundleDistributor(d *PolicyBundleDistributor) {
	a.distributor = d
}

// ValidatePolicy checks the policy fields and compiles its condition tree
func ValidatePolicy(p *Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	if err := ValidateConditions(p.Conditions); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return nil
}

func (a *PolicyAdmin) CreatePolicy(ctx context.Context, actor string, p *Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if err := a.store.CreatePolicy(ctx, p); err != nil {
		return err
	}
	a.changed(ctx, actor, "policy.create", p.ID, p.ResourceType, map[string]any{"name": p.Name, "version": p.Version})
	return nil
}

func (a *PolicyAdmin) UpdatePolicy(ctx context.Context, actor string, p *Policy, comment string) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	if err := a.store.UpdatePolicy(ctx, p, comment); err != nil {
		return err
	}
	a.changed(ctx, actor, "policy.update", p.ID, p.ResourceType, map[string]any{"name": p.Name, "version": p.Version, "comment": comment})
	return nil
}

func (a *PolicyAdmin) DeletePolicy(ctx context.Context, actor string, id int64) error {
	var resourceType string
	if p, err := a.store.GetPolicy(ctx, id); err == nil {
		resourceType = p.ResourceType
	}
	if err := a.store.DeletePolicy(ctx, id); err != nil {
		return err
	}
	a.changed(ctx, actor, "policy.delete", id, resourceType, nil)
	return nil
}

// RollbackPolicy writes a new version whose conditions are those of an
// earlier version
func (a *PolicyAdmin) RollbackPolicy(ctx context.Context, actor string, id int64, version int) (*Policy, error) {
	history, err := a.store.GetPolicyHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	var target *PolicyVersion
	for _, v := range history {
		if v.Version == version {
			target = v
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("%w: policy %d has no version %d", ErrPolicyNotFound, id, version)
	}
	p, err := a.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Conditions = target.Conditions
	if err := a.UpdatePolicy(ctx, actor, p, fmt.Sprintf("rollback to version %d", version)); err != nil {
		return nil, err
	}
	return p, nil
}

func (a *PolicyAdmin) AssignPolicy(ctx context.Context, actor string, asg *PolicyAssignment) error {
	if err := a.store.AssignPolicy(ctx, asg); err != nil {
		return err
	}
	a.changed(ctx, actor, "policy.assign", asg.PolicyID, asg.ResourceType, map[string]any{
		"assignment_id": asg.ID,
		"resource_id":   asg.ResourceID,
		"resource_type": asg.ResourceType,
	})
	return nil
}

func (a *PolicyAdmin) RevokeAssignment(ctx context.Context, actor string, id int64) error {
	if err := a.store.RevokeAssignment(ctx, id); err != nil {
		return err
	}
	a.changed(ctx, actor, "policy.revoke", 0, "", map[string]any{"assignment_id": id})
	return nil
}

func (a *PolicyAdmin) changed(ctx context.Context, actor, action string, policyID int64, resourceType string, details map[string]any) {
	if a.engine != nil {
		if err := a.engine.InvalidateDecisionCache(ctx); err != nil {
			a.logger.Warn("cache invalidation after policy change failed", "action", action, "error", err)
		}
	}
	if a.distributor != nil {
		a.distributor.NotifyPolicyChange(resourceType)
	}
	a.logger.Info("policy changed", "action", action, "policy_id", policyID, "actor", actor)
	if a.audit == nil {
		return
	}
	ev := &AuditEvent{
		EventType:    EventConfiguration,
		Severity:     SeverityInfo,
		SubjectID:    actor,
		Action:       action,
		ResourceType: "policy",
		Result:       "success",
		Details:      details,
	}
	if policyID != 0 {
		id := policyID
		ev.PolicyID = &id
		ev.ResourceID = fmt.Sprint(policyID)
	}
	if err := a.audit.LogEvent(context.WithoutCancel(ctx), ev); err != nil {
		a.logger.Error("configuration audit event not recorded", "action", action, "error", err)
	}
}

// ParseResource splits a "type:id" reference. A reference without a type
// yields an empty type.
func ParseResource(ref string) (resourceType, resourceID string) {
	if idx := strings.Index(ref, ":"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return "", ref
}
