package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
	"github.com/oarkflow/abac/utils"
)

// SQLPolicyStore persists policies, their versions and assignments in SQL (squealx)
type SQLPolicyStore struct {
	db *squealx.DB
}

func NewSQLPolicyStore(db *squealx.DB) *SQLPolicyStore {
	return &SQLPolicyStore{db: db}
}

const policyColumns = `p.id, p.name, p.description, p.effect, p.conditions_json, p.resource_type, p.priority, p.is_active, p.version, p.created_at, p.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(r rowScanner, extra ...any) (*abac.Policy, error) {
	p := &abac.Policy{}
	var effect, condJSON string
	var active int
	var createdRaw, updatedRaw interface{}
	dest := []any{&p.ID, &p.Name, &p.Description, &effect, &condJSON, &p.ResourceType, &p.Priority, &active, &p.Version, &createdRaw, &updatedRaw}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	p.Effect = abac.Effect(effect)
	p.IsActive = active != 0
	p.Conditions = fromJSONMap(condJSON)
	p.CreatedAt = scanTime(createdRaw)
	p.UpdatedAt = scanTime(updatedRaw)
	return p, nil
}

func conflictOrErr(name string, err error) error {
	if err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE") {
		return fmt.Errorf("%w: name %q already in use", abac.ErrPolicyConflict, name)
	}
	return err
}

func (s *SQLPolicyStore) nameTaken(ctx context.Context, name string, except int64) (bool, error) {
	q := `SELECT id FROM policies WHERE name = :name AND is_deleted = 0 AND id <> :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name, "id": except})
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Next(), nil
}

func checkPolicy(p *abac.Policy) error {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", abac.ErrInvalidPolicy)
	}
	if !p.Effect.Valid() {
		return fmt.Errorf("%w: effect must be allow or deny, got %q", abac.ErrInvalidPolicy, p.Effect)
	}
	if p.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", abac.ErrInvalidPolicy)
	}
	return nil
}

// CreatePolicy inserts the policy and its first version in one transaction
func (s *SQLPolicyStore) CreatePolicy(ctx context.Context, p *abac.Policy) error {
	if err := checkPolicy(p); err != nil {
		return err
	}
	if taken, err := s.nameTaken(ctx, p.Name, 0); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("%w: name %q already in use", abac.ErrPolicyConflict, p.Name)
	}
	condJSON, err := json.Marshal(conditionsOrEmpty(p.Conditions))
	if err != nil {
		return fmt.Errorf("%w: encode conditions: %v", abac.ErrInvalidPolicy, err)
	}
	now := time.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	q := `INSERT INTO policies(name, description, effect, conditions_json, resource_type, priority, is_active, is_deleted, version, created_at, updated_at)
		VALUES(:name, :description, :effect, :conditions_json, :resource_type, :priority, :is_active, 0, :version, :created_at, :updated_at)`
	res, err := tx.NamedExecContext(ctx, q, map[string]any{
		"name":            p.Name,
		"description":     p.Description,
		"effect":          string(p.Effect),
		"conditions_json": string(condJSON),
		"resource_type":   p.ResourceType,
		"priority":        p.Priority,
		"is_active":       boolToInt(p.IsActive),
		"version":         p.Version,
		"created_at":      formatTime(now),
		"updated_at":      formatTime(now),
	})
	if err != nil {
		return conflictOrErr(p.Name, err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if err := insertVersion(ctx, tx, p.ID, p.Version, string(condJSON), "created", now); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePolicy bumps the version and records it alongside the update
func (s *SQLPolicyStore) UpdatePolicy(ctx context.Context, p *abac.Policy, comment string) error {
	if err := checkPolicy(p); err != nil {
		return err
	}
	current, err := s.GetPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	if taken, err := s.nameTaken(ctx, p.Name, p.ID); err != nil {
		return err
	} else if taken {
		return fmt.Errorf("%w: name %q already in use", abac.ErrPolicyConflict, p.Name)
	}
	condJSON, err := json.Marshal(conditionsOrEmpty(p.Conditions))
	if err != nil {
		return fmt.Errorf("%w: encode conditions: %v", abac.ErrInvalidPolicy, err)
	}
	now := time.Now()
	p.Version = current.Version + 1
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = now

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	q := `UPDATE policies SET name = :name, description = :description, effect = :effect, conditions_json = :conditions_json,
		resource_type = :resource_type, priority = :priority, is_active = :is_active, version = :version, updated_at = :updated_at
		WHERE id = :id AND is_deleted = 0`
	if _, err := tx.NamedExecContext(ctx, q, map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"description":     p.Description,
		"effect":          string(p.Effect),
		"conditions_json": string(condJSON),
		"resource_type":   p.ResourceType,
		"priority":        p.Priority,
		"is_active":       boolToInt(p.IsActive),
		"version":         p.Version,
		"updated_at":      formatTime(now),
	}); err != nil {
		return conflictOrErr(p.Name, err)
	}
	if err := insertVersion(ctx, tx, p.ID, p.Version, string(condJSON), comment, now); err != nil {
		return err
	}
	return tx.Commit()
}

func conditionsOrEmpty(c map[string]any) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	return c
}

func insertVersion(ctx context.Context, tx *squealx.Tx, policyID int64, version int, condJSON, comment string, at time.Time) error {
	q := `INSERT INTO policy_versions(policy_id, version, conditions_json, comment, created_at) VALUES(:policy_id, :version, :conditions_json, :comment, :created_at)`
	_, err := tx.NamedExecContext(ctx, q, map[string]any{
		"policy_id":       policyID,
		"version":         version,
		"conditions_json": condJSON,
		"comment":         comment,
		"created_at":      formatTime(at),
	})
	return err
}

// DeletePolicy soft-deletes; history rows stay
func (s *SQLPolicyStore) DeletePolicy(ctx context.Context, id int64) error {
	q := `UPDATE policies SET is_deleted = 1, updated_at = :updated_at WHERE id = :id AND is_deleted = 0`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id, "updated_at": formatTime(time.Now())})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", abac.ErrPolicyNotFound, id)
	}
	return nil
}

func (s *SQLPolicyStore) GetPolicy(ctx context.Context, id int64) (*abac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies p WHERE p.id = :id AND p.is_deleted = 0`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %d", abac.ErrPolicyNotFound, id)
	}
	return scanPolicy(r)
}

func (s *SQLPolicyStore) ListPolicies(ctx context.Context, resourceType string) ([]*abac.Policy, error) {
	q := `SELECT ` + policyColumns + ` FROM policies p WHERE p.is_deleted = 0 AND (:resource_type = '' OR p.resource_type = :resource_type) ORDER BY p.priority DESC, p.id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"resource_type": resourceType})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.Policy, 0)
	for r.Next() {
		p, err := scanPolicy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, r.Err()
}

func (s *SQLPolicyStore) GetPolicyHistory(ctx context.Context, id int64) ([]*abac.PolicyVersion, error) {
	q := `SELECT id, policy_id, version, conditions_json, comment, created_at FROM policy_versions WHERE policy_id = :policy_id ORDER BY version ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.PolicyVersion, 0)
	for r.Next() {
		v := &abac.PolicyVersion{}
		var condJSON string
		var createdRaw interface{}
		if err := r.Scan(&v.ID, &v.PolicyID, &v.Version, &condJSON, &v.Comment, &createdRaw); err != nil {
			return nil, err
		}
		v.Conditions = fromJSONMap(condJSON)
		v.CreatedAt = scanTime(createdRaw)
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no history for policy %d", abac.ErrPolicyNotFound, id)
	}
	return out, r.Err()
}

func (s *SQLPolicyStore) AssignPolicy(ctx context.Context, a *abac.PolicyAssignment) error {
	if a.ResourceID == "" || a.ResourceType == "" {
		return fmt.Errorf("%w: resource id and type are required", abac.ErrAssignmentInvalid)
	}
	if _, err := s.GetPolicy(ctx, a.PolicyID); err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	q := `INSERT INTO policy_assignments(policy_id, resource_id, resource_type, is_active, expires_at, created_at)
		VALUES(:policy_id, :resource_id, :resource_type, :is_active, :expires_at, :created_at)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"policy_id":     a.PolicyID,
		"resource_id":   a.ResourceID,
		"resource_type": a.ResourceType,
		"is_active":     boolToInt(a.IsActive),
		"expires_at":    nullableTime(a.ExpiresAt),
		"created_at":    formatTime(a.CreatedAt),
	})
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *SQLPolicyStore) RevokeAssignment(ctx context.Context, id int64) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE policy_assignments SET is_active = 0 WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: assignment %d not found", abac.ErrAssignmentInvalid, id)
	}
	return nil
}

// GetApplicablePolicies returns active policies with a live assignment
// covering the resource, ordered by priority descending then id ascending.
// Wildcard assignments are narrowed in SQL and matched exactly here.
func (s *SQLPolicyStore) GetApplicablePolicies(ctx context.Context, resourceID, resourceType string, at time.Time) ([]*abac.Policy, error) {
	q := `SELECT ` + policyColumns + `, a.resource_id FROM policies p
		JOIN policy_assignments a ON a.policy_id = p.id
		WHERE a.resource_type = :resource_type AND a.is_active = 1
		AND (a.expires_at IS NULL OR a.expires_at > :at)
		AND p.is_active = 1 AND p.is_deleted = 0
		AND (a.resource_id = :resource_id OR a.resource_id LIKE '%*%')
		ORDER BY p.priority DESC, p.id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"at":            formatTime(at),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abac.ErrPolicyLookup, err)
	}
	defer r.Close()
	seen := make(map[int64]bool)
	out := make([]*abac.Policy, 0)
	for r.Next() {
		var pattern string
		p, err := scanPolicy(r, &pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", abac.ErrPolicyLookup, err)
		}
		if seen[p.ID] || !utils.MatchResource(resourceID, pattern) {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", abac.ErrPolicyLookup, err)
	}
	return out, nil
}
