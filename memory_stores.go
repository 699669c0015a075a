package abac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/abac/utils"
)

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

// MemoryAttributeStore keeps attribute definitions and values in memory
type MemoryAttributeStore struct {
	mu          sync.RWMutex
	definitions map[string]*AttributeDefinition
	byID        map[int64]*AttributeDefinition
	values      map[int64]*Attribute
	nextDefID   int64
	nextValueID int64
}

func NewMemoryAttributeStore() *MemoryAttributeStore {
	return &MemoryAttributeStore{
		definitions: make(map[string]*AttributeDefinition),
		byID:        make(map[int64]*AttributeDefinition),
		values:      make(map[int64]*Attribute),
	}
}

func (s *MemoryAttributeStore) GetAttributes(ctx context.Context, entityType, entityID string, at time.Time) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matching := make([]*Attribute, 0)
	for _, a := range s.values {
		if a.EntityType == entityType && a.EntityID == entityID && a.Current(at) {
			matching = append(matching, a)
		}
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].ID < matching[j].ID })
	return collectAttributes(matching, func(id int64) *AttributeDefinition { return s.byID[id] }), nil
}

// collectAttributes folds attribute rows (ordered by id) into the evaluator
// map. Multivalued definitions surface as []any.
func collectAttributes(rows []*Attribute, definition func(int64) *AttributeDefinition) map[string]any {
	out := make(map[string]any, len(rows))
	for _, a := range rows {
		def := definition(a.DefinitionID)
		if def == nil || !def.IsActive {
			continue
		}
		if !def.Multivalued {
			out[def.Name] = a.Value
			continue
		}
		list, _ := out[def.Name].([]any)
		out[def.Name] = append(list, a.Value)
	}
	return out
}

func (s *MemoryAttributeStore) CreateDefinition(ctx context.Context, d *AttributeDefinition) error {
	if err := validateDefinition(d); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.definitions[d.Name]; exists {
		return fmt.Errorf("%w: %s already defined", ErrDefinitionInvalid, d.Name)
	}
	s.nextDefID++
	d.ID = s.nextDefID
	d.CreatedAt = time.Now()
	cp := *d
	s.definitions[d.Name] = &cp
	s.byID[d.ID] = &cp
	return nil
}

func validateDefinition(d *AttributeDefinition) error {
	if d == nil || strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrDefinitionInvalid)
	}
	switch d.Kind {
	case EntityUser, EntityResource, EntityEnvironment:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrDefinitionInvalid, d.Kind)
	}
	return nil
}

func (s *MemoryAttributeStore) GetDefinition(ctx context.Context, name string) (*AttributeDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[name]
	if !ok {
		return nil, fmt.Errorf("attribute definition not found: %s", name)
	}
	cp := *d
	return &cp, nil
}

// SetAttribute stores a value. For a single-valued definition it replaces the
// entity's current value; for a multivalued one it appends.
func (s *MemoryAttributeStore) SetAttribute(ctx context.Context, a *Attribute) error {
	if a.EntityType == "" || a.EntityID == "" {
		return fmt.Errorf("%w: entity type and id are required", ErrDefinitionInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	def := s.byID[a.DefinitionID]
	if def == nil && a.Name != "" {
		def = s.definitions[a.Name]
	}
	if def == nil {
		return fmt.Errorf("%w: no definition for attribute %q", ErrDefinitionInvalid, a.Name)
	}
	now := time.Now()
	a.DefinitionID = def.ID
	a.Name = def.Name
	a.UpdatedAt = now
	if !def.Multivalued {
		for _, existing := range s.values {
			if existing.DefinitionID == def.ID && existing.EntityType == a.EntityType && existing.EntityID == a.EntityID {
				a.ID = existing.ID
				a.CreatedAt = existing.CreatedAt
				cp := *a
				s.values[a.ID] = &cp
				return nil
			}
		}
	}
	s.nextValueID++
	a.ID = s.nextValueID
	a.CreatedAt = now
	cp := *a
	s.values[a.ID] = &cp
	return nil
}

func (s *MemoryAttributeStore) DeleteAttribute(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[id]; !ok {
		return fmt.Errorf("attribute not found: %d", id)
	}
	delete(s.values, id)
	return nil
}

// PutAttribute sets a single-valued attribute, defining it on first use
func (s *MemoryAttributeStore) PutAttribute(ctx context.Context, entityType, entityID, name string, value any) error {
	if _, err := s.GetDefinition(ctx, name); err != nil {
		kind := EntityResource
		if entityType == string(EntityUser) {
			kind = EntityUser
		}
		if err := s.CreateDefinition(ctx, &AttributeDefinition{Name: name, Kind: kind, IsActive: true}); err != nil {
			return err
		}
	}
	return s.SetAttribute(ctx, &Attribute{Name: name, EntityType: entityType, EntityID: entityID, Value: value})
}

// MemoryPolicyStore implements policy persistence in memory. Stored policies
// are replaced, never mutated, so readers may keep returned pointers.
type MemoryPolicyStore struct {
	mu          sync.RWMutex
	policies    map[int64]*Policy
	deleted     map[int64]*Policy
	versions    map[int64][]*PolicyVersion
	assignments map[int64]*PolicyAssignment
	nextID      int64
	nextVerID   int64
	nextAsgID   int64
}

func NewMemoryPolicyStore() *MemoryPolicyStore {
	return &MemoryPolicyStore{
		policies:    make(map[int64]*Policy),
		deleted:     make(map[int64]*Policy),
		versions:    make(map[int64][]*PolicyVersion),
		assignments: make(map[int64]*PolicyAssignment),
	}
}

func validatePolicy(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPolicy)
	}
	if !p.Effect.Valid() {
		return fmt.Errorf("%w: effect must be allow or deny, got %q", ErrInvalidPolicy, p.Effect)
	}
	if p.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", ErrInvalidPolicy)
	}
	return nil
}

func (s *MemoryPolicyStore) nameTaken(name string, except int64) bool {
	for id, p := range s.policies {
		if id != except && p.Name == name {
			return true
		}
	}
	return false
}

func (s *MemoryPolicyStore) CreatePolicy(ctx context.Context, p *Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTaken(p.Name, 0) {
		return fmt.Errorf("%w: name %q already in use", ErrPolicyConflict, p.Name)
	}
	s.nextID++
	p.ID = s.nextID
	p.Version = 1
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	s.policies[p.ID] = &cp
	s.appendVersion(&cp, "created")
	return nil
}

func (s *MemoryPolicyStore) UpdatePolicy(ctx context.Context, p *Policy, comment string) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.policies[p.ID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPolicyNotFound, p.ID)
	}
	if s.nameTaken(p.Name, p.ID) {
		return fmt.Errorf("%w: name %q already in use", ErrPolicyConflict, p.Name)
	}
	p.Version = old.Version + 1
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = time.Now()
	cp := *p
	s.policies[p.ID] = &cp
	s.appendVersion(&cp, comment)
	return nil
}

func (s *MemoryPolicyStore) appendVersion(p *Policy, comment string) {
	s.nextVerID++
	s.versions[p.ID] = append(s.versions[p.ID], &PolicyVersion{
		ID:         s.nextVerID,
		PolicyID:   p.ID,
		Version:    p.Version,
		Conditions: p.Conditions,
		Comment:    comment,
		CreatedAt:  p.UpdatedAt,
	})
}

// DeletePolicy soft-deletes a policy: it stops being applicable and its name
// becomes free, while its history is retained
func (s *MemoryPolicyStore) DeletePolicy(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPolicyNotFound, id)
	}
	delete(s.policies, id)
	s.deleted[id] = p
	return nil
}

func (s *MemoryPolicyStore) GetPolicy(ctx context.Context, id int64) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPolicyNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryPolicyStore) ListPolicies(ctx context.Context, resourceType string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if resourceType == "" || p.ResourceType == resourceType {
			result = append(result, p)
		}
	}
	SortPolicies(result)
	return result, nil
}

func (s *MemoryPolicyStore) GetPolicyHistory(ctx context.Context, id int64) ([]*PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPolicyNotFound, id)
	}
	out := make([]*PolicyVersion, len(h))
	copy(out, h)
	return out, nil
}

func (s *MemoryPolicyStore) AssignPolicy(ctx context.Context, a *PolicyAssignment) error {
	if a.ResourceID == "" || a.ResourceType == "" {
		return fmt.Errorf("%w: resource id and type are required", ErrAssignmentInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[a.PolicyID]; !ok {
		return fmt.Errorf("%w: %d", ErrPolicyNotFound, a.PolicyID)
	}
	s.nextAsgID++
	a.ID = s.nextAsgID
	a.CreatedAt = time.Now()
	cp := *a
	s.assignments[a.ID] = &cp
	return nil
}

func (s *MemoryPolicyStore) RevokeAssignment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return fmt.Errorf("%w: assignment %d not found", ErrAssignmentInvalid, id)
	}
	cp := *a
	cp.IsActive = false
	s.assignments[id] = &cp
	return nil
}

func (s *MemoryPolicyStore) GetApplicablePolicies(ctx context.Context, resourceID, resourceType string, at time.Time) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]bool)
	result := make([]*Policy, 0)
	for _, a := range s.assignments {
		if seen[a.PolicyID] || a.ResourceType != resourceType || !a.Live(at) {
			continue
		}
		if !utils.MatchResource(resourceID, a.ResourceID) {
			continue
		}
		p, ok := s.policies[a.PolicyID]
		if !ok || !p.IsActive {
			continue
		}
		seen[a.PolicyID] = true
		result = append(result, p)
	}
	SortPolicies(result)
	return result, nil
}

// SortPolicies orders policies by priority descending, then id ascending
func SortPolicies(ps []*Policy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}
