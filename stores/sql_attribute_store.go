package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLAttributeStore persists attribute definitions and values in SQL (squealx)
type SQLAttributeStore struct {
	db *squealx.DB
}

func NewSQLAttributeStore(db *squealx.DB) *SQLAttributeStore {
	return &SQLAttributeStore{db: db}
}

func (s *SQLAttributeStore) GetAttributes(ctx context.Context, entityType, entityID string, at time.Time) (map[string]any, error) {
	q := `SELECT d.name, d.multivalued, v.value_json FROM attribute_values v
		JOIN attribute_definitions d ON d.id = v.definition_id
		WHERE v.entity_type = :entity_type AND v.entity_id = :entity_id AND d.is_active = 1
		AND (v.expires_at IS NULL OR v.expires_at > :at)
		ORDER BY v.id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
		"at":          formatTime(at),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", abac.ErrAttributeLookup, err)
	}
	defer r.Close()
	out := make(map[string]any)
	for r.Next() {
		var name, valueJSON string
		var multivalued int
		if err := r.Scan(&name, &multivalued, &valueJSON); err != nil {
			return nil, fmt.Errorf("%w: %w", abac.ErrAttributeLookup, err)
		}
		value := fromJSONValue(valueJSON)
		if multivalued == 0 {
			out[name] = value
			continue
		}
		list, _ := out[name].([]any)
		out[name] = append(list, value)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", abac.ErrAttributeLookup, err)
	}
	return out, nil
}

func (s *SQLAttributeStore) CreateDefinition(ctx context.Context, d *abac.AttributeDefinition) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("%w: name is required", abac.ErrDefinitionInvalid)
	}
	if _, err := s.GetDefinition(ctx, d.Name); err == nil {
		return fmt.Errorf("%w: %s already defined", abac.ErrDefinitionInvalid, d.Name)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	q := `INSERT INTO attribute_definitions(name, kind, data_type, description, multivalued, is_active, created_at)
		VALUES(:name, :kind, :data_type, :description, :multivalued, :is_active, :created_at)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"name":        d.Name,
		"kind":        string(d.Kind),
		"data_type":   d.DataType,
		"description": d.Description,
		"multivalued": boolToInt(d.Multivalued),
		"is_active":   boolToInt(d.IsActive),
		"created_at":  formatTime(d.CreatedAt),
	})
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (s *SQLAttributeStore) GetDefinition(ctx context.Context, name string) (*abac.AttributeDefinition, error) {
	q := `SELECT id, name, kind, data_type, description, multivalued, is_active, created_at FROM attribute_definitions WHERE name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("attribute definition not found: %s", name)
	}
	d := &abac.AttributeDefinition{}
	var kind string
	var multivalued, active int
	var createdRaw interface{}
	if err := r.Scan(&d.ID, &d.Name, &kind, &d.DataType, &d.Description, &multivalued, &active, &createdRaw); err != nil {
		return nil, err
	}
	d.Kind = abac.EntityKind(kind)
	d.Multivalued = multivalued != 0
	d.IsActive = active != 0
	d.CreatedAt = scanTime(createdRaw)
	return d, nil
}

func (s *SQLAttributeStore) definitionByID(ctx context.Context, id int64) (string, error) {
	r, err := s.db.NamedQueryContext(ctx, `SELECT name FROM attribute_definitions WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return "", err
	}
	defer r.Close()
	if !r.Next() {
		return "", fmt.Errorf("%w: no definition with id %d", abac.ErrDefinitionInvalid, id)
	}
	var name string
	err = r.Scan(&name)
	return name, err
}

// SetAttribute replaces the current value of a single-valued attribute and
// appends to a multivalued one
func (s *SQLAttributeStore) SetAttribute(ctx context.Context, a *abac.Attribute) error {
	if a.EntityType == "" || a.EntityID == "" {
		return fmt.Errorf("%w: entity type and id are required", abac.ErrDefinitionInvalid)
	}
	name := a.Name
	if name == "" {
		var err error
		if name, err = s.definitionByID(ctx, a.DefinitionID); err != nil {
			return err
		}
	}
	def, err := s.GetDefinition(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: %w", abac.ErrDefinitionInvalid, err)
	}
	a.DefinitionID = def.ID
	a.Name = def.Name
	valueJSON, err := toJSON(a.Value)
	if err != nil {
		return fmt.Errorf("encode attribute value: %w", err)
	}
	now := time.Now()
	a.UpdatedAt = now
	if !def.Multivalued {
		existing, err := s.currentValueID(ctx, def.ID, a.EntityType, a.EntityID)
		if err != nil {
			return err
		}
		if existing != 0 {
			a.ID = existing
			q := `UPDATE attribute_values SET value_json = :value_json, expires_at = :expires_at, updated_at = :updated_at WHERE id = :id`
			_, err := s.db.NamedExecContext(ctx, q, map[string]any{
				"id":         existing,
				"value_json": valueJSON,
				"expires_at": nullableTime(a.ExpiresAt),
				"updated_at": formatTime(now),
			})
			return err
		}
	}
	a.CreatedAt = now
	q := `INSERT INTO attribute_values(definition_id, entity_type, entity_id, value_json, expires_at, created_at, updated_at)
		VALUES(:definition_id, :entity_type, :entity_id, :value_json, :expires_at, :created_at, :updated_at)`
	res, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"definition_id": def.ID,
		"entity_type":   a.EntityType,
		"entity_id":     a.EntityID,
		"value_json":    valueJSON,
		"expires_at":    nullableTime(a.ExpiresAt),
		"created_at":    formatTime(now),
		"updated_at":    formatTime(now),
	})
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *SQLAttributeStore) currentValueID(ctx context.Context, definitionID int64, entityType, entityID string) (int64, error) {
	q := `SELECT id FROM attribute_values WHERE definition_id = :definition_id AND entity_type = :entity_type AND entity_id = :entity_id ORDER BY id DESC LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{
		"definition_id": definitionID,
		"entity_type":   entityType,
		"entity_id":     entityID,
	})
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if !r.Next() {
		return 0, nil
	}
	var id int64
	err = r.Scan(&id)
	return id, err
}

func (s *SQLAttributeStore) DeleteAttribute(ctx context.Context, id int64) error {
	res, err := s.db.NamedExecContext(ctx, `DELETE FROM attribute_values WHERE id = :id`, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("attribute not found: %d", id)
	}
	return nil
}
