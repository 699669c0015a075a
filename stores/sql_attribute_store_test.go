package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/abac"
)

func TestSQLAttributeStore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLAttributeStore(newTestDB(t))

	require.NoError(t, store.CreateDefinition(ctx, &abac.AttributeDefinition{Name: "department", Kind: abac.EntityUser, DataType: "string", IsActive: true}))
	require.NoError(t, store.CreateDefinition(ctx, &abac.AttributeDefinition{Name: "groups", Kind: abac.EntityUser, DataType: "string", Multivalued: true, IsActive: true}))
	require.NoError(t, store.CreateDefinition(ctx, &abac.AttributeDefinition{Name: "level", Kind: abac.EntityUser, DataType: "number", IsActive: true}))
	err := store.CreateDefinition(ctx, &abac.AttributeDefinition{Name: "department", Kind: abac.EntityUser, IsActive: true})
	assert.ErrorIs(t, err, abac.ErrDefinitionInvalid)

	now := time.Now()
	past := now.Add(-time.Hour)
	require.NoError(t, store.SetAttribute(ctx, &abac.Attribute{Name: "department", EntityType: "user", EntityID: "u1", Value: "sales"}))
	require.NoError(t, store.SetAttribute(ctx, &abac.Attribute{Name: "department", EntityType: "user", EntityID: "u1", Value: "engineering"}))
	require.NoError(t, store.SetAttribute(ctx, &abac.Attribute{Name: "groups", EntityType: "user", EntityID: "u1", Value: "a"}))
	require.NoError(t, store.SetAttribute(ctx, &abac.Attribute{Name: "groups", EntityType: "user", EntityID: "u1", Value: "b"}))
	require.NoError(t, store.SetAttribute(ctx, &abac.Attribute{Name: "level", EntityType: "user", EntityID: "u1", Value: 3, ExpiresAt: &past}))

	attrs, err := store.GetAttributes(ctx, "user", "u1", now)
	require.NoError(t, err)
	assert.Equal(t, "engineering", attrs["department"])
	assert.Equal(t, []any{"a", "b"}, attrs["groups"])
	assert.NotContains(t, attrs, "level")

	earlier, err := store.GetAttributes(ctx, "user", "u1", past.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, float64(3), earlier["level"])

	empty, err := store.GetAttributes(ctx, "user", "nobody", now)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLAttributeStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewSQLAttributeStore(newTestDB(t))
	require.NoError(t, store.CreateDefinition(ctx, &abac.AttributeDefinition{Name: "classification", Kind: abac.EntityResource, IsActive: true}))
	a := &abac.Attribute{Name: "classification", EntityType: "document", EntityID: "doc1", Value: "public"}
	require.NoError(t, store.SetAttribute(ctx, a))
	require.NoError(t, store.DeleteAttribute(ctx, a.ID))
	assert.Error(t, store.DeleteAttribute(ctx, a.ID))

	attrs, err := store.GetAttributes(ctx, "document", "doc1", time.Now())
	require.NoError(t, err)
	assert.Empty(t, attrs)
}
