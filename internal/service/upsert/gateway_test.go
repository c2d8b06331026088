package upsert

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/pkg/apperror"
	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/docstore/memory"
)

func newGateway(t *testing.T) (*Gateway, *memory.Store) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.New()
	return NewGateway(store, &logger, nil), store
}

func TestMergeWriteMergesNotOverwrites(t *testing.T) {
	g, store := newGateway(t)
	ctx := context.Background()

	require.NoError(t, g.MergeWrite(ctx, "users", "u1", model.JSONMap{"a": 1}))
	require.NoError(t, g.MergeWrite(ctx, "users", "u1", model.JSONMap{"b": 2}))

	fields, err := store.GetDocument(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, 1, fields["a"])
	assert.Equal(t, 2, fields["b"])
}

func TestMergeWriteRequiresKey(t *testing.T) {
	g, _ := newGateway(t)

	err := g.MergeWrite(context.Background(), "users", "", model.JSONMap{"a": 1})
	assert.Equal(t, apperror.CodeInvalidInput, apperror.CodeOf(err))
}

func TestMergeWriteRejectsUnsupportedValues(t *testing.T) {
	g, _ := newGateway(t)

	err := g.MergeWrite(context.Background(), "users", "u1", model.JSONMap{"fn": func() {}})
	assert.Equal(t, apperror.CodeInvalidInput, apperror.CodeOf(err))
}

func TestMergeWriteRejectsCyclicFields(t *testing.T) {
	g, _ := newGateway(t)

	cyclic := model.JSONMap{}
	cyclic["self"] = cyclic

	err := g.MergeWrite(context.Background(), "users", "u1", cyclic)
	assert.Equal(t, apperror.CodeInvalidInput, apperror.CodeOf(err))
}

func TestMergeWriteAcceptsNestedMapsAndArrays(t *testing.T) {
	g, store := newGateway(t)
	ctx := context.Background()

	fields := model.JSONMap{
		"emergency": map[string]interface{}{
			"contact": "555",
			"allergies": []interface{}{
				"penicillin", "aspirin",
			},
		},
		"tags": []string{"chronic"},
	}
	require.NoError(t, g.MergeWrite(ctx, "users", "u1", fields))

	got, err := store.GetDocument(ctx, "users/u1")
	require.NoError(t, err)
	assert.NotNil(t, got["emergency"])
}

func TestAppendStampsTimestamps(t *testing.T) {
	g, store := newGateway(t)
	ctx := context.Background()
	serverNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return serverNow })

	key, err := g.Append(ctx, "users/u1/medicalRecords", model.JSONMap{"diagnosis": "flu"})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	fields, err := store.GetDocument(ctx, "users/u1/medicalRecords/"+key)
	require.NoError(t, err)
	assert.Equal(t, serverNow, fields[model.FieldCreatedAt])

	clientTime, ok := fields[model.FieldClientTime].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, clientTime)
	assert.NoError(t, err)
}

func TestAppendGeneratesDistinctKeys(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	k1, err := g.Append(ctx, "users/u1/prescriptions", model.JSONMap{"name": "a"})
	require.NoError(t, err)
	k2, err := g.Append(ctx, "users/u1/prescriptions", model.JSONMap{"name": "b"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestDegradedWritesFailLoudly(t *testing.T) {
	logger := zerolog.Nop()
	g := NewGateway(nil, &logger, nil)
	ctx := context.Background()

	err := g.MergeWrite(ctx, "users", "u1", model.JSONMap{"a": 1})
	assert.Equal(t, apperror.CodeWriteFailed, apperror.CodeOf(err))

	_, err = g.Append(ctx, "users/u1/medicalRecords", model.JSONMap{"a": 1})
	assert.Equal(t, apperror.CodeWriteFailed, apperror.CodeOf(err))
}

// stalledStore returns from writes only once their context has expired.
type stalledStore struct {
	*memory.Store
}

func (s *stalledStore) MergeWrite(ctx context.Context, path string, fields docstore.Fields) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stalledStore) AddDocument(ctx context.Context, collectionPath string, fields docstore.Fields) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestExpiredContextSurfacesTimeout(t *testing.T) {
	logger := zerolog.Nop()
	g := NewGateway(&stalledStore{Store: memory.New()}, &logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.MergeWrite(ctx, "users", "u1", model.JSONMap{"a": 1})
	assert.Equal(t, apperror.CodeTimeout, apperror.CodeOf(err))

	_, err = g.Append(ctx, "users/u1/prescriptions", model.JSONMap{"name": "aspirin"})
	assert.Equal(t, apperror.CodeTimeout, apperror.CodeOf(err))
}
