package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medipass/sync-api/pkg/docstore"
)

func TestMergeWritePreservesOtherFields(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.MergeWrite(ctx, "users/u1", docstore.Fields{"a": 1}))
	require.NoError(t, store.MergeWrite(ctx, "users/u1", docstore.Fields{"b": 2}))

	fields, err := store.GetDocument(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, 1, fields["a"])
	assert.Equal(t, 2, fields["b"])
}

func TestMergeWriteIsIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()

	write := docstore.Fields{"name": "Ana", "phone": "123"}
	require.NoError(t, store.MergeWrite(ctx, "users/u1", write))
	require.NoError(t, store.MergeWrite(ctx, "users/u1", write))

	fields, err := store.GetDocument(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, docstore.Fields{"name": "Ana", "phone": "123"}, fields)
}

func TestAddDocumentResolvesServerTimestamp(t *testing.T) {
	store := New()
	serverNow := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return serverNow })

	key, err := store.AddDocument(context.Background(), "users/u1/medicalRecords", docstore.Fields{
		"diagnosis": "flu",
		"createdAt": docstore.ServerTimestamp{},
	})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	fields, err := store.GetDocument(context.Background(), "users/u1/medicalRecords/"+key)
	require.NoError(t, err)
	assert.Equal(t, serverNow, fields["createdAt"])
}

func TestGetDocumentNotFound(t *testing.T) {
	store := New()

	_, err := store.GetDocument(context.Background(), "users/absent")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestSubscribeDeliversInitialAndUpdates(t *testing.T) {
	store := New()
	ctx := context.Background()

	var snapshots [][]docstore.Document
	unsub, err := store.Subscribe(ctx, "users/u1/prescriptions", "createdAt", true, func(docs []docstore.Document, err error) {
		require.NoError(t, err)
		snapshots = append(snapshots, docs)
	})
	require.NoError(t, err)
	defer unsub()

	require.Len(t, snapshots, 1)
	assert.Empty(t, snapshots[0])

	_, err = store.AddDocument(ctx, "users/u1/prescriptions", docstore.Fields{"name": "ibuprofen"})
	require.NoError(t, err)

	require.Len(t, snapshots, 2)
	require.Len(t, snapshots[1], 1)
	assert.Equal(t, "ibuprofen", snapshots[1][0].Fields["name"])
}

func TestNoCallbackAfterUnsubscribe(t *testing.T) {
	store := New()
	ctx := context.Background()

	calls := 0
	unsub, err := store.Subscribe(ctx, "users/u1/medicalRecords", "createdAt", true, func([]docstore.Document, error) {
		calls++
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	unsub()
	unsub() // second call is a no-op

	_, err = store.AddDocument(ctx, "users/u1/medicalRecords", docstore.Fields{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestInjectErrorReachesListeners(t *testing.T) {
	store := New()

	var streamErr error
	_, err := store.Subscribe(context.Background(), "users/u1/medicalRecords", "createdAt", true, func(_ []docstore.Document, err error) {
		if err != nil {
			streamErr = err
		}
	})
	require.NoError(t, err)

	injected := errors.New("permission denied")
	store.InjectError("users/u1/medicalRecords", injected)
	assert.ErrorIs(t, streamErr, injected)
}

func TestResolveTime(t *testing.T) {
	resolved := time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)

	got, ok := docstore.ResolveTime(resolved)
	assert.True(t, ok)
	assert.Equal(t, resolved, got)

	got, ok = docstore.ResolveTime("2025-03-01T08:30:00Z")
	assert.True(t, ok)
	assert.Equal(t, resolved, got)

	_, ok = docstore.ResolveTime(nil)
	assert.False(t, ok)

	_, ok = docstore.ResolveTime("not-a-time")
	assert.False(t, ok)

	_, ok = docstore.ResolveTime(time.Time{})
	assert.False(t, ok)
}
