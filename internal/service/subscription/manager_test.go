package subscription

import (
	"context"
	"sync"
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

type stubSessions struct {
	mu      sync.Mutex
	session *model.Session
}

func (s *stubSessions) State() (model.SessionState, *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return model.StateUnauthenticated, nil
	}
	state := model.StateAuthenticated
	if s.session.Degraded {
		state = model.StateDegraded
	}
	return state, s.session
}

func doctorSession(id string) *stubSessions {
	return &stubSessions{session: &model.Session{IdentityID: id, Role: model.RoleDoctor}}
}

func patientSession(id string) *stubSessions {
	return &stubSessions{session: &model.Session{IdentityID: id, Role: model.RolePatient}}
}

func newManager(store docstore.Store, sessions SessionSource) *Manager {
	logger := zerolog.Nop()
	return NewManager(store, sessions, &logger, nil)
}

func TestSubscribeDeliversOrderedRecords(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(2 * time.Hour)

	// Written out of order on purpose.
	for _, ts := range []time.Time{t3, t1, t2} {
		_, err := store.AddDocument(ctx, "users/u1/medicalRecords", docstore.Fields{
			model.FieldCreatedAt: ts,
		})
		require.NoError(t, err)
	}

	m := newManager(store, patientSession("u1"))
	var last model.Snapshot
	handle, _, err := m.Subscribe(ctx, model.CollectionMedicalRecords, "u1", model.FieldCreatedAt, true, func(snap model.Snapshot) {
		last = snap
	})
	require.NoError(t, err)
	defer m.Unsubscribe(handle)

	require.Len(t, last.Records, 3)
	assert.Equal(t, t3, last.Records[0].OrderingTimestamp)
	assert.Equal(t, t2, last.Records[1].OrderingTimestamp)
	assert.Equal(t, t1, last.Records[2].OrderingTimestamp)
}

func TestTimestampTieBreaksByKeyAscending(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	docs := []docstore.Document{
		{Key: "b", Fields: docstore.Fields{"createdAt": ts}},
		{Key: "a", Fields: docstore.Fields{"createdAt": ts}},
		{Key: "c", Fields: docstore.Fields{"createdAt": ts.Add(time.Minute)}},
	}

	records := Project(docs, "createdAt", time.Now())

	require.Len(t, records, 3)
	assert.Equal(t, "c", records[0].ID)
	assert.Equal(t, "a", records[1].ID)
	assert.Equal(t, "b", records[2].ID)
}

func TestThreeTierTimestampResolution(t *testing.T) {
	receipt := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	server := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	// Tier 1: resolved server time wins.
	got := ResolveOrderingTimestamp(docstore.Fields{
		"createdAt":  server,
		"clientTime": "2025-03-01T00:00:00Z",
	}, "createdAt", receipt)
	assert.Equal(t, server, got)

	// Tier 2: unresolved server field falls back to the client ISO string.
	got = ResolveOrderingTimestamp(docstore.Fields{
		"createdAt":  nil,
		"clientTime": "2025-03-01T00:00:00Z",
	}, "createdAt", receipt)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), got)

	// Tier 3: nothing usable falls back to the receipt time.
	got = ResolveOrderingTimestamp(docstore.Fields{"createdAt": nil}, "createdAt", receipt)
	assert.Equal(t, receipt, got)
}

func TestIdempotentSubscribeOpensOneRemoteQuery(t *testing.T) {
	store := memory.New()
	m := newManager(store, doctorSession("d1"))
	ctx := context.Background()

	h1, _, err := m.Subscribe(ctx, model.CollectionPatients, "d1", model.FieldAddedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)
	h2, _, err := m.Subscribe(ctx, model.CollectionPatients, "d1", model.FieldAddedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.EqualValues(t, 1, store.SubscribeCalls())
	assert.Equal(t, 1, m.ActiveHandles())
}

func TestConcurrentSubscribeDeduplicates(t *testing.T) {
	store := memory.New()
	m := newManager(store, doctorSession("d1"))
	ctx := context.Background()

	const n = 16
	handles := make([]*Handle, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			h, _, err := m.Subscribe(ctx, model.CollectionPatients, "d1", model.FieldAddedAt, true, func(model.Snapshot) {})
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, store.SubscribeCalls())
	for i := 1; i < n; i++ {
		assert.Same(t, handles[0], handles[i])
	}
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	store := memory.New()
	m := newManager(store, patientSession("u1"))
	ctx := context.Background()

	calls := 0
	handle, _, err := m.Subscribe(ctx, model.CollectionPrescriptions, "u1", model.FieldCreatedAt, true, func(model.Snapshot) {
		calls++
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls) // initial snapshot

	m.Unsubscribe(handle)
	m.Unsubscribe(handle) // idempotent

	// Simulated store push after teardown.
	_, err = store.AddDocument(ctx, "users/u1/prescriptions", docstore.Fields{"name": "aspirin"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, m.ActiveHandles())
}

func TestResubscribeAfterUnsubscribeBuildsFreshHandle(t *testing.T) {
	store := memory.New()
	m := newManager(store, patientSession("u1"))
	ctx := context.Background()

	h1, _, err := m.Subscribe(ctx, model.CollectionPrescriptions, "u1", model.FieldCreatedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)
	m.Unsubscribe(h1)

	h2, _, err := m.Subscribe(ctx, model.CollectionPrescriptions, "u1", model.FieldCreatedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	assert.EqualValues(t, 2, store.SubscribeCalls())
}

func TestPatientCannotOpenForeignScope(t *testing.T) {
	store := memory.New()
	m := newManager(store, patientSession("u1"))

	_, _, err := m.Subscribe(context.Background(), model.CollectionMedicalRecords, "u2", model.FieldCreatedAt, true, func(model.Snapshot) {})
	assert.Equal(t, apperror.CodeUnauthorized, apperror.CodeOf(err))
	assert.EqualValues(t, 0, store.SubscribeCalls())
}

func TestDoctorMayOpenPatientScope(t *testing.T) {
	store := memory.New()
	m := newManager(store, doctorSession("d1"))

	handle, _, err := m.Subscribe(context.Background(), model.CollectionMedicalRecords, "u2", model.FieldCreatedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)
	m.Unsubscribe(handle)
}

func TestNoSessionIsUnauthorized(t *testing.T) {
	m := newManager(memory.New(), &stubSessions{})

	_, _, err := m.Subscribe(context.Background(), model.CollectionMedicalRecords, "u1", model.FieldCreatedAt, true, func(model.Snapshot) {})
	assert.Equal(t, apperror.CodeUnauthorized, apperror.CodeOf(err))
}

func TestStreamErrorDeliveredOnErrorChannel(t *testing.T) {
	store := memory.New()
	m := newManager(store, patientSession("u1"))
	ctx := context.Background()

	var snaps []model.Snapshot
	handle, _, err := m.Subscribe(ctx, model.CollectionMedicalRecords, "u1", model.FieldCreatedAt, true, func(snap model.Snapshot) {
		snaps = append(snaps, snap)
	})
	require.NoError(t, err)
	defer m.Unsubscribe(handle)

	store.InjectError("users/u1/medicalRecords", assert.AnError)

	require.Len(t, snaps, 2)
	assert.Equal(t, apperror.CodeStreamError, apperror.CodeOf(snaps[1].Err))
	assert.Equal(t, apperror.CodeStreamError, apperror.CodeOf(handle.LastError()))

	// The handle stays registered and keeps emitting on recovery.
	_, err = store.AddDocument(ctx, "users/u1/medicalRecords", docstore.Fields{"x": 1})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.NoError(t, snaps[2].Err)
	assert.NoError(t, handle.LastError())
}

func TestDegradedSubscribeSettlesImmediately(t *testing.T) {
	m := newManager(nil, &stubSessions{session: &model.Session{
		IdentityID: "u1",
		Role:       model.RolePatient,
		Degraded:   true,
	}})

	var last model.Snapshot
	handle, _, err := m.Subscribe(context.Background(), model.CollectionMedicalRecords, "u1", model.FieldCreatedAt, true, func(snap model.Snapshot) {
		last = snap
	})
	require.NoError(t, err)
	defer m.Unsubscribe(handle)

	assert.True(t, last.Degraded)
	assert.NoError(t, last.Err)
	assert.NotNil(t, last.Records)
	assert.Empty(t, last.Records)
}

func TestLateListenerReplaysSettledSnapshot(t *testing.T) {
	store := memory.New()
	m := newManager(store, patientSession("u1"))
	ctx := context.Background()

	_, err := store.AddDocument(ctx, "users/u1/prescriptions", docstore.Fields{"name": "ibuprofen"})
	require.NoError(t, err)

	h1, _, err := m.Subscribe(ctx, model.CollectionPrescriptions, "u1", model.FieldCreatedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)
	defer m.Unsubscribe(h1)

	var replayed model.Snapshot
	_, detach, err := m.Subscribe(ctx, model.CollectionPrescriptions, "u1", model.FieldCreatedAt, true, func(snap model.Snapshot) {
		replayed = snap
	})
	require.NoError(t, err)
	defer detach()

	require.Len(t, replayed.Records, 1)
	assert.Equal(t, "ibuprofen", replayed.Records[0].Fields["name"])
}

func TestListenerJoiningClosedHandleGetsNoReplay(t *testing.T) {
	store := memory.New()
	m := newManager(store, patientSession("u1"))
	ctx := context.Background()

	_, err := store.AddDocument(ctx, "users/u1/medicalRecords", docstore.Fields{"note": "x"})
	require.NoError(t, err)

	handle, _, err := m.Subscribe(ctx, model.CollectionMedicalRecords, "u1", model.FieldCreatedAt, true, func(model.Snapshot) {})
	require.NoError(t, err)
	m.Unsubscribe(handle)

	calls := 0
	detach := handle.attach(func(model.Snapshot) { calls++ })
	defer detach()

	assert.Equal(t, 0, calls)
}

func TestLateListenersObserveSnapshotsInReceiptOrder(t *testing.T) {
	h := &Handle{}
	h.emit(model.Snapshot{Records: make([]model.ViewRecord, 1)})

	const pushes = 64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 2; i <= pushes; i++ {
			h.emit(model.Snapshot{Records: make([]model.ViewRecord, i)})
		}
	}()

	// Listeners joining mid-stream must see the settled replay first and
	// record counts that only grow from there.
	for i := 0; i < 32; i++ {
		var seen []int
		detach := h.attach(func(snap model.Snapshot) {
			seen = append(seen, len(snap.Records))
		})
		detach()

		require.NotEmpty(t, seen)
		for j := 1; j < len(seen); j++ {
			require.LessOrEqual(t, seen[j-1], seen[j])
		}
	}
	<-done
}
