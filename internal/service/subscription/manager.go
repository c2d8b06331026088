// Package subscription maps (collection, scope) live-view requests onto
// exactly one remote query each, projects raw documents into ordered
// view-model records, and owns the handle lifecycle the product's screens
// used to duplicate.
package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/pkg/apperror"
	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/metrics"
)

// SessionSource is the slice of the session manager the scope check needs.
type SessionSource interface {
	State() (model.SessionState, *model.Session)
}

// Listener receives every snapshot delivered on a handle.
type Listener func(model.Snapshot)

type handleKey struct {
	collection string
	scope      string
}

// Handle is a live, cancelable reference to one scope's record stream.
type Handle struct {
	CollectionPath string
	ScopeID        string
	OrderField     string

	mu          sync.Mutex
	closed      bool
	listeners   map[int64]Listener
	nextID      int64
	last        *model.Snapshot
	lastErr     error
	unsubscribe docstore.UnsubscribeFunc
}

// LastError returns the most recent stream error, nil after a healthy
// snapshot.
func (h *Handle) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// emit fans a snapshot out to current listeners. Holding mu across the
// callbacks is what guarantees nothing fires after the handle closes.
func (h *Handle) emit(snap model.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if snap.Err != nil {
		h.lastErr = snap.Err
	} else {
		h.lastErr = nil
		h.last = &snap
	}
	for _, fn := range h.listeners {
		fn(snap)
	}
}

// attach registers a listener, replaying the settled snapshot if one
// exists, and returns a detach func for that listener alone. The replay
// happens under mu, same as emit: a closed handle replays nothing, and a
// concurrent emit cannot slip in between registration and replay.
func (h *Handle) attach(fn Listener) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.listeners == nil {
		h.listeners = make(map[int64]Listener)
	}
	h.listeners[id] = fn
	if h.last != nil && !h.closed {
		fn(*h.last)
	}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

func (h *Handle) close() docstore.UnsubscribeFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	unsub := h.unsubscribe
	h.unsubscribe = nil
	return unsub
}

// Manager guarantees one active remote subscription per (collection,
// scope) pair. A nil store means degraded mode: every subscribe settles
// immediately with an empty, flagged snapshot.
type Manager struct {
	store    docstore.Store
	sessions SessionSource
	logger   *zerolog.Logger
	metrics  *metrics.Metrics

	// now stamps receipt times for records with no usable timestamp.
	now func() time.Time

	mu      sync.Mutex
	handles map[handleKey]*Handle
}

func NewManager(store docstore.Store, sessions SessionSource, logger *zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:    store,
		sessions: sessions,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		handles:  make(map[handleKey]*Handle),
	}
}

// SetClock overrides receipt-time stamping. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// authorize enforces the session scope rule: patients may only open their
// own scope, doctors may open any subject's.
func (m *Manager) authorize(scope string) error {
	_, session := m.sessions.State()
	if session == nil {
		return apperror.Unauthorized("no active session")
	}
	if session.Role == model.RolePatient && session.IdentityID != scope {
		return apperror.Unauthorized("patients may only view their own records")
	}
	return nil
}

// Subscribe opens (or joins) the live view for the given collection and
// scope. The listener receives the current snapshot immediately and every
// subsequent one until Unsubscribe or detach. Subscribing to an already
// open (collection, scope) reuses the existing stream; no duplicate remote
// query is ever opened.
func (m *Manager) Subscribe(ctx context.Context, collection, scope, orderField string, descending bool, fn Listener) (*Handle, func(), error) {
	if collection == "" || scope == "" {
		return nil, nil, apperror.InvalidInput("collection and scope are required")
	}
	if err := m.authorize(scope); err != nil {
		return nil, nil, err
	}

	key := handleKey{collection: collection, scope: scope}

	// Creation happens under the manager lock, so two concurrent
	// subscribes for the same scope resolve to one handle even while the
	// first is still opening its remote query.
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.handles[key]; ok {
		detach := existing.attach(fn)
		return existing, detach, nil
	}

	handle := &Handle{
		CollectionPath: collection,
		ScopeID:        scope,
		OrderField:     orderField,
	}
	detach := handle.attach(fn)
	m.handles[key] = handle

	if m.store == nil {
		handle.emit(model.Snapshot{Records: []model.ViewRecord{}, Degraded: true})
		return handle, detach, nil
	}

	unsub, err := m.store.Subscribe(ctx, model.RemoteCollectionPath(collection, scope), orderField, descending, func(docs []docstore.Document, streamErr error) {
		if streamErr != nil {
			if m.metrics != nil {
				m.metrics.StreamErrors.Inc()
			}
			m.logger.Warn().Err(streamErr).Str("collection", collection).Str("scope", scope).Msg("stream error")
			handle.emit(model.Snapshot{Err: apperror.StreamError(streamErr)})
			return
		}
		if m.metrics != nil {
			m.metrics.SnapshotsDelivered.Inc()
		}
		handle.emit(model.Snapshot{Records: Project(docs, orderField, m.now())})
	})
	if err != nil {
		delete(m.handles, key)
		handle.close()
		return nil, nil, apperror.StreamError(err)
	}

	handle.mu.Lock()
	alreadyClosed := handle.closed
	handle.unsubscribe = unsub
	handle.mu.Unlock()
	if alreadyClosed {
		unsub()
	}

	if m.metrics != nil {
		m.metrics.SubscriptionsActive.Set(float64(len(m.handles)))
	}
	return handle, detach, nil
}

// Unsubscribe releases the handle's remote listener and removes it from
// the active map. Safe to call more than once; after it returns no
// listener callback fires, and a future Subscribe for the same scope
// builds a fresh handle.
func (m *Manager) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}
	unsub := handle.close()

	m.mu.Lock()
	key := handleKey{collection: handle.CollectionPath, scope: handle.ScopeID}
	if m.handles[key] == handle {
		delete(m.handles, key)
	}
	if m.metrics != nil {
		m.metrics.SubscriptionsActive.Set(float64(len(m.handles)))
	}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

// Release detaches one listener and tears the handle down once no
// listeners remain. Views call this on unmount so a shared handle
// outlives any single view but not all of them.
func (m *Manager) Release(handle *Handle, detach func()) {
	if detach != nil {
		detach()
	}
	if handle == nil {
		return
	}
	handle.mu.Lock()
	remaining := len(handle.listeners)
	handle.mu.Unlock()
	if remaining == 0 {
		m.Unsubscribe(handle)
	}
}

// ActiveHandles reports the number of open handles.
func (m *Manager) ActiveHandles() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// CloseAll tears down every handle, for daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		m.Unsubscribe(h)
	}
}
