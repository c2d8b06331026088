// Package memory is an in-process docstore.Store. It backs tests and the
// single-node standalone mode; snapshot fanout is synchronous so delivery
// and teardown are deterministic.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/medipass/sync-api/pkg/docstore"
)

type listener struct {
	mu     sync.Mutex
	closed bool
	fn     docstore.SnapshotFunc
}

// deliver invokes the callback unless the listener was closed. Holding mu
// across the call is what makes "no callback after unsubscribe" hold.
func (l *listener) deliver(docs []docstore.Document, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.fn(docs, err)
}

func (l *listener) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Store keeps collections as key→fields maps guarded by one RWMutex.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]docstore.Fields
	listeners   map[string]map[int64]*listener
	nextID      int64

	subscribeCalls atomic.Int64

	// now is swappable so tests control server timestamps.
	now func() time.Time
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Fields),
		listeners:   make(map[string]map[int64]*listener),
		now:         time.Now,
	}
}

// SetClock overrides the server clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SubscribeCalls reports how many remote subscriptions were opened. Tests
// use it to prove subscribe de-duplication.
func (s *Store) SubscribeCalls() int64 {
	return s.subscribeCalls.Load()
}

func splitPath(path string) (collection, key string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

// resolveSentinels replaces ServerTimestamp markers with the store clock.
func (s *Store) resolveSentinels(fields docstore.Fields) docstore.Fields {
	resolved := make(docstore.Fields, len(fields))
	for k, v := range fields {
		if _, ok := v.(docstore.ServerTimestamp); ok {
			resolved[k] = s.now()
			continue
		}
		resolved[k] = v
	}
	return resolved
}

func (s *Store) GetDocument(_ context.Context, path string) (docstore.Fields, error) {
	collection, key, ok := splitPath(path)
	if !ok {
		return nil, docstore.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][key]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	cp := make(docstore.Fields, len(doc))
	for k, v := range doc {
		cp[k] = v
	}
	return cp, nil
}

func (s *Store) MergeWrite(_ context.Context, path string, fields docstore.Fields) error {
	collection, key, ok := splitPath(path)
	if !ok {
		return docstore.ErrNotFound
	}

	s.mu.Lock()
	docs := s.collections[collection]
	if docs == nil {
		docs = make(map[string]docstore.Fields)
		s.collections[collection] = docs
	}
	existing := docs[key]
	if existing == nil {
		existing = make(docstore.Fields)
		docs[key] = existing
	}
	for k, v := range s.resolveSentinels(fields) {
		existing[k] = v
	}
	s.mu.Unlock()

	s.notify(collection)
	return nil
}

func (s *Store) AddDocument(_ context.Context, collectionPath string, fields docstore.Fields) (string, error) {
	key := uuid.NewString()

	s.mu.Lock()
	docs := s.collections[collectionPath]
	if docs == nil {
		docs = make(map[string]docstore.Fields)
		s.collections[collectionPath] = docs
	}
	docs[key] = s.resolveSentinels(fields)
	s.mu.Unlock()

	s.notify(collectionPath)
	return key, nil
}

func (s *Store) Subscribe(_ context.Context, collectionPath, orderField string, descending bool, fn docstore.SnapshotFunc) (docstore.UnsubscribeFunc, error) {
	s.subscribeCalls.Add(1)

	l := &listener{fn: fn}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[collectionPath] == nil {
		s.listeners[collectionPath] = make(map[int64]*listener)
	}
	s.listeners[collectionPath][id] = l
	initial := s.snapshotLocked(collectionPath, orderField, descending)
	s.mu.Unlock()

	l.deliver(initial, nil)

	unsubscribe := func() {
		l.close()
		s.mu.Lock()
		delete(s.listeners[collectionPath], id)
		s.mu.Unlock()
	}
	return unsubscribe, nil
}

// InjectError pushes a stream error to every listener on the collection.
// Test hook for the StreamError path; the listeners stay registered.
func (s *Store) InjectError(collectionPath string, err error) {
	for _, l := range s.listenersFor(collectionPath) {
		l.deliver(nil, err)
	}
}

func (s *Store) listenersFor(collectionPath string) []*listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*listener, 0, len(s.listeners[collectionPath]))
	for _, l := range s.listeners[collectionPath] {
		out = append(out, l)
	}
	return out
}

func (s *Store) notify(collectionPath string) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.listeners[collectionPath]))
	for id := range s.listeners[collectionPath] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s.mu.RLock()
		l := s.listeners[collectionPath][id]
		docs := s.snapshotLocked(collectionPath, "", false)
		s.mu.RUnlock()
		if l != nil {
			l.deliver(docs, nil)
		}
	}
}

// snapshotLocked copies the collection's documents. Callers hold mu.
// Ordering is by key; consumers re-sort by their order field after
// projection, so the store only guarantees a stable base order.
func (s *Store) snapshotLocked(collectionPath, _ string, _ bool) []docstore.Document {
	docs := s.collections[collectionPath]
	out := make([]docstore.Document, 0, len(docs))
	for key, fields := range docs {
		cp := make(docstore.Fields, len(fields))
		for k, v := range fields {
			cp[k] = v
		}
		out = append(out, docstore.Document{Key: key, Fields: cp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
