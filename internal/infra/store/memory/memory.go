package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/infra/store"
)

// Store is an in-process store.Driver with snapshot fan-out. It backs tests
// and standalone (no database) runs. Every write bumps a per-document version
// and delivers a fresh full snapshot to each live subscriber, which is
// exactly the contract the reconciliation subscriber diffs against.
type Store struct {
	mu           sync.Mutex
	collections  map[domain.Kind]map[string]store.Document
	listeners    map[domain.Kind]map[int]store.SnapshotFunc
	nextListener int
	clock        int64
	closed       bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		collections: make(map[domain.Kind]map[string]store.Document),
		listeners:   make(map[domain.Kind]map[int]store.SnapshotFunc),
	}
}

// Subscribe registers a snapshot listener and synchronously delivers the
// current state as the initial snapshot.
func (s *Store) Subscribe(ctx context.Context, collection domain.Kind, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	if s.listeners[collection] == nil {
		s.listeners[collection] = make(map[int]store.SnapshotFunc)
	}
	id := s.nextListener
	s.nextListener++
	s.listeners[collection][id] = onSnapshot
	snapshot := s.snapshotLocked(collection)
	s.mu.Unlock()

	onSnapshot(snapshot)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners[collection], id)
			s.mu.Unlock()
		})
	}
	return stop, nil
}

// Create stores a new document with a server-assigned id when none is given.
func (s *Store) Create(ctx context.Context, collection domain.Kind, fields map[string]any) (store.Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.Document{}, store.ErrUnavailable
	}
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]store.Document)
	}
	s.clock++
	doc := store.Document{
		ID:        uuid.NewString(),
		Fields:    cloneFields(fields),
		Version:   uint64(s.clock),
		CreatedAt: s.clock,
		UpdatedAt: s.clock,
	}
	s.collections[collection][doc.ID] = doc
	listeners, snapshot := s.fanoutLocked(collection)
	s.mu.Unlock()

	notify(listeners, snapshot)
	return doc, nil
}

// Update patches an existing document, bumping its version.
func (s *Store) Update(ctx context.Context, collection domain.Kind, id string, patch domain.Patch) (store.Document, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.Document{}, store.ErrUnavailable
	}
	doc, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return store.Document{}, store.ErrNotFound
	}
	s.clock++
	doc.Fields = cloneFields(doc.Fields)
	for k, v := range patch {
		doc.Fields[k] = v
	}
	doc.Version = uint64(s.clock)
	doc.UpdatedAt = s.clock
	s.collections[collection][id] = doc
	listeners, snapshot := s.fanoutLocked(collection)
	s.mu.Unlock()

	notify(listeners, snapshot)
	return doc, nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, collection domain.Kind, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return store.ErrUnavailable
	}
	if _, ok := s.collections[collection][id]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.collections[collection], id)
	listeners, snapshot := s.fanoutLocked(collection)
	s.mu.Unlock()

	notify(listeners, snapshot)
	return nil
}

// Close drops all listeners; subsequent operations fail with ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.listeners = make(map[domain.Kind]map[int]store.SnapshotFunc)
	s.mu.Unlock()
	return nil
}

// Seed inserts a document with a fixed id and version, bypassing listeners.
// Test helper for building known starting states.
func (s *Store) Seed(collection domain.Kind, doc store.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]store.Document)
	}
	if int64(doc.Version) > s.clock {
		s.clock = int64(doc.Version)
	}
	s.collections[collection][doc.ID] = doc
}

// Count reports documents in a collection.
func (s *Store) Count(collection domain.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

func (s *Store) snapshotLocked(collection domain.Kind) []store.Document {
	docs := make([]store.Document, 0, len(s.collections[collection]))
	for _, d := range s.collections[collection] {
		d.Fields = cloneFields(d.Fields)
		docs = append(docs, d)
	}
	return docs
}

func (s *Store) fanoutLocked(collection domain.Kind) ([]store.SnapshotFunc, []store.Document) {
	listeners := make([]store.SnapshotFunc, 0, len(s.listeners[collection]))
	for _, fn := range s.listeners[collection] {
		listeners = append(listeners, fn)
	}
	return listeners, s.snapshotLocked(collection)
}

func notify(listeners []store.SnapshotFunc, snapshot []store.Document) {
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func cloneFields(fields map[string]any) map[string]any {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return cp
}
