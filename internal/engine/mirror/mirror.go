package mirror

import (
	"sync"

	"github.com/vietddude/shopsync/internal/core/domain"
)

// Mirror is the authoritative local copy of one remote collection. Only the
// reconciliation subscriber (confirmed deltas) and the mutation manager
// (optimistic patches and reverts) mutate it; everyone else reads clones.
type Mirror struct {
	collection domain.Kind

	mu       sync.RWMutex
	entities map[string]*domain.Entity
	// versions outlive removal so a stale delta arriving after a delete is
	// still recognized as stale.
	versions map[string]uint64
}

// New creates an empty mirror for a collection.
func New(collection domain.Kind) *Mirror {
	return &Mirror{
		collection: collection,
		entities:   make(map[string]*domain.Entity),
		versions:   make(map[string]uint64),
	}
}

// Collection reports which collection this mirror shadows.
func (m *Mirror) Collection() domain.Kind { return m.collection }

// Get returns a clone of one entity.
func (m *Mirror) Get(id string) (*domain.Entity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Snapshot returns clones of every entity. Safe to call on every render.
func (m *Mirror) Snapshot() []*domain.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e.Clone())
	}
	return out
}

// Len reports the number of mirrored entities.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// Version returns the highest version observed for an id (0 if never seen).
func (m *Mirror) Version(id string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[id]
}

// Apply merges one confirmed entity state into the mirror. Returns false and
// leaves the mirror untouched when the incoming version is older than what is
// already mirrored (out-of-order delivery). Equal versions re-apply the same
// state, so duplicate delivery is idempotent.
func (m *Mirror) Apply(id string, version uint64, e *domain.Entity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < m.versions[id] {
		return false
	}
	m.versions[id] = version
	m.entities[id] = e.Clone()
	return true
}

// Remove deletes an entity at the given version. Stale removals are discarded
// like stale applies; the version floor is kept so late updates for the dead
// id are also discarded.
func (m *Mirror) Remove(id string, version uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version < m.versions[id] {
		return false
	}
	m.versions[id] = version
	delete(m.entities, id)
	return true
}

// BumpVersion raises the version floor for an id without changing entity
// state. Used when a remote echo is suppressed: the data is already mirrored
// but the floor must stay monotonic.
func (m *Mirror) BumpVersion(id string, version uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if version > m.versions[id] {
		m.versions[id] = version
	}
}

// ApplyPatch overlays a patch onto an entity without touching its version
// floor (optimistic edits carry no server version yet). Returns a clone of
// the patched entity. For an id not in the mirror a new entity is created.
func (m *Mirror) ApplyPatch(id string, patch domain.Patch) *domain.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		e = &domain.Entity{ID: id, Kind: m.collection, Fields: make(map[string]any)}
		m.entities[id] = e
	}
	for k, v := range patch {
		e.Fields[k] = v
	}
	return e.Clone()
}

// Restore puts back a previously captured entity state (revert of a failed
// optimistic mutation). A nil snapshot means the entity did not exist before
// the mutation and is deleted again.
func (m *Mirror) Restore(id string, snapshot *domain.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snapshot == nil {
		delete(m.entities, id)
		return
	}
	m.entities[id] = snapshot.Clone()
}

// Drop removes an entity without recording a version floor. Used for
// optimistic deletes that may be reverted.
func (m *Mirror) Drop(id string) {
	m.mu.Lock()
	delete(m.entities, id)
	m.mu.Unlock()
}

// LinkedProducts returns ids of products whose bill_id references billID.
// Only meaningful on a products mirror.
func (m *Mirror) LinkedProducts(billID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, e := range m.entities {
		if ref, ok := e.Fields[domain.FieldBillID].(string); ok && ref == billID {
			ids = append(ids, id)
		}
	}
	return ids
}

// ClearField removes one field from an entity and returns the updated clone,
// or nil when the entity is absent.
func (m *Mirror) ClearField(id, field string) *domain.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return nil
	}
	delete(e.Fields, field)
	return e.Clone()
}
