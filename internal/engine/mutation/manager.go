package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/cache"
	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/metrics"
	"github.com/vietddude/shopsync/internal/engine/mirror"
	"github.com/vietddude/shopsync/internal/engine/notify"
	"github.com/vietddude/shopsync/internal/engine/retry"
	"github.com/vietddude/shopsync/internal/infra/store"
)

// DefaultGrace is how long a confirmed mutation keeps suppressing remote
// echoes of its own write before settling.
const DefaultGrace = 5 * time.Second

// EmitFunc receives the synthetic deltas the manager produces (optimistic
// applies and their confirmations).
type EmitFunc func(delta domain.ChangeDelta)

// Config wires a Manager.
type Config struct {
	Collection domain.Kind
	Driver     store.Driver
	Mirror     *mirror.Mirror
	Cache      cache.Cache
	Notifier   notify.Notifier
	Emit       EmitFunc
	Retry      retry.Config
	Grace      time.Duration // 0 = DefaultGrace
}

// Manager applies tentative local edits ahead of remote confirmation and
// reverts them on failure. It owns the PendingMutation set: one in-flight
// mutation per entity, created on submit, destroyed on settle or reported
// failure.
type Manager struct {
	cfg      cfg
	mu       sync.Mutex
	inFlight map[string]*pendingState
}

type cfg struct {
	collection domain.Kind
	driver     store.Driver
	mirror     *mirror.Mirror
	cache      cache.Cache
	notifier   notify.Notifier
	emit       EmitFunc
	retry      retry.Config
	grace      time.Duration
}

// pendingState tracks one mutation through pending -> confirmed -> settled.
// snapshot is the pre-mutation mirror state used for revert (nil when the
// entity did not exist). conflicted is set when a remote delta overrode the
// pending patch before confirmation.
type pendingState struct {
	mut         domain.PendingMutation
	snapshot    *domain.Entity
	confirmedAt time.Time
	conflicted  bool
	timer       *time.Timer
}

// NewManager creates a mutation manager.
func NewManager(c Config) *Manager {
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.Notifier == nil {
		c.Notifier = notify.Discard{}
	}
	if c.Emit == nil {
		c.Emit = func(domain.ChangeDelta) {}
	}
	return &Manager{
		cfg: cfg{
			collection: c.Collection,
			driver:     c.Driver,
			mirror:     c.Mirror,
			cache:      c.Cache,
			notifier:   c.Notifier,
			emit:       c.Emit,
			retry:      c.Retry,
			grace:      c.Grace,
		},
		inFlight: make(map[string]*pendingState),
	}
}

// SetEmit installs the delta sink after construction. The subscriber that
// consumes this manager's pending set is also where synthetic deltas go, so
// the two are wired in sequence.
func (m *Manager) SetEmit(emit EmitFunc) {
	if emit == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.emit = emit
}

// Submit applies the patch optimistically, registers the pending mutation and
// drives the real operation through the retry orchestrator. On success the
// confirmed entity is returned; on failure the mirror is reverted to its
// pre-submit state and the classified error returned carries a user message.
//
// A second submit for an entity with a mutation already in flight is rejected
// immediately with a conflict-kind error, never silently stacked.
func (m *Manager) Submit(ctx context.Context, kind domain.MutationKind, entityID string, patch domain.Patch) (*domain.Entity, error) {
	if kind == domain.MutationCreate && entityID == "" {
		entityID = uuid.NewString()
	}

	ps, err := m.begin(kind, entityID, patch)
	if err != nil {
		metrics.Mutations.WithLabelValues(string(m.cfg.collection), string(kind), "rejected").Inc()
		return nil, err
	}

	// Optimistic apply: the UI reflects the edit with zero latency.
	m.applyOptimistic(ps)

	doc, opErr := m.execute(ctx, ps)
	if opErr != nil {
		return nil, m.fail(ps, opErr)
	}

	// A conflict marked while the write was already in flight still fails the
	// mutation. The written value, if it landed, resurfaces through the remote
	// feed as an ordinary delta.
	m.mu.Lock()
	conflicted := ps.conflicted
	m.mu.Unlock()
	if conflicted {
		return nil, m.fail(ps, store.ErrConflict)
	}

	return m.confirm(ps, doc), nil
}

// Pending returns the active (not yet settled) mutation for an entity.
func (m *Manager) Pending(entityID string) (domain.PendingMutation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.inFlight[entityID]
	if !ok || ps.mut.State != domain.MutationPending {
		return domain.PendingMutation{}, false
	}
	mut := ps.mut
	mut.Patch = ps.mut.Patch.Clone()
	return mut, true
}

// PendingCount reports active pending mutations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ps := range m.inFlight {
		if ps.mut.State == domain.MutationPending {
			n++
		}
	}
	return n
}

// ShouldSuppress reports whether a remote payload for entityID is an echo of
// a mutation confirmed within the grace window. Echoes are swallowed so a
// successful edit produces exactly one user-facing notification.
func (m *Manager) ShouldSuppress(entityID string, remoteFields map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.inFlight[entityID]
	if !ok || ps.mut.State != domain.MutationConfirmed {
		return false
	}
	if time.Since(ps.confirmedAt) > m.cfg.grace {
		return false
	}
	if ps.mut.Kind == domain.MutationDelete {
		// The echo of a delete is a removed delta with no payload to compare.
		return remoteFields == nil
	}
	for field, want := range ps.mut.Patch {
		got, ok := remoteFields[field]
		if !ok || !domain.FieldsEqual(want, got) {
			return false
		}
	}
	return true
}

// MarkConflicted flags the pending mutation for an entity as overridden by an
// authoritative remote change. When its driver call resolves, the mutation is
// reported failed with kind conflict instead of being silently resolved to
// the local value. Called by the subscriber on the reconciliation path.
func (m *Manager) MarkConflicted(entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.inFlight[entityID]
	if !ok || ps.mut.State != domain.MutationPending {
		return false
	}
	ps.conflicted = true
	return true
}

// Close cancels grace timers. Pending driver calls resolve normally.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ps := range m.inFlight {
		if ps.timer != nil {
			ps.timer.Stop()
		}
	}
}

func (m *Manager) begin(kind domain.MutationKind, entityID string, patch domain.Patch) (*pendingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.inFlight[entityID]; ok && existing.mut.State == domain.MutationPending {
		return nil, classify.Conflict("Another change to this item is still saving. Wait for it to finish.")
	}

	var snapshot *domain.Entity
	if cur, ok := m.cfg.mirror.Get(entityID); ok {
		snapshot = cur
	}
	if kind != domain.MutationCreate && snapshot == nil {
		return nil, classify.Error(store.ErrNotFound)
	}

	ps := &pendingState{
		mut: domain.PendingMutation{
			ID:          uuid.NewString(),
			EntityID:    entityID,
			Collection:  m.cfg.collection,
			Kind:        kind,
			Patch:       patch.Clone(),
			SubmittedAt: time.Now(),
			State:       domain.MutationPending,
		},
		snapshot: snapshot,
	}
	m.inFlight[entityID] = ps
	return ps, nil
}

func (m *Manager) applyOptimistic(ps *pendingState) {
	id := ps.mut.EntityID

	// Invalidate before the delta is visible so no reader races a stale copy.
	m.cfg.cache.Invalidate(id)

	var delta domain.ChangeDelta
	switch ps.mut.Kind {
	case domain.MutationDelete:
		m.cfg.mirror.Drop(id)
		delta = domain.ChangeDelta{
			EntityID:   id,
			Collection: m.cfg.collection,
			Type:       domain.DeltaRemoved,
			Optimistic: true,
		}
	case domain.MutationCreate:
		e := m.cfg.mirror.ApplyPatch(id, ps.mut.Patch)
		delta = domain.ChangeDelta{
			EntityID:   id,
			Collection: m.cfg.collection,
			Type:       domain.DeltaAdded,
			Entity:     e,
			Optimistic: true,
		}
	default:
		e := m.cfg.mirror.ApplyPatch(id, ps.mut.Patch)
		delta = domain.ChangeDelta{
			EntityID:   id,
			Collection: m.cfg.collection,
			Type:       domain.DeltaModified,
			Entity:     e,
			Optimistic: true,
		}
	}
	m.cfg.emit(delta)
}

func (m *Manager) execute(ctx context.Context, ps *pendingState) (store.Document, error) {
	id := ps.mut.EntityID
	return retry.DoValue(ctx, m.cfg.retry, func(ctx context.Context) (store.Document, error) {
		m.mu.Lock()
		ps.mut.Attempt++
		conflicted := ps.conflicted
		m.mu.Unlock()
		if conflicted {
			return store.Document{}, store.ErrConflict
		}

		switch ps.mut.Kind {
		case domain.MutationCreate:
			fields := map[string]any(ps.mut.Patch)
			return m.cfg.driver.Create(ctx, m.cfg.collection, fields)
		case domain.MutationDelete:
			return store.Document{}, m.cfg.driver.Delete(ctx, m.cfg.collection, id)
		default:
			return m.cfg.driver.Update(ctx, m.cfg.collection, id, ps.mut.Patch)
		}
	})
}

// confirm flips the mutation to confirmed, reconciles the mirror with the
// server-assigned version and schedules the settle transition. No second
// user-facing delta notification fires here beyond the confirmation delta
// with Optimistic=false.
func (m *Manager) confirm(ps *pendingState, doc store.Document) *domain.Entity {
	id := ps.mut.EntityID

	var confirmed *domain.Entity
	var delta domain.ChangeDelta
	if ps.mut.Kind == domain.MutationDelete {
		m.cfg.mirror.Remove(id, m.cfg.mirror.Version(id)+1)
		delta = domain.ChangeDelta{
			EntityID:   id,
			Collection: m.cfg.collection,
			Type:       domain.DeltaRemoved,
		}
	} else {
		confirmed = store.ToEntity(m.cfg.collection, doc)
		// Remap creates: the server may assign its own id.
		if doc.ID != id {
			m.cfg.mirror.Drop(id)
			id = doc.ID
		}
		m.cfg.mirror.Apply(id, doc.Version, confirmed)
		dt := domain.DeltaModified
		if ps.mut.Kind == domain.MutationCreate {
			dt = domain.DeltaAdded
		}
		delta = domain.ChangeDelta{
			EntityID:   id,
			Collection: m.cfg.collection,
			Type:       dt,
			Entity:     confirmed,
			Version:    doc.Version,
		}
	}
	m.cfg.cache.Invalidate(ps.mut.EntityID)
	m.cfg.cache.Invalidate(id)

	m.mu.Lock()
	if ps.mut.EntityID != id {
		delete(m.inFlight, ps.mut.EntityID)
		ps.mut.EntityID = id
		m.inFlight[id] = ps
	}
	ps.mut.State = domain.MutationConfirmed
	ps.confirmedAt = time.Now()
	entityID := id
	ps.timer = time.AfterFunc(m.cfg.grace, func() { m.settle(entityID, ps.mut.ID) })
	m.mu.Unlock()

	m.cfg.emit(delta)
	metrics.Mutations.WithLabelValues(string(m.cfg.collection), string(ps.mut.Kind), "confirmed").Inc()
	m.cfg.notifier.Notify(notify.Notification{
		Level:   notify.LevelSuccess,
		Message: successMessage(ps.mut.Kind),
	})
	return confirmed
}

// settle is the single timed transition: confirmed -> settled, after which
// remote deltas for the entity surface normally again.
func (m *Manager) settle(entityID, mutationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps, ok := m.inFlight[entityID]
	if !ok || ps.mut.ID != mutationID || ps.mut.State != domain.MutationConfirmed {
		return
	}
	ps.mut.State = domain.MutationSettled
	delete(m.inFlight, entityID)
}

// fail reverts the optimistic apply and reports the classified error. After
// revert the mirror is bit-for-bit what it was before Submit — as if the
// edit never happened. Conflicted mutations skip the revert: the remote
// authority already owns the mirror state.
func (m *Manager) fail(ps *pendingState, opErr error) error {
	id := ps.mut.EntityID
	cerr := classify.Error(opErr)

	m.mu.Lock()
	conflicted := ps.conflicted
	ps.mut.State = domain.MutationFailed
	delete(m.inFlight, id)
	m.mu.Unlock()

	if conflicted {
		cerr = classify.Conflict("Your edit was overridden by a newer remote change.")
	} else {
		m.cfg.cache.Invalidate(id)
		m.cfg.mirror.Restore(id, ps.snapshot)

		revert := domain.ChangeDelta{
			EntityID:   id,
			Collection: m.cfg.collection,
			Optimistic: true,
		}
		if ps.snapshot == nil {
			revert.Type = domain.DeltaRemoved
		} else {
			revert.Type = domain.DeltaModified
			revert.Entity = ps.snapshot.Clone()
		}
		m.cfg.emit(revert)
	}

	metrics.Mutations.WithLabelValues(string(m.cfg.collection), string(ps.mut.Kind), "failed").Inc()

	n := notify.Notification{Level: notify.LevelError, Message: cerr.Message}
	if cerr.Retryable {
		kind, entityID, patch := ps.mut.Kind, id, ps.mut.Patch.Clone()
		n.Action = &notify.Action{
			Label: "Retry",
			Run: func() {
				// Replays the exact same operation.
				_, _ = m.Submit(context.Background(), kind, entityID, patch)
			},
		}
	}
	m.cfg.notifier.Notify(n)
	return cerr
}

func successMessage(kind domain.MutationKind) string {
	switch kind {
	case domain.MutationCreate:
		return "Created."
	case domain.MutationDelete:
		return "Deleted."
	default:
		return "Saved."
	}
}
