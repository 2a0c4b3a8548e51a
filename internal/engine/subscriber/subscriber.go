package subscriber

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/cache"
	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/conflict"
	"github.com/vietddude/shopsync/internal/engine/metrics"
	"github.com/vietddude/shopsync/internal/engine/mirror"
	"github.com/vietddude/shopsync/internal/engine/retry"
	"github.com/vietddude/shopsync/internal/infra/store"
)

// State is the per-subscription lifecycle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateRetrying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// PendingSet is the slice of the mutation manager the subscriber consults
// while reconciling: which entities have unconfirmed local edits, and which
// remote payloads are echoes of just-confirmed writes.
type PendingSet interface {
	Pending(entityID string) (domain.PendingMutation, bool)
	ShouldSuppress(entityID string, remoteFields map[string]any) bool
	MarkConflicted(entityID string) bool
}

// noPending is used when no mutation manager is wired (read-only consumers).
type noPending struct{}

func (noPending) Pending(string) (domain.PendingMutation, bool) {
	return domain.PendingMutation{}, false
}
func (noPending) ShouldSuppress(string, map[string]any) bool { return false }
func (noPending) MarkConflicted(string) bool                 { return false }

// Config wires a Subscriber.
type Config struct {
	Collection domain.Kind
	Driver     store.Driver
	Mirror     *mirror.Mirror
	Cache      cache.Cache
	Pending    PendingSet
	Conflicts  *conflict.Detector
	Retry      retry.Config
	// ProductsMirror, when set on a bills subscription, receives the
	// orphan-and-clear cascade on bill removal.
	ProductsMirror *mirror.Mirror
	Buffer         int // delta channel capacity, 0 = default
	Log            *slog.Logger
}

// Subscriber merges the live remote feed of one collection into the local
// mirror and emits typed deltas. It is the single entry point to the remote
// store: every delta the rest of the engine sees flows out of its stream.
type Subscriber struct {
	cfg Config

	mu        sync.Mutex
	state     State
	stopFeed  func()
	firstLoad bool
	attempt   int

	out       chan domain.ChangeDelta
	closed    chan struct{}
	closeOnce sync.Once
	emitMu    sync.Mutex
	outClosed bool
	termErr   error
	log       *slog.Logger
}

// New creates a subscriber in Idle state. Call Open to connect.
func New(cfg Config) *Subscriber {
	if cfg.Pending == nil {
		cfg.Pending = noPending{}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{
		cfg:    cfg,
		state:  StateIdle,
		out:    make(chan domain.ChangeDelta, cfg.Buffer),
		closed: make(chan struct{}),
		log:    log.With("collection", cfg.Collection),
	}
}

// Deltas is the subscriber's outbound stream. It is closed when the
// subscription terminates (Close or a non-retryable feed error).
func (s *Subscriber) Deltas() <-chan domain.ChangeDelta { return s.out }

// State reports the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error after the stream closed, if any.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Open transitions Idle -> Connecting and subscribes to the driver feed.
// The first snapshot arrives as a burst of added deltas flagged FirstLoad so
// consumers do not announce pre-existing data as new. A retryable connect
// failure leaves the subscriber in Retrying and returns nil; only terminal
// failures are returned.
func (s *Subscriber) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return classify.Conflict("subscription already opened")
	}
	s.setStateLocked(StateConnecting)
	s.firstLoad = true
	s.mu.Unlock()

	return s.connect(ctx)
}

// Close is idempotent. No deltas are emitted after it returns, even if an
// in-flight feed response arrives late.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.setStateLocked(StateClosed)
		stop := s.stopFeed
		s.stopFeed = nil
		s.mu.Unlock()

		// Unblock any in-flight emit before taking emitMu, then close the
		// stream so ranging consumers terminate.
		close(s.closed)
		if stop != nil {
			stop()
		}
		s.emitMu.Lock()
		s.outClosed = true
		close(s.out)
		s.emitMu.Unlock()
	})
}

// Inject feeds a locally produced delta (an optimistic apply or its
// confirmation) into the outbound stream so consumers see one ordered
// timeline. Dropped after close.
func (s *Subscriber) Inject(delta domain.ChangeDelta) {
	select {
	case <-s.closed:
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "closed").Inc()
	default:
		s.emit(delta)
		// A confirmed local bill delete orphans linked products exactly
		// like a remote removal. Optimistic removals do not cascade: they
		// may still be reverted.
		if delta.Type == domain.DeltaRemoved && !delta.Optimistic {
			s.cascadeIfBill(delta.EntityID)
		}
	}
}

func (s *Subscriber) connect(ctx context.Context) error {
	stop, err := s.cfg.Driver.Subscribe(ctx, s.cfg.Collection,
		func(docs []store.Document) { s.onSnapshot(docs) },
		func(err error) { s.onFeedError(ctx, err) },
	)
	if err != nil {
		return s.handleFeedFailure(ctx, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		stop()
		return nil
	}
	s.stopFeed = stop
	s.attempt = 0
	s.setStateLocked(StateActive)
	s.mu.Unlock()
	return nil
}

// onSnapshot diffs the full remote document set against the mirror and emits
// one delta per changed entity.
func (s *Subscriber) onSnapshot(docs []store.Document) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "closed").Inc()
		return
	}
	first := s.firstLoad
	s.firstLoad = false
	s.mu.Unlock()

	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		seen[doc.ID] = struct{}{}
		s.reconcileDoc(doc, first)
	}

	// Anything mirrored but absent from the snapshot was removed upstream.
	for _, e := range s.cfg.Mirror.Snapshot() {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		s.reconcileRemoval(e.ID, e.Version+1, first)
	}
}

// reconcileDoc merges one remote document: stale-version discard, echo
// suppression, conflict detection, mirror apply, cache invalidation, emit.
func (s *Subscriber) reconcileDoc(doc store.Document, firstLoad bool) {
	id := doc.ID
	prevVersion := s.cfg.Mirror.Version(id)
	if doc.Version < prevVersion {
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "stale").Inc()
		return
	}

	_, existed := s.cfg.Mirror.Get(id)
	if existed && doc.Version == prevVersion {
		// Duplicate delivery of an already-applied state.
		return
	}

	// An interleaved snapshot may still carry the server copy of an entity
	// whose delete is in flight. Re-adding it would flicker the removed item
	// back, so it is dropped until the delete resolves either way.
	if pending, ok := s.cfg.Pending.Pending(id); ok && pending.Kind == domain.MutationDelete {
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "pending").Inc()
		return
	}

	// A confirmed local write echoing back within the grace window is
	// swallowed: the mirror already holds this state and the user was
	// already notified once. Only the version floor advances.
	if s.cfg.Pending.ShouldSuppress(id, doc.Fields) {
		s.cfg.Mirror.BumpVersion(id, doc.Version)
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "echo").Inc()
		return
	}

	// Remote change landing on an unconfirmed local edit: compare field
	// sets. Server wins either way; overlapping disagreement queues a
	// conflict record and fails the pending mutation with kind conflict.
	if pending, ok := s.cfg.Pending.Pending(id); ok && !firstLoad {
		if s.cfg.Conflicts != nil {
			if rec := s.cfg.Conflicts.Check(s.cfg.Collection, id, pending.Patch, doc.Fields); rec != nil {
				s.cfg.Pending.MarkConflicted(id)
			}
		}
	}

	entity := store.ToEntity(s.cfg.Collection, doc)

	// Invalidate synchronously before the delta is observable so no stale
	// read races the fresh write.
	s.cfg.Cache.Invalidate(id)
	if !s.cfg.Mirror.Apply(id, doc.Version, entity) {
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "stale").Inc()
		return
	}

	dt := domain.DeltaModified
	if !existed {
		dt = domain.DeltaAdded
	}
	s.emit(domain.ChangeDelta{
		EntityID:   id,
		Collection: s.cfg.Collection,
		Type:       dt,
		Entity:     entity,
		Version:    doc.Version,
		FirstLoad:  firstLoad,
	})
}

func (s *Subscriber) reconcileRemoval(id string, version uint64, firstLoad bool) {
	if s.cfg.Pending.ShouldSuppress(id, nil) {
		s.cfg.Mirror.BumpVersion(id, version)
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "echo").Inc()
		s.cascadeIfBill(id)
		return
	}

	if pending, ok := s.cfg.Pending.Pending(id); ok {
		switch pending.Kind {
		case domain.MutationCreate:
			// An optimistic create is not on the server yet. Its absence
			// from a snapshot is expected, not a remote removal.
			metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "pending").Inc()
			return
		case domain.MutationDelete:
			// This client's own in-flight delete arriving ahead of its
			// confirmation. Not a conflict, and already gone from the mirror.
			s.cfg.Mirror.BumpVersion(id, version)
			metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "echo").Inc()
			s.cascadeIfBill(id)
			return
		}
		if s.cfg.Conflicts != nil {
			s.cfg.Conflicts.RecordRemoval(s.cfg.Collection, id, pending.Patch)
		}
		s.cfg.Pending.MarkConflicted(id)
	}

	s.cfg.Cache.Invalidate(id)
	if !s.cfg.Mirror.Remove(id, version) {
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "stale").Inc()
		return
	}

	s.emit(domain.ChangeDelta{
		EntityID:   id,
		Collection: s.cfg.Collection,
		Type:       domain.DeltaRemoved,
		Version:    version,
		FirstLoad:  firstLoad,
	})

	s.cascadeIfBill(id)
}

func (s *Subscriber) cascadeIfBill(id string) {
	if s.cfg.Collection == domain.KindBill {
		s.cascadeBillRemoval(id)
	}
}

// cascadeBillRemoval enforces the orphan-and-clear policy: removing a bill
// clears bill_id on every linked product and surfaces the change as modified
// deltas. Products are never deleted locally — the remote store stays
// authoritative for their existence.
func (s *Subscriber) cascadeBillRemoval(billID string) {
	pm := s.cfg.ProductsMirror
	if pm == nil {
		return
	}
	for _, productID := range pm.LinkedProducts(billID) {
		updated := pm.ClearField(productID, domain.FieldBillID)
		if updated == nil {
			continue
		}
		s.cfg.Cache.Invalidate(productID)
		s.emit(domain.ChangeDelta{
			EntityID:   productID,
			Collection: domain.KindProduct,
			Type:       domain.DeltaModified,
			Entity:     updated,
			Version:    updated.Version,
		})
	}
}

// onFeedError classifies a feed failure; retryable errors resubscribe with
// the shared backoff policy, terminal ones close the stream with the error
// surfaced via Err.
func (s *Subscriber) onFeedError(ctx context.Context, err error) {
	_ = s.handleFeedFailure(ctx, err)
}

func (s *Subscriber) handleFeedFailure(ctx context.Context, err error) error {
	cerr := classify.Error(err)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return cerr
	}
	if !cerr.Retryable {
		s.termErr = cerr
		s.mu.Unlock()
		s.log.Error("subscription failed", "error", cerr)
		s.Close()
		return cerr
	}
	s.setStateLocked(StateRetrying)
	stop := s.stopFeed
	s.stopFeed = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.log.Warn("feed error, resubscribing", "error", cerr)
	// The resubscribe goroutine now owns the recovery, so the failure is not
	// also propagated to the caller.
	go s.resubscribe(ctx)
	return nil
}

// resubscribe retries the connection with bounded linear backoff. Exhausting
// the attempts is terminal.
func (s *Subscriber) resubscribe(ctx context.Context) {
	cfg := s.cfg.Retry
	if cfg.MaxAttempts <= 0 {
		cfg = retry.DefaultConfig
	}

	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	if attempt > cfg.MaxAttempts {
		s.mu.Lock()
		s.termErr = classify.Error(store.ErrUnavailable)
		s.mu.Unlock()
		s.log.Error("resubscribe attempts exhausted", "attempts", attempt-1)
		s.Close()
		return
	}

	delay := cfg.BaseDelay * time.Duration(attempt)
	if cfg.BaseDelay <= 0 {
		delay = retry.DefaultConfig.BaseDelay * time.Duration(attempt)
	}

	select {
	case <-ctx.Done():
		s.Close()
		return
	case <-s.closed:
		return
	case <-time.After(delay):
	}

	s.mu.Lock()
	if s.state != StateRetrying {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	_ = s.connect(ctx)
}

func (s *Subscriber) emit(delta domain.ChangeDelta) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.outClosed {
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "closed").Inc()
		return
	}
	metrics.DeltasApplied.WithLabelValues(string(s.cfg.Collection), string(delta.Type)).Inc()
	select {
	case s.out <- delta:
	case <-s.closed:
		metrics.DeltasDiscarded.WithLabelValues(string(s.cfg.Collection), "closed").Inc()
	}
}

func (s *Subscriber) setStateLocked(st State) {
	s.state = st
	metrics.SubscriberState.WithLabelValues(string(s.cfg.Collection)).Set(float64(st))
}
