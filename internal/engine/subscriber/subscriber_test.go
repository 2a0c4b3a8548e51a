package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/cache"
	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/conflict"
	"github.com/vietddude/shopsync/internal/engine/mirror"
	"github.com/vietddude/shopsync/internal/engine/notify"
	"github.com/vietddude/shopsync/internal/engine/retry"
	"github.com/vietddude/shopsync/internal/infra/store"
)

// feedDriver is a scriptable store.Driver: tests push snapshots and feed
// errors by hand.
type feedDriver struct {
	mu           sync.Mutex
	initial      []store.Document
	onSnapshot   store.SnapshotFunc
	onError      store.ErrorFunc
	subscribeErr error
	subs         int
	stops        int
}

func (d *feedDriver) Subscribe(ctx context.Context, collection domain.Kind, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (func(), error) {
	d.mu.Lock()
	d.subs++
	if d.subscribeErr != nil {
		err := d.subscribeErr
		d.mu.Unlock()
		return nil, err
	}
	d.onSnapshot = onSnapshot
	d.onError = onError
	initial := d.initial
	d.mu.Unlock()

	onSnapshot(initial)
	return func() {
		d.mu.Lock()
		d.stops++
		d.mu.Unlock()
	}, nil
}

func (d *feedDriver) push(docs []store.Document) {
	d.mu.Lock()
	fn := d.onSnapshot
	d.mu.Unlock()
	fn(docs)
}

func (d *feedDriver) fail(err error) {
	d.mu.Lock()
	fn := d.onError
	d.mu.Unlock()
	fn(err)
}

func (d *feedDriver) subscribeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subs
}

func (d *feedDriver) setSubscribeErr(err error) {
	d.mu.Lock()
	d.subscribeErr = err
	d.mu.Unlock()
}

func (d *feedDriver) Create(ctx context.Context, collection domain.Kind, fields map[string]any) (store.Document, error) {
	return store.Document{}, store.ErrUnavailable
}

func (d *feedDriver) Update(ctx context.Context, collection domain.Kind, id string, patch domain.Patch) (store.Document, error) {
	return store.Document{}, store.ErrUnavailable
}

func (d *feedDriver) Delete(ctx context.Context, collection domain.Kind, id string) error {
	return store.ErrUnavailable
}

func (d *feedDriver) Close() error { return nil }

// fakePending scripts the pending-set answers.
type fakePending struct {
	mu         sync.Mutex
	pending    map[string]domain.PendingMutation
	suppress   map[string]bool
	conflicted []string
}

func (f *fakePending) Pending(id string) (domain.PendingMutation, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	return p, ok
}

func (f *fakePending) ShouldSuppress(id string, remoteFields map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suppress[id]
}

func (f *fakePending) MarkConflicted(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflicted = append(f.conflicted, id)
	return true
}

func doc(id string, version uint64, fields map[string]any) store.Document {
	return store.Document{ID: id, Fields: fields, Version: version}
}

func nextDelta(t *testing.T, ch <-chan domain.ChangeDelta) domain.ChangeDelta {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("delta stream closed unexpectedly")
		}
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delta")
	}
	return domain.ChangeDelta{}
}

func noDelta(t *testing.T, ch <-chan domain.ChangeDelta) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delta: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestSubscriber(driver *feedDriver, opts func(*Config)) *Subscriber {
	cfg := Config{
		Collection: domain.KindProduct,
		Driver:     driver,
		Mirror:     mirror.New(domain.KindProduct),
		Cache:      cache.NewMemory(16),
		Retry:      retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Buffer:     64,
	}
	if opts != nil {
		opts(&cfg)
	}
	return New(cfg)
}

func TestOpen_FirstLoadBurst(t *testing.T) {
	driver := &feedDriver{initial: []store.Document{
		doc("p1", 1, map[string]any{"name": "Widget"}),
		doc("p2", 2, map[string]any{"name": "Gadget"}),
	}}
	s := newTestSubscriber(driver, nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("state = %v, want active", s.State())
	}

	for i := 0; i < 2; i++ {
		d := nextDelta(t, s.Deltas())
		if d.Type != domain.DeltaAdded {
			t.Errorf("initial snapshot must arrive as added deltas, got %v", d.Type)
		}
		if !d.FirstLoad {
			t.Error("initial snapshot deltas must be flagged FirstLoad")
		}
	}
}

func TestOpen_Twice(t *testing.T) {
	driver := &feedDriver{}
	s := newTestSubscriber(driver, nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Open(context.Background()); err == nil {
		t.Error("second open must fail")
	}
}

func TestReconcile_StaleAndDuplicateDiscarded(t *testing.T) {
	driver := &feedDriver{}
	m := mirror.New(domain.KindProduct)
	s := newTestSubscriber(driver, func(c *Config) { c.Mirror = m })
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	driver.push([]store.Document{doc("p1", 5, map[string]any{"name": "v5"})})
	if d := nextDelta(t, s.Deltas()); d.Version != 5 {
		t.Fatalf("expected v5 delta, got %+v", d)
	}

	// A stale snapshot delivered late must not regress the mirror.
	driver.push([]store.Document{doc("p1", 3, map[string]any{"name": "v3"})})
	noDelta(t, s.Deltas())
	got, _ := m.Get("p1")
	if got.Fields["name"] != "v5" {
		t.Errorf("mirror regressed: %v", got.Fields)
	}

	// Duplicate delivery of the applied version is silent.
	driver.push([]store.Document{doc("p1", 5, map[string]any{"name": "v5"})})
	noDelta(t, s.Deltas())
}

func TestReconcile_ModifiedDelta(t *testing.T) {
	driver := &feedDriver{initial: []store.Document{
		doc("p1", 1, map[string]any{"name": "orig"}),
	}}
	s := newTestSubscriber(driver, nil)
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	nextDelta(t, s.Deltas()) // first load

	driver.push([]store.Document{doc("p1", 2, map[string]any{"name": "renamed"})})
	d := nextDelta(t, s.Deltas())
	if d.Type != domain.DeltaModified || d.FirstLoad {
		t.Errorf("expected plain modified delta, got %+v", d)
	}
	if d.Entity.Fields["name"] != "renamed" {
		t.Errorf("delta carries stale entity: %v", d.Entity.Fields)
	}
}

func TestReconcile_RemovalCascadesToLinkedProducts(t *testing.T) {
	products := mirror.New(domain.KindProduct)
	products.Apply("p1", 1, &domain.Entity{
		ID: "p1", Kind: domain.KindProduct,
		Fields: map[string]any{"name": "Widget", domain.FieldBillID: "b1"},
	})
	products.Apply("p2", 2, &domain.Entity{
		ID: "p2", Kind: domain.KindProduct,
		Fields: map[string]any{"name": "Gadget"},
	})

	driver := &feedDriver{initial: []store.Document{
		doc("b1", 3, map[string]any{"number": "B-1001"}),
	}}
	s := newTestSubscriber(driver, func(c *Config) {
		c.Collection = domain.KindBill
		c.Mirror = mirror.New(domain.KindBill)
		c.ProductsMirror = products
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	nextDelta(t, s.Deltas()) // first load

	// Bill disappears from the remote snapshot.
	driver.push(nil)

	removed := nextDelta(t, s.Deltas())
	if removed.Type != domain.DeltaRemoved || removed.EntityID != "b1" {
		t.Fatalf("expected bill removal, got %+v", removed)
	}

	// Linked product is orphaned, not deleted.
	orphaned := nextDelta(t, s.Deltas())
	if orphaned.Collection != domain.KindProduct || orphaned.Type != domain.DeltaModified {
		t.Fatalf("expected product orphan delta, got %+v", orphaned)
	}
	if _, ok := orphaned.Entity.Fields[domain.FieldBillID]; ok {
		t.Error("orphaned product still references the removed bill")
	}

	got, ok := products.Get("p1")
	if !ok {
		t.Fatal("linked product must survive the bill removal")
	}
	if _, ok := got.Fields[domain.FieldBillID]; ok {
		t.Error("bill_id not cleared on the products mirror")
	}
	if untouched, _ := products.Get("p2"); untouched.Fields["name"] != "Gadget" {
		t.Error("unlinked product must be untouched")
	}
}

func TestReconcile_EchoSuppressed(t *testing.T) {
	pending := &fakePending{suppress: map[string]bool{"p1": true}}
	driver := &feedDriver{}
	m := mirror.New(domain.KindProduct)
	s := newTestSubscriber(driver, func(c *Config) {
		c.Mirror = m
		c.Pending = pending
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	driver.push([]store.Document{doc("p1", 7, map[string]any{"name": "edited"})})
	noDelta(t, s.Deltas())

	// The version floor still advances so later stale deltas are recognized.
	if m.Version("p1") != 7 {
		t.Errorf("suppressed echo must bump the version floor, got %d", m.Version("p1"))
	}
}

func TestReconcile_ConflictMarksPending(t *testing.T) {
	pending := &fakePending{pending: map[string]domain.PendingMutation{
		"p1": {EntityID: "p1", Patch: domain.Patch{"name": "mine"}},
	}}
	detector := conflict.NewDetector(notify.Discard{})
	driver := &feedDriver{initial: []store.Document{
		doc("p1", 1, map[string]any{"name": "orig"}),
	}}
	s := newTestSubscriber(driver, func(c *Config) {
		c.Pending = pending
		c.Conflicts = detector
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	nextDelta(t, s.Deltas()) // first load

	// Remote change disagrees with the pending patch on the same field.
	driver.push([]store.Document{doc("p1", 2, map[string]any{"name": "theirs"})})
	d := nextDelta(t, s.Deltas())
	if d.Entity.Fields["name"] != "theirs" {
		t.Error("server value must win on the mirror")
	}

	if detector.Open() != 1 {
		t.Errorf("expected 1 queued conflict, got %d", detector.Open())
	}
	pending.mu.Lock()
	marked := len(pending.conflicted)
	pending.mu.Unlock()
	if marked != 1 {
		t.Errorf("pending mutation must be marked conflicted, got %d marks", marked)
	}
}

func TestReconcile_PendingCreateAbsentFromSnapshot(t *testing.T) {
	pending := &fakePending{pending: map[string]domain.PendingMutation{
		"tmp-1": {EntityID: "tmp-1", Kind: domain.MutationCreate, Patch: domain.Patch{"name": "Globex"}},
	}}
	detector := conflict.NewDetector(notify.Discard{})
	driver := &feedDriver{}
	m := mirror.New(domain.KindProduct)
	s := newTestSubscriber(driver, func(c *Config) {
		c.Mirror = m
		c.Pending = pending
		c.Conflicts = detector
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// Optimistic create lands on the mirror while the server write is in
	// flight; the next snapshot predates the create and lacks the new id.
	m.ApplyPatch("tmp-1", domain.Patch{"name": "Globex"})
	driver.push(nil)

	noDelta(t, s.Deltas())
	if detector.Open() != 0 {
		t.Errorf("a create in flight must not file a conflict, got %d", detector.Open())
	}
	pending.mu.Lock()
	marked := len(pending.conflicted)
	pending.mu.Unlock()
	if marked != 0 {
		t.Errorf("pending create must not be marked conflicted, got %d marks", marked)
	}
	if _, ok := m.Get("tmp-1"); !ok {
		t.Error("optimistic create must survive the interleaved snapshot")
	}
}

func TestReconcile_PendingDeleteNotResurrected(t *testing.T) {
	pending := &fakePending{pending: map[string]domain.PendingMutation{
		"p1": {EntityID: "p1", Kind: domain.MutationDelete},
	}}
	driver := &feedDriver{}
	m := mirror.New(domain.KindProduct)
	s := newTestSubscriber(driver, func(c *Config) {
		c.Mirror = m
		c.Pending = pending
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// The entity was dropped optimistically; the delete is still in flight.
	m.Apply("p1", 3, &domain.Entity{
		ID: "p1", Kind: domain.KindProduct,
		Fields: map[string]any{"name": "Widget"},
	})
	m.Drop("p1")

	// An interleaved snapshot still carries the server copy.
	driver.push([]store.Document{doc("p1", 4, map[string]any{"name": "Widget"})})

	noDelta(t, s.Deltas())
	if _, ok := m.Get("p1"); ok {
		t.Error("deleted entity must not flicker back from an interleaved snapshot")
	}
}

func TestInject_ConfirmedBillDeleteCascades(t *testing.T) {
	products := mirror.New(domain.KindProduct)
	products.Apply("p1", 1, &domain.Entity{
		ID: "p1", Kind: domain.KindProduct,
		Fields: map[string]any{"name": "Widget", domain.FieldBillID: "b1"},
	})
	products.Apply("p2", 2, &domain.Entity{
		ID: "p2", Kind: domain.KindProduct,
		Fields: map[string]any{"name": "Gadget", domain.FieldBillID: "b2"},
	})

	driver := &feedDriver{}
	s := newTestSubscriber(driver, func(c *Config) {
		c.Collection = domain.KindBill
		c.Mirror = mirror.New(domain.KindBill)
		c.ProductsMirror = products
	})
	defer s.Close()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// Confirmation of a locally initiated bill delete.
	s.Inject(domain.ChangeDelta{
		EntityID:   "b1",
		Collection: domain.KindBill,
		Type:       domain.DeltaRemoved,
	})

	if d := nextDelta(t, s.Deltas()); d.Type != domain.DeltaRemoved || d.EntityID != "b1" {
		t.Fatalf("expected bill removal, got %+v", d)
	}
	orphaned := nextDelta(t, s.Deltas())
	if orphaned.Collection != domain.KindProduct || orphaned.EntityID != "p1" {
		t.Fatalf("expected product orphan delta, got %+v", orphaned)
	}
	got, _ := products.Get("p1")
	if _, ok := got.Fields[domain.FieldBillID]; ok {
		t.Error("bill_id not cleared after a confirmed local delete")
	}

	// An optimistic removal may still be reverted, so it must not cascade.
	s.Inject(domain.ChangeDelta{
		EntityID:   "b2",
		Collection: domain.KindBill,
		Type:       domain.DeltaRemoved,
		Optimistic: true,
	})
	if d := nextDelta(t, s.Deltas()); d.EntityID != "b2" {
		t.Fatalf("expected optimistic bill removal, got %+v", d)
	}
	noDelta(t, s.Deltas())
	if still, _ := products.Get("p2"); still.Fields[domain.FieldBillID] != "b2" {
		t.Error("optimistic removal must leave linked products untouched")
	}
}

func TestClose_IdempotentAndSilent(t *testing.T) {
	driver := &feedDriver{}
	s := newTestSubscriber(driver, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	s.Close()
	s.Close() // second close is a no-op

	if _, ok := <-s.Deltas(); ok {
		t.Error("delta stream must be closed")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}

	// Late injections and snapshots after close must be dropped, not panic.
	s.Inject(domain.ChangeDelta{EntityID: "p1"})
	driver.push([]store.Document{doc("p1", 1, nil)})
}

func TestFeedError_NonRetryableTerminates(t *testing.T) {
	driver := &feedDriver{}
	s := newTestSubscriber(driver, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	driver.fail(store.ErrPermissionDenied)

	if _, ok := <-s.Deltas(); ok {
		t.Error("stream must close on a terminal feed error")
	}
	var cerr *classify.Classified
	if !errors.As(s.Err(), &cerr) || cerr.Kind != classify.KindPermission {
		t.Errorf("Err() = %v, want permission", s.Err())
	}
}

func TestFeedError_RetryableResubscribes(t *testing.T) {
	driver := &feedDriver{}
	s := newTestSubscriber(driver, nil)
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	driver.fail(errors.New("connection reset by peer"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if driver.subscribeCount() >= 2 && s.State() == StateActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected resubscription, subs=%d state=%v", driver.subscribeCount(), s.State())
}

func TestOpen_RetryableConnectFailureRecovers(t *testing.T) {
	driver := &feedDriver{subscribeErr: errors.New("connection reset by peer")}
	s := newTestSubscriber(driver, nil)
	defer s.Close()

	// A transient connect failure must not abort Open: the subscriber keeps
	// retrying in the background.
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open returned %v, want nil while retrying", err)
	}
	driver.setSubscribeErr(nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == StateActive {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected recovery, subs=%d state=%v", driver.subscribeCount(), s.State())
}

func TestInject_MergesIntoTimeline(t *testing.T) {
	driver := &feedDriver{}
	s := newTestSubscriber(driver, nil)
	defer s.Close()
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	s.Inject(domain.ChangeDelta{
		EntityID:   "p1",
		Collection: domain.KindProduct,
		Type:       domain.DeltaModified,
		Optimistic: true,
	})
	d := nextDelta(t, s.Deltas())
	if !d.Optimistic || d.EntityID != "p1" {
		t.Errorf("injected delta lost on the stream: %+v", d)
	}
}
