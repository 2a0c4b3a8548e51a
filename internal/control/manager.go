package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vietddude/shopsync/internal/core/config"
	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/aggregate"
	"github.com/vietddude/shopsync/internal/engine/bulk"
	"github.com/vietddude/shopsync/internal/engine/cache"
	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/conflict"
	"github.com/vietddude/shopsync/internal/engine/mirror"
	"github.com/vietddude/shopsync/internal/engine/mutation"
	"github.com/vietddude/shopsync/internal/engine/notify"
	"github.com/vietddude/shopsync/internal/engine/retry"
	"github.com/vietddude/shopsync/internal/engine/subscriber"
	redisclient "github.com/vietddude/shopsync/internal/infra/redis"
	"github.com/vietddude/shopsync/internal/infra/store"
	"github.com/vietddude/shopsync/internal/infra/store/memory"
	"github.com/vietddude/shopsync/internal/infra/store/postgres"
)

// Collections managed by default, products before bills so the bill
// subscription can cascade into the products mirror.
var defaultCollections = []domain.Kind{domain.KindProduct, domain.KindBill, domain.KindVendor}

var validate = validator.New()

// Config holds the manager configuration.
type Config struct {
	Port     int
	Engine   config.EngineConfig
	Redis    redisclient.Config
	Database postgres.Config
	// Driver overrides backend selection (tests inject fakes here).
	Driver store.Driver
	// Notifier overrides the default slog sink.
	Notifier notify.Notifier
}

// Collection bundles the per-collection engine parts.
type Collection struct {
	Kind       domain.Kind
	Mirror     *mirror.Mirror
	Cache      cache.Cache
	Subscriber *subscriber.Subscriber
	Mutations  *mutation.Manager
}

// Manager is the explicitly constructed sync service instance: one driver,
// one conflict queue, one subscription plus mutation manager per collection.
// Nothing in here is a hidden singleton; tests run several Managers side by
// side.
type Manager struct {
	cfg         Config
	driver      store.Driver
	db          *postgres.DB
	redisClient *redisclient.Client
	prefs       *redisclient.Prefs
	collections map[domain.Kind]*Collection
	conflicts   *conflict.Detector
	notifier    notify.Notifier
	server      *Server
	pruneCancel context.CancelFunc
	log         *slog.Logger
	opened      atomic.Bool
	closed      atomic.Bool
}

// NewManager wires a manager from config. Backend selection mirrors the
// config: a database URL selects the postgres driver, otherwise the
// in-process store; a redis URL selects the shared cache, otherwise bounded
// memory caches.
func NewManager(cfg Config) (*Manager, error) {
	log := slog.Default()

	m := &Manager{
		cfg:         cfg,
		collections: make(map[domain.Kind]*Collection),
		notifier:    cfg.Notifier,
		log:         log,
	}
	if m.notifier == nil {
		m.notifier = &notify.Slog{Log: log}
	}
	m.conflicts = conflict.NewDetector(m.notifier)

	// 1. Driver
	switch {
	case cfg.Driver != nil:
		m.driver = cfg.Driver
	case cfg.Database.URL != "":
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(cfg.Engine.MigrationsDir); err != nil {
			return nil, err
		}
		m.db = db
		m.driver = postgres.NewDriver(db, cfg.Database)
		log.Info("Using PostgreSQL store")
	default:
		m.driver = memory.New()
		log.Info("Using in-process store")
	}

	// 2. Redis (shared cache + preference store) when configured
	var newCache func() cache.Cache
	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, falling back to memory cache", "error", err)
		} else {
			m.redisClient = rc
			m.prefs = redisclient.NewPrefs(rc)
			newCache = func() cache.Cache { return redisclient.NewCache(rc, cfg.Redis.TTL) }
		}
	}
	if newCache == nil {
		newCache = func() cache.Cache { return cache.NewMemory(cfg.Engine.CacheEntries) }
	}

	retryCfg := retry.Config{
		MaxAttempts: cfg.Engine.MaxAttempts,
		BaseDelay:   cfg.Engine.BaseDelay,
	}

	// 3. Per-collection engine parts
	for _, kind := range defaultCollections {
		col := &Collection{
			Kind:   kind,
			Mirror: mirror.New(kind),
			Cache:  newCache(),
		}
		m.collections[kind] = col
	}
	for _, kind := range defaultCollections {
		col := m.collections[kind]

		subCfg := subscriber.Config{
			Collection: kind,
			Driver:     m.driver,
			Mirror:     col.Mirror,
			Cache:      col.Cache,
			Conflicts:  m.conflicts,
			Retry:      retryCfg,
			Buffer:     cfg.Engine.DeltaBuffer,
			Log:        log,
		}
		if kind == domain.KindBill {
			subCfg.ProductsMirror = m.collections[domain.KindProduct].Mirror
		}

		col.Mutations = mutation.NewManager(mutation.Config{
			Collection: kind,
			Driver:     m.driver,
			Mirror:     col.Mirror,
			Cache:      col.Cache,
			Notifier:   m.notifier,
			Retry:      retryCfg,
			Grace:      cfg.Engine.Grace,
		})
		subCfg.Pending = col.Mutations
		col.Subscriber = subscriber.New(subCfg)
	}

	// The mutation managers feed their synthetic deltas into the same
	// stream consumers read remote deltas from.
	for _, col := range m.collections {
		sub := col.Subscriber
		col.Mutations.SetEmit(sub.Inject)
	}

	m.server = NewServer(m, cfg.Port)
	return m, nil
}

// Open connects every subscription and starts the HTTP endpoints. The
// initial snapshots arrive as FirstLoad bursts on each Deltas stream.
func (m *Manager) Open(ctx context.Context) error {
	if !m.opened.CompareAndSwap(false, true) {
		return fmt.Errorf("manager already opened")
	}

	for _, kind := range defaultCollections {
		col := m.collections[kind]
		m.log.Info("Opening subscription", "collection", kind)
		if err := col.Subscriber.Open(ctx); err != nil {
			return fmt.Errorf("failed to open %s subscription: %w", kind, err)
		}
	}

	if m.db != nil && m.cfg.Database.PruneInterval > 0 {
		pctx, cancel := context.WithCancel(context.Background())
		m.pruneCancel = cancel
		go postgres.NewPruner(m.db, m.cfg.Database.PruneInterval).Start(pctx)
	}

	go func() {
		if err := m.server.Start(); err != nil {
			m.log.Error("Status server failed", "error", err)
		}
	}()
	return nil
}

// Close is idempotent: subscriptions stop emitting, grace timers are
// cancelled, connections close.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.log.Info("Stopping sync manager...")

	if m.pruneCancel != nil {
		m.pruneCancel()
	}
	for _, col := range m.collections {
		col.Subscriber.Close()
		col.Mutations.Close()
	}

	if err := m.driver.Close(); err != nil {
		m.log.Warn("Failed to close store driver", "error", err)
	}
	if m.redisClient != nil {
		if err := m.redisClient.Close(); err != nil {
			m.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			m.log.Warn("Failed to close database", "error", err)
		}
	}
	return m.server.Stop(ctx)
}

// Collection returns the engine bundle for one collection.
func (m *Manager) Collection(kind domain.Kind) (*Collection, bool) {
	col, ok := m.collections[kind]
	return col, ok
}

// Entity returns one entity by id, serving repeated lookups from the
// collection cache. Filled on miss; the subscriber and mutation manager
// invalidate the entry whenever the entity changes, so a hit is never staler
// than the mirror.
func (m *Manager) Entity(kind domain.Kind, id string) (*domain.Entity, bool) {
	col, ok := m.collections[kind]
	if !ok {
		return nil, false
	}
	if e, ok := col.Cache.Get(id); ok {
		return e, true
	}
	e, ok := col.Mirror.Get(id)
	if !ok {
		return nil, false
	}
	col.Cache.Set(id, e)
	return e, true
}

// Deltas exposes the merged delta stream of one collection.
func (m *Manager) Deltas(kind domain.Kind) (<-chan domain.ChangeDelta, bool) {
	col, ok := m.collections[kind]
	if !ok {
		return nil, false
	}
	return col.Subscriber.Deltas(), true
}

// Submit validates and submits one mutation. Create payloads are checked
// against the typed entity contracts before anything is applied optimistically.
func (m *Manager) Submit(ctx context.Context, kind domain.Kind, mutationKind domain.MutationKind, entityID string, patch domain.Patch) (*domain.Entity, error) {
	col, ok := m.collections[kind]
	if !ok {
		return nil, classify.Error(fmt.Errorf("unknown collection %q: %w", kind, store.ErrInvalidPayload))
	}
	if mutationKind == domain.MutationCreate {
		if err := validateCreate(kind, patch); err != nil {
			return nil, classify.Error(err)
		}
	}
	return col.Mutations.Submit(ctx, mutationKind, entityID, patch)
}

// NewBulkRun builds a coordinator for one bulk operation; callers keep the
// handle to Abandon it.
func (m *Manager) NewBulkRun() *bulk.Coordinator {
	return bulk.NewCoordinator(retry.Config{
		MaxAttempts: m.cfg.Engine.MaxAttempts,
		BaseDelay:   m.cfg.Engine.BaseDelay,
	}, m.cfg.Engine.BulkConcurrency)
}

// BulkDelete removes many entities of one collection with per-item outcomes.
func (m *Manager) BulkDelete(ctx context.Context, kind domain.Kind, items []bulk.Item, onProgress bulk.Progress) ([]bulk.Result, error) {
	col, ok := m.collections[kind]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", kind)
	}
	// Submit owns the per-item retries, so the coordinator runs each item once.
	run := bulk.NewCoordinator(retry.Config{MaxAttempts: 1}, m.cfg.Engine.BulkConcurrency)
	results := run.Run(ctx, items, func(ctx context.Context, item bulk.Item) error {
		_, err := col.Mutations.Submit(ctx, domain.MutationDelete, item.ID, nil)
		return err
	}, onProgress)

	succeeded, failed := bulk.Partition(results)
	m.notifier.Notify(notify.Notification{
		Level:   bulkLevel(len(failed)),
		Message: fmt.Sprintf("%d succeeded, %d failed", len(succeeded), len(failed)),
	})
	return results, nil
}

// Totals aggregates one numeric field over a collection's mirror.
func (m *Manager) Totals(kind domain.Kind, field string) aggregate.Totals {
	col, ok := m.collections[kind]
	if !ok {
		return aggregate.Totals{}
	}
	return aggregate.ComputeTotals(col.Mirror.Snapshot(), field)
}

// Profit derives total profit over the products mirror.
func (m *Manager) Profit() decimal.Decimal {
	col := m.collections[domain.KindProduct]
	return aggregate.ComputeProfit(col.Mirror.Snapshot())
}

// Page returns one stable window of a collection's mirror.
func (m *Manager) Page(kind domain.Kind, pageSize, pageIndex int) []*domain.Entity {
	col, ok := m.collections[kind]
	if !ok {
		return nil
	}
	return aggregate.Paginate(aggregate.SortByID(col.Mirror.Snapshot()), pageSize, pageIndex)
}

// Conflicts exposes the process-wide conflict queue.
func (m *Manager) Conflicts() *conflict.Detector { return m.conflicts }

// Prefs exposes the persisted preference store (nil without redis).
func (m *Manager) Prefs() *redisclient.Prefs { return m.prefs }

// Exporter renders an entity window plus its totals into a downloadable
// blob. Formatting belongs to the collaborator, not the engine.
type Exporter interface {
	Export(entities []*domain.Entity, totals aggregate.Totals) ([]byte, error)
}

// Export hands a sorted snapshot of one collection to an exporter.
func (m *Manager) Export(kind domain.Kind, field string, e Exporter) ([]byte, error) {
	col, ok := m.collections[kind]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", kind)
	}
	entities := aggregate.SortByID(col.Mirror.Snapshot())
	return e.Export(entities, aggregate.ComputeTotals(entities, field))
}

// Health reports backend reachability and per-collection subscriber state.
func (m *Manager) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:      "healthy",
		Collections: make(map[string]CollectionHealth, len(m.collections)),
	}
	if m.db != nil {
		if err := m.db.Health(ctx); err != nil {
			report.Status = "critical"
			report.Detail = err.Error()
		}
	}
	for kind, col := range m.collections {
		st := col.Subscriber.State()
		ch := CollectionHealth{
			State:    st.String(),
			Entities: col.Mirror.Len(),
			Pending:  col.Mutations.PendingCount(),
		}
		if err := col.Subscriber.Err(); err != nil {
			ch.Error = err.Error()
			report.Status = "critical"
		} else if st == subscriber.StateRetrying && report.Status == "healthy" {
			report.Status = "degraded"
		}
		report.Collections[string(kind)] = ch
	}
	report.OpenConflicts = m.conflicts.Open()
	return report
}

// HealthReport is the /health payload.
type HealthReport struct {
	Status        string                      `json:"status"`
	Detail        string                      `json:"detail,omitempty"`
	OpenConflicts int                         `json:"open_conflicts"`
	Collections   map[string]CollectionHealth `json:"collections"`
}

// CollectionHealth is per-collection status.
type CollectionHealth struct {
	State    string `json:"state"`
	Entities int    `json:"entities"`
	Pending  int    `json:"pending"`
	Error    string `json:"error,omitempty"`
}

func bulkLevel(failed int) notify.Level {
	if failed > 0 {
		return notify.LevelWarning
	}
	return notify.LevelSuccess
}

func validateCreate(kind domain.Kind, patch domain.Patch) error {
	e := &domain.Entity{Kind: kind, Fields: patch}
	switch kind {
	case domain.KindBill:
		return validate.Struct(domain.BillFromEntity(e))
	case domain.KindProduct:
		return validate.Struct(domain.ProductFromEntity(e))
	case domain.KindVendor:
		v := &domain.Vendor{}
		v.Name, _ = patch[domain.FieldName].(string)
		v.Phone, _ = patch[domain.FieldPhone].(string)
		v.Email, _ = patch[domain.FieldEmail].(string)
		return validate.Struct(v)
	}
	return nil
}
