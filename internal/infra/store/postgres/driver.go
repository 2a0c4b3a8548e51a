package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/infra/store"
)

const defaultPollInterval = 2 * time.Second

// Driver is the reference store.Driver backed by PostgreSQL. Documents live
// in one table per collection snapshot keyed by (collection, id) with a
// global version sequence; the change feed polls for rows whose version
// exceeds the subscriber's high-water mark and re-delivers the collection as
// a full snapshot, matching the driver contract.
type Driver struct {
	db   *DB
	poll time.Duration

	mu      sync.Mutex
	cancels map[int]context.CancelFunc
	nextSub int
	closed  bool
}

// NewDriver creates a postgres-backed driver.
func NewDriver(db *DB, cfg Config) *Driver {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Driver{
		db:      db,
		poll:    poll,
		cancels: make(map[int]context.CancelFunc),
	}
}

type docRow struct {
	ID        string `db:"id"`
	Fields    []byte `db:"fields"`
	Version   int64  `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
	Deleted   bool   `db:"deleted"`
}

// Subscribe polls the collection and delivers a full snapshot whenever the
// max visible version advances. The first delivery happens before the poll
// loop starts so subscribers get their initial burst immediately.
func (d *Driver) Subscribe(ctx context.Context, collection domain.Kind, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) (func(), error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	subCtx, cancel := context.WithCancel(ctx)
	id := d.nextSub
	d.nextSub++
	d.cancels[id] = cancel
	d.mu.Unlock()

	docs, highWater, err := d.loadSnapshot(subCtx, collection)
	if err != nil {
		cancel()
		d.forget(id)
		return nil, mapError(err)
	}
	onSnapshot(docs)

	go d.pollLoop(subCtx, collection, highWater, onSnapshot, onError)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			d.forget(id)
		})
	}
	return stop, nil
}

func (d *Driver) pollLoop(ctx context.Context, collection domain.Kind, highWater int64, onSnapshot store.SnapshotFunc, onError store.ErrorFunc) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var maxVersion sql.NullInt64
		err := d.db.GetContext(ctx, &maxVersion,
			`SELECT MAX(version) FROM documents WHERE collection = $1`, string(collection))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures >= 3 {
				onError(mapError(err))
				return
			}
			continue
		}
		failures = 0

		if !maxVersion.Valid || maxVersion.Int64 <= highWater {
			continue
		}

		docs, hw, err := d.loadSnapshot(ctx, collection)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			onError(mapError(err))
			return
		}
		highWater = hw
		if ctx.Err() != nil {
			return
		}
		onSnapshot(docs)
	}
}

func (d *Driver) loadSnapshot(ctx context.Context, collection domain.Kind) ([]store.Document, int64, error) {
	var rows []docRow
	err := d.db.SelectContext(ctx, &rows,
		`SELECT id, fields, version,
		        EXTRACT(EPOCH FROM created_at)::bigint AS created_at,
		        EXTRACT(EPOCH FROM updated_at)::bigint AS updated_at,
		        deleted
		   FROM documents
		  WHERE collection = $1
		  ORDER BY id`, string(collection))
	if err != nil {
		return nil, 0, err
	}

	docs := make([]store.Document, 0, len(rows))
	var highWater int64
	for _, r := range rows {
		if r.Version > highWater {
			highWater = r.Version
		}
		if r.Deleted {
			// Tombstones advance the high-water mark but are absent from
			// the snapshot, which the subscriber reads as a removal.
			continue
		}
		fields := make(map[string]any)
		if len(r.Fields) > 0 {
			if err := json.Unmarshal(r.Fields, &fields); err != nil {
				return nil, 0, fmt.Errorf("corrupt fields for %s: %w", r.ID, err)
			}
		}
		docs = append(docs, store.Document{
			ID:        r.ID,
			Fields:    fields,
			Version:   uint64(r.Version),
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return docs, highWater, nil
}

// Create inserts a new document.
func (d *Driver) Create(ctx context.Context, collection domain.Kind, fields map[string]any) (store.Document, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return store.Document{}, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err)
	}

	id := uuid.NewString()
	var row docRow
	err = d.db.GetContext(ctx, &row,
		`INSERT INTO documents (collection, id, fields, version, created_at, updated_at)
		 VALUES ($1, $2, $3, nextval('document_version_seq'), now(), now())
		 RETURNING id, fields, version,
		           EXTRACT(EPOCH FROM created_at)::bigint AS created_at,
		           EXTRACT(EPOCH FROM updated_at)::bigint AS updated_at,
		           deleted`,
		string(collection), id, payload)
	if err != nil {
		return store.Document{}, mapError(err)
	}
	return rowToDoc(row, fields)
}

// Update merges the patch into the stored fields and bumps the version.
func (d *Driver) Update(ctx context.Context, collection domain.Kind, id string, patch domain.Patch) (store.Document, error) {
	payload, err := json.Marshal(map[string]any(patch))
	if err != nil {
		return store.Document{}, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err)
	}

	var row docRow
	err = d.db.GetContext(ctx, &row,
		`UPDATE documents
		    SET fields = fields || $3::jsonb,
		        version = nextval('document_version_seq'),
		        updated_at = now()
		  WHERE collection = $1 AND id = $2 AND NOT deleted
		 RETURNING id, fields, version,
		           EXTRACT(EPOCH FROM created_at)::bigint AS created_at,
		           EXTRACT(EPOCH FROM updated_at)::bigint AS updated_at,
		           deleted`,
		string(collection), id, payload)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, mapError(err)
	}
	return rowToDoc(row, nil)
}

// Delete tombstones a document so pollers see the removal through the
// version sequence before the row is eventually pruned.
func (d *Driver) Delete(ctx context.Context, collection domain.Kind, id string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE documents
		    SET deleted = true,
		        version = nextval('document_version_seq'),
		        updated_at = now()
		  WHERE collection = $1 AND id = $2 AND NOT deleted`,
		string(collection), id)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close cancels every live subscription.
func (d *Driver) Close() error {
	d.mu.Lock()
	d.closed = true
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = make(map[int]context.CancelFunc)
	d.mu.Unlock()
	return nil
}

func (d *Driver) forget(id int) {
	d.mu.Lock()
	delete(d.cancels, id)
	d.mu.Unlock()
}

func rowToDoc(row docRow, fallback map[string]any) (store.Document, error) {
	fields := fallback
	if len(row.Fields) > 0 {
		fields = make(map[string]any)
		if err := json.Unmarshal(row.Fields, &fields); err != nil {
			return store.Document{}, fmt.Errorf("corrupt fields for %s: %w", row.ID, err)
		}
	}
	return store.Document{
		ID:        row.ID,
		Fields:    fields,
		Version:   uint64(row.Version),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	// Connection-level failures are transient for the classifier.
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
