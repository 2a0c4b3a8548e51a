package store

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/shopsync/internal/core/domain"
)

var (
	// ErrNotFound is returned when an update/delete targets a document that
	// no longer exists (removed concurrently).
	ErrNotFound = errors.New("document not found")

	// ErrPermissionDenied is returned when the store rejects the caller.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidPayload is returned when the store rejects the document shape.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrConflict is returned when a write loses a server-side precondition.
	ErrConflict = errors.New("write conflict")

	// ErrUnavailable is returned for transient transport failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Document is the wire-level record a driver delivers. Version is assigned by
// the store and is monotonically non-decreasing per document.
type Document struct {
	ID        string
	Fields    map[string]any
	Version   uint64
	CreatedAt int64 // unix seconds
	UpdatedAt int64
}

// SnapshotFunc receives the full current document set of a collection. The
// first invocation after Subscribe carries the initial snapshot; subsequent
// invocations reflect live changes.
type SnapshotFunc func(docs []Document)

// ErrorFunc receives feed errors. The subscriber classifies them and decides
// whether to resubscribe.
type ErrorFunc func(err error)

// Driver is the remote store contract (the only thing the engine knows about
// the backend). Implementations must stop invoking callbacks after the
// returned stop function is called; stop must be idempotent.
type Driver interface {
	Subscribe(ctx context.Context, collection domain.Kind, onSnapshot SnapshotFunc, onError ErrorFunc) (stop func(), err error)
	Create(ctx context.Context, collection domain.Kind, fields map[string]any) (Document, error)
	Update(ctx context.Context, collection domain.Kind, id string, patch domain.Patch) (Document, error)
	Delete(ctx context.Context, collection domain.Kind, id string) error
	Close() error
}

// ToEntity converts a driver document into an engine record.
func ToEntity(collection domain.Kind, doc Document) *domain.Entity {
	e := &domain.Entity{
		ID:      doc.ID,
		Kind:    collection,
		Fields:  make(map[string]any, len(doc.Fields)),
		Version: doc.Version,
	}
	for k, v := range doc.Fields {
		e.Fields[k] = v
	}
	if doc.CreatedAt > 0 {
		e.CreatedAt = time.Unix(doc.CreatedAt, 0).UTC()
	}
	if doc.UpdatedAt > 0 {
		e.UpdatedAt = time.Unix(doc.UpdatedAt, 0).UTC()
	}
	return e
}
