package postgres

import (
	"context"
	"log/slog"
	"time"
)

// Pruner clears expired tombstones on a schedule. Tombstones only exist so
// pollers can observe deletions; once every live subscriber has advanced past
// their version they are dead weight.
type Pruner struct {
	db       *DB
	interval time.Duration
}

// NewPruner creates a pruner. interval <= 0 disables it.
func NewPruner(db *DB, interval time.Duration) *Pruner {
	return &Pruner{db: db, interval: interval}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	if p.interval <= 0 {
		return // Pruning disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	var pruned int
	if err := p.db.GetContext(ctx, &pruned, `SELECT prune_document_tombstones()`); err != nil {
		slog.Warn("Tombstone prune failed", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("Pruned tombstones", "count", pruned)
	}
}
