package bulk

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/metrics"
	"github.com/vietddude/shopsync/internal/engine/retry"
)

// Item identifies one unit of work in a bulk run. Label is a human-readable
// name kept on failed results so callers can offer "retry failed only".
type Item struct {
	ID    string
	Label string
}

// Result is the outcome of one item. Err is a *classify.Classified when set.
type Result struct {
	ID      string
	Label   string
	Success bool
	Err     error
}

// Progress is invoked after each item completes, in completion order.
// completed counts finished items including the current one.
type Progress func(completed int, current Item, err error)

// Coordinator runs per-item operations with progress reporting and
// partial-failure tolerance. Each item gets its own bounded retries; one
// item's failure never aborts its siblings.
type Coordinator struct {
	retryCfg    retry.Config
	concurrency int
	abandoned   atomic.Bool
}

// NewCoordinator creates a bulk coordinator. concurrency <= 1 runs items
// sequentially in caller order.
func NewCoordinator(retryCfg retry.Config, concurrency int) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{retryCfg: retryCfg, concurrency: concurrency}
}

// Abandon stops further progress callbacks promptly. Items already in flight
// may still complete but their callbacks are dropped.
func (c *Coordinator) Abandon() { c.abandoned.Store(true) }

// Run executes op once per item (each wrapped in the retry orchestrator).
// The returned slice always has len(items) entries in caller order,
// regardless of execution order. onProgress may be nil.
func (c *Coordinator) Run(ctx context.Context, items []Item, op func(ctx context.Context, item Item) error, onProgress Progress) []Result {
	results := make([]Result, len(items))
	var completed atomic.Int64
	var progressMu sync.Mutex

	report := func(item Item, err error) {
		// done is assigned under the lock so callbacks observe strictly
		// increasing counts in actual completion order.
		progressMu.Lock()
		defer progressMu.Unlock()
		done := int(completed.Add(1))
		if onProgress == nil || c.abandoned.Load() {
			return
		}
		onProgress(done, item, err)
	}

	runOne := func(i int, item Item) {
		var err error
		if c.abandoned.Load() {
			err = classify.Error(context.Canceled)
		} else {
			err = retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
				return op(ctx, item)
			})
		}
		results[i] = Result{ID: item.ID, Label: item.Label, Success: err == nil, Err: err}
		if err == nil {
			metrics.BulkItems.WithLabelValues("success").Inc()
		} else {
			metrics.BulkItems.WithLabelValues("failure").Inc()
		}
		report(item, err)
	}

	if c.concurrency == 1 {
		for i, item := range items {
			runOne(i, item)
		}
		return results
	}

	// errgroup only for its bounded-concurrency limiter; item errors are
	// recorded per result, never propagated as group errors.
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, item := range items {
		g.Go(func() error {
			runOne(i, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Partition splits results into success and failure sets for a
// "N succeeded, M failed" summary.
func Partition(results []Result) (succeeded, failed []Result) {
	for _, r := range results {
		if r.Success {
			succeeded = append(succeeded, r)
		} else {
			failed = append(failed, r)
		}
	}
	return succeeded, failed
}

// FailedItems rebuilds the item list for a "retry failed only" run.
func FailedItems(results []Result) []Item {
	var items []Item
	for _, r := range results {
		if !r.Success {
			items = append(items, Item{ID: r.ID, Label: r.Label})
		}
	}
	return items
}
