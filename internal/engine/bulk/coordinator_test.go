package bulk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/retry"
	"github.com/vietddude/shopsync/internal/infra/store"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func items(ids ...string) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id, Label: "item " + id}
	}
	return out
}

func TestRun_AllSucceed(t *testing.T) {
	c := NewCoordinator(fastRetry(), 1)
	results := c.Run(context.Background(), items("a", "b", "c"),
		func(ctx context.Context, item Item) error { return nil }, nil)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("item %d failed: %v", i, r.Err)
		}
	}
}

func TestRun_PartialFailureDoesNotAbortSiblings(t *testing.T) {
	c := NewCoordinator(fastRetry(), 1)
	results := c.Run(context.Background(), items("p1", "p2", "p3"),
		func(ctx context.Context, item Item) error {
			if item.ID == "p2" {
				return store.ErrPermissionDenied
			}
			return nil
		}, nil)

	// Results stay in caller order regardless of outcome.
	if !results[0].Success || results[1].Success || !results[2].Success {
		t.Errorf("unexpected outcomes: %+v", results)
	}
	var cerr *classify.Classified
	if !errors.As(results[1].Err, &cerr) || cerr.Kind != classify.KindPermission {
		t.Errorf("failed result must carry the classified error, got %v", results[1].Err)
	}

	succeeded, failed := Partition(results)
	if len(succeeded) != 2 || len(failed) != 1 {
		t.Errorf("partition = %d/%d, want 2/1", len(succeeded), len(failed))
	}
	if failed[0].Label != "item p2" {
		t.Errorf("failed result lost its label: %q", failed[0].Label)
	}
}

func TestRun_PerItemRetries(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	c := NewCoordinator(fastRetry(), 1)
	results := c.Run(context.Background(), items("a", "b"),
		func(ctx context.Context, item Item) error {
			mu.Lock()
			calls[item.ID]++
			n := calls[item.ID]
			mu.Unlock()
			if item.ID == "a" && n < 2 {
				return store.ErrUnavailable
			}
			return nil
		}, nil)

	if !results[0].Success || !results[1].Success {
		t.Fatalf("expected both to succeed after retries: %+v", results)
	}
	if calls["a"] != 2 {
		t.Errorf("expected 2 attempts for a, got %d", calls["a"])
	}
	if calls["b"] != 1 {
		t.Errorf("expected 1 attempt for b, got %d", calls["b"])
	}
}

func TestRun_ProgressInCompletionOrder(t *testing.T) {
	var mu sync.Mutex
	var counts []int
	c := NewCoordinator(fastRetry(), 4)
	c.Run(context.Background(), items("a", "b", "c", "d", "e"),
		func(ctx context.Context, item Item) error { return nil },
		func(completed int, current Item, err error) {
			mu.Lock()
			counts = append(counts, completed)
			mu.Unlock()
		})

	if len(counts) != 5 {
		t.Fatalf("expected 5 progress callbacks, got %d", len(counts))
	}
	for i, n := range counts {
		if n != i+1 {
			t.Errorf("progress counts must be strictly increasing, got %v", counts)
			break
		}
	}
}

func TestRun_ConcurrentKeepsCallerOrder(t *testing.T) {
	c := NewCoordinator(fastRetry(), 3)
	in := items("a", "b", "c", "d", "e", "f")
	results := c.Run(context.Background(), in,
		func(ctx context.Context, item Item) error {
			if item.ID == "b" {
				time.Sleep(20 * time.Millisecond) // finish out of order
			}
			return nil
		}, nil)

	for i, r := range results {
		if r.ID != in[i].ID {
			t.Fatalf("result %d is %s, want %s", i, r.ID, in[i].ID)
		}
	}
}

func TestAbandon_SuppressesFurtherProgress(t *testing.T) {
	var mu sync.Mutex
	callbacks := 0
	c := NewCoordinator(fastRetry(), 1)
	c.Run(context.Background(), items("a", "b", "c", "d"),
		func(ctx context.Context, item Item) error {
			if item.ID == "b" {
				c.Abandon()
			}
			return nil
		},
		func(completed int, current Item, err error) {
			mu.Lock()
			callbacks++
			mu.Unlock()
		})

	if callbacks > 1 {
		t.Errorf("expected progress to stop after abandon, got %d callbacks", callbacks)
	}
}

func TestFailedItems(t *testing.T) {
	results := []Result{
		{ID: "a", Label: "item a", Success: true},
		{ID: "b", Label: "item b", Success: false, Err: errors.New("boom")},
		{ID: "c", Label: "item c", Success: false, Err: errors.New("boom")},
	}
	failed := FailedItems(results)
	if len(failed) != 2 || failed[0].ID != "b" || failed[1].ID != "c" {
		t.Errorf("unexpected failed items: %+v", failed)
	}
}
