package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/shopsync/internal/engine/classify"
	"github.com/vietddude/shopsync/internal/engine/metrics"
)

// Config defines retry behavior. Backoff is linear: attempt N waits
// BaseDelay * N before retrying.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultConfig.BaseDelay
	}
	return c
}

// Do executes op with bounded attempts and linear backoff. Each failure is
// classified; non-retryable failures propagate immediately. The returned
// error is always a *classify.Classified. Calls share no state, so Do is
// safe for concurrent bulk use.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	cfg = cfg.normalized()

	var last *classify.Classified
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			metrics.RetryAttempts.WithLabelValues("success").Inc()
			return nil
		}

		last = classify.Error(err)
		if !last.Retryable {
			metrics.RetryAttempts.WithLabelValues("terminal").Inc()
			return last
		}
		metrics.RetryAttempts.WithLabelValues("retryable").Inc()

		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return classify.Error(ctx.Err())
		case <-time.After(cfg.BaseDelay * time.Duration(attempt)):
		}
	}

	exhausted := *last
	exhausted.Cause = fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, last.Cause)
	return &exhausted
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
