package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yourorg/taxsync/internal/logging"
	"github.com/yourorg/taxsync/pkg/types"
)

const baseClickDelay = 250 * time.Millisecond

var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClickRetrier retries clicks that a transient overlay may intercept. Each
// attempt tries a native click and falls back to a scripted one; attempts
// are spaced by a doubling delay and the whole sequence shares one budget.
type ClickRetrier struct {
	Attempts int
	Budget   time.Duration
	Logger   *slog.Logger
	// OnAttemptFailed, if set, runs after an attempt fails in both modes
	// and another attempt follows.
	OnAttemptFailed func(ctx context.Context, attempt int, err error)
}

// NewClickRetrier builds a retrier; non-positive values fall back to 5
// attempts within 10s.
func NewClickRetrier(attempts int, budget time.Duration, logger *slog.Logger) *ClickRetrier {
	if attempts < 1 {
		attempts = 5
	}
	if budget <= 0 {
		budget = 10 * time.Second
	}
	return &ClickRetrier{Attempts: attempts, Budget: budget, Logger: logging.OrDiscard(logger)}
}

// Do calls click until one mode succeeds. click receives the mode to use.
// Busy drivers and cancelled contexts are not retried.
func (r *ClickRetrier) Do(ctx context.Context, label string, click func(ctx context.Context, mode ClickMode) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.Budget)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < r.Attempts; attempt++ {
		for _, mode := range []ClickMode{ClickNative, ClickScripted} {
			err := click(ctx, mode)
			if err == nil {
				if attempt > 0 || mode != ClickNative {
					r.Logger.Info("click recovered", "target", label, "attempt", attempt+1, "mode", mode.String())
				}
				return nil
			}
			if ctx.Err() != nil {
				return fmt.Errorf("click %s: %w", label, errors.Join(ctx.Err(), err))
			}
			if errors.Is(err, types.ErrDriverBusy) {
				return fmt.Errorf("click %s: %w", label, err)
			}
			lastErr = err
			r.Logger.Warn("click failed", "target", label, "attempt", attempt+1, "mode", mode.String(), "error", err)
		}
		if attempt == r.Attempts-1 {
			break
		}
		if r.OnAttemptFailed != nil {
			r.OnAttemptFailed(ctx, attempt+1, lastErr)
		}
		if err := sleepFn(ctx, backoff(attempt)); err != nil {
			return fmt.Errorf("click %s: %w", label, errors.Join(err, lastErr))
		}
	}
	return fmt.Errorf("click %s: %d attempts: %w", label, r.Attempts, lastErr)
}

func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return baseClickDelay << attempt
}
