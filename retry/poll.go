// Package retry provides the shared polling primitive used by every status
// and log poller, and classification of transient versus permanent errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a poll loop exhausts its wall-clock budget or
// attempt count before the predicate holds. Callers must treat it as a
// distinct outcome from a failed predicate.
var ErrTimeout = errors.New("polling timed out")

// PollOptions configures a Poll loop.
type PollOptions struct {
	// Interval between predicate evaluations. Defaults to one second.
	Interval time.Duration

	// MaxAttempts caps the number of predicate evaluations. Zero means no
	// attempt cap.
	MaxAttempts int

	// Timeout caps the total wall-clock time. Zero means no time cap.
	Timeout time.Duration
}

// Poll evaluates fn every Interval until it reports done, the error is not
// recoverable, the attempt/time budget is exhausted, or ctx is cancelled.
// Recoverable errors (transient network failures, not-yet-created objects)
// are swallowed and retried on the next tick.
func Poll(ctx context.Context, opts PollOptions, fn func(ctx context.Context) (bool, error)) error {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		done, err := fn(ctx)
		if done {
			return err
		}
		if err != nil && !IsRecoverable(err) {
			return err
		}
		if opts.MaxAttempts > 0 && attempts >= opts.MaxAttempts {
			return fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && opts.Timeout > 0 {
				return fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
