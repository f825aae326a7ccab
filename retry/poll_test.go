package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	t.Run("returns when the predicate holds", func(t *testing.T) {
		calls := 0
		err := Poll(context.Background(), PollOptions{Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
			calls++
			return calls >= 3, nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("recoverable errors are retried", func(t *testing.T) {
		calls := 0
		err := Poll(context.Background(), PollOptions{Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
			calls++
			if calls < 3 {
				return false, NewRecoverableError(fmt.Errorf("transient"))
			}
			return true, nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("non-recoverable errors abort immediately", func(t *testing.T) {
		boom := NewNonRecoverableError(errors.New("boom"))
		calls := 0
		err := Poll(context.Background(), PollOptions{Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
			calls++
			return false, boom
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("done with error returns that error", func(t *testing.T) {
		boom := errors.New("terminal state reached badly")
		err := Poll(context.Background(), PollOptions{Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
			return true, boom
		})
		require.ErrorIs(t, err, boom)
	})

	t.Run("attempt budget yields ErrTimeout", func(t *testing.T) {
		err := Poll(context.Background(), PollOptions{Interval: time.Millisecond, MaxAttempts: 3}, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		require.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("wall-clock budget yields ErrTimeout", func(t *testing.T) {
		err := Poll(context.Background(), PollOptions{Interval: 5 * time.Millisecond, Timeout: 20 * time.Millisecond}, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		require.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Poll(ctx, PollOptions{Interval: time.Millisecond}, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		require.ErrorIs(t, err, context.Canceled)
		require.NotErrorIs(t, err, ErrTimeout)
	})
}

func TestIsRecoverable(t *testing.T) {
	t.Run("deadline exceeded is recoverable", func(t *testing.T) {
		require.True(t, IsRecoverable(context.DeadlineExceeded))
	})

	t.Run("cancellation is not recoverable", func(t *testing.T) {
		require.False(t, IsRecoverable(context.Canceled))
	})

	t.Run("explicit classification wins", func(t *testing.T) {
		require.True(t, IsRecoverable(NewRecoverableError(errors.New("x"))))
		require.False(t, IsRecoverable(NewNonRecoverableError(context.DeadlineExceeded)))
	})

	t.Run("storage throttling is retried", func(t *testing.T) {
		require.True(t, IsRecoverable(errors.New("operation error S3 PutObject: SlowDown: reduce your request rate")))
		require.True(t, IsRecoverable(errors.New("api error ThrottlingException")))
	})

	t.Run("interrupted connections are retried", func(t *testing.T) {
		require.True(t, IsRecoverable(errors.New("read tcp 10.0.0.1:443: connection reset by peer")))
		require.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
	})

	t.Run("unclassified errors are not retried", func(t *testing.T) {
		require.False(t, IsRecoverable(errors.New("operation error S3 GetObject: AccessDenied")))
		require.False(t, IsRecoverable(errors.New("notebook parse failed")))
	})
}
