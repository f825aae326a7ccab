package nbexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogBuffer(t *testing.T) {
	ctx := context.Background()

	t.Run("flush uploads the whole buffer", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		buf := NewLogBuffer(objects, "executions/exec_1/execution.log", nil)

		buf.Printf("cell %d started", 0)
		buf.Printf("cell %d completed", 0)
		require.NoError(t, buf.Flush(ctx))

		data, err := objects.Get(ctx, "executions/exec_1/execution.log")
		require.NoError(t, err)
		require.Contains(t, string(data), "cell 0 started")
		require.Contains(t, string(data), "cell 0 completed")
	})

	t.Run("uploads grow monotonically", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		buf := NewLogBuffer(objects, "log", nil)

		buf.Printf("first")
		require.NoError(t, buf.Flush(ctx))
		first, err := objects.Get(ctx, "log")
		require.NoError(t, err)

		buf.Printf("second")
		require.NoError(t, buf.Flush(ctx))
		second, err := objects.Get(ctx, "log")
		require.NoError(t, err)

		require.Greater(t, len(second), len(first))
		require.Equal(t, string(first), string(second[:len(first)]))
	})

	t.Run("empty buffer does not create an object", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		buf := NewLogBuffer(objects, "log", nil)
		require.NoError(t, buf.Flush(ctx))

		_, err := objects.Get(ctx, "log")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stop performs a final flush", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		buf := NewLogBuffer(objects, "log", nil)
		buf.StartFlusher(ctx, time.Hour)

		buf.Printf("written after the last tick")
		buf.Stop(ctx)

		data, err := objects.Get(ctx, "log")
		require.NoError(t, err)
		require.Contains(t, string(data), "written after the last tick")
	})

	t.Run("stop without a flusher still flushes", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		buf := NewLogBuffer(objects, "log", nil)
		buf.Printf("short run")
		buf.Stop(ctx)

		data, err := objects.Get(ctx, "log")
		require.NoError(t, err)
		require.Contains(t, string(data), "short run")
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		buf := NewLogBuffer(objects, "log", nil)
		buf.StartFlusher(ctx, time.Hour)
		buf.Stop(ctx)
		buf.Stop(ctx)
	})
}
