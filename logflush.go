package nbexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LogBuffer accumulates an execution's log text in memory and uploads it to
// a single object key. The buffer only grows, so each upload rewrites the
// object with strictly more content: readers following the object with byte
// offsets observe append-only semantics.
//
// A periodic flusher replaces the detached "upload logs every N seconds"
// background process pattern: it is started before the first cell runs and
// stopped (with a final flush) after the final status write.
type LogBuffer struct {
	objects ObjectStore
	key     string
	logger  *slog.Logger

	mutex sync.Mutex
	data  []byte

	stopOnce sync.Once
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewLogBuffer returns a log buffer that uploads to key in the given store.
func NewLogBuffer(objects ObjectStore, key string, logger *slog.Logger) *LogBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBuffer{
		objects: objects,
		key:     key,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Write appends to the buffer. Implements io.Writer; never fails.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.data = append(b.data, p...)
	return len(p), nil
}

// Printf appends a timestamped line to the buffer.
func (b *LogBuffer) Printf(format string, args ...any) {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	b.Write([]byte(line))
}

// Len returns the number of buffered bytes.
func (b *LogBuffer) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.data)
}

// Flush uploads the current buffer contents. Upload failures are diagnostic:
// they are returned so the caller can log them, but must never mask the
// error that caused a failing run.
func (b *LogBuffer) Flush(ctx context.Context) error {
	b.mutex.Lock()
	data := append([]byte(nil), b.data...)
	b.mutex.Unlock()

	if len(data) == 0 {
		return nil
	}
	if err := b.objects.Put(ctx, b.key, data); err != nil {
		return fmt.Errorf("failed to flush log %s: %w", b.key, err)
	}
	return nil
}

// StartFlusher begins uploading the buffer every interval until Stop is
// called or ctx is cancelled. Flush errors are logged and the loop keeps
// going.
func (b *LogBuffer) StartFlusher(ctx context.Context, interval time.Duration) {
	b.mutex.Lock()
	b.started = true
	b.mutex.Unlock()
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stop:
				return
			case <-ticker.C:
				if err := b.Flush(ctx); err != nil {
					b.logger.Error("periodic log flush failed", "key", b.key, "error", err)
				}
			}
		}
	}()
}

// Stop halts the periodic flusher and performs one final flush. Safe to call
// multiple times and safe to call when StartFlusher was never invoked; the
// final flush still runs so short executions upload their logs.
func (b *LogBuffer) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.mutex.Lock()
	started := b.started
	b.mutex.Unlock()
	if started {
		<-b.done
	}
	if err := b.Flush(ctx); err != nil {
		b.logger.Error("final log flush failed", "key", b.key, "error", err)
	}
}
