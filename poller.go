package nbexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/deepnoodle-ai/nbexec/retry"
)

// DefaultPollInterval is the delay between successive status re-reads in a
// watch session.
const DefaultPollInterval = 2 * time.Second

// WatchEventType distinguishes the events emitted by a watch session.
type WatchEventType string

const (
	WatchEventStatus WatchEventType = "status"
	WatchEventLog    WatchEventType = "log"
)

// WatchEvent is one incremental update observed by a watch session.
type WatchEvent struct {
	Type   WatchEventType
	Status *StatusRecord
	Log    []byte
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Status   *StatusStore
	Objects  ObjectStore
	Logger   *slog.Logger
	Interval time.Duration
}

// Poller gives a client an incrementally updating view of an execution
// without any connection to the compute host: it only re-reads the status
// record and the append-only log objects. Pollers are read-only observers;
// any number may run concurrently with each other and with the executor, and
// stale point-in-time snapshots are expected and tolerated.
type Poller struct {
	status   *StatusStore
	objects  ObjectStore
	logger   *slog.Logger
	interval time.Duration
}

// NewPoller creates a poller.
func NewPoller(opts PollerOptions) (*Poller, error) {
	if opts.Status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	return &Poller{
		status:   opts.Status,
		objects:  opts.Objects,
		logger:   opts.Logger,
		interval: opts.Interval,
	}, nil
}

// Snapshot returns the current status record. A record that has not been
// written yet reads as PENDING.
func (p *Poller) Snapshot(ctx context.Context, executionID string) (*StatusRecord, error) {
	return p.status.Get(ctx, executionID)
}

// LogRange reads the log object at key from the given byte offset. A request
// past the current end of the log (or against a log that does not exist yet)
// returns no content with the offset unchanged; neither is an error, because
// the log may simply not have grown (or been created) yet.
func (p *Poller) LogRange(ctx context.Context, key string, offset int64) ([]byte, int64, error) {
	data, err := p.objects.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("failed to read log %s: %w", key, err)
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(data)) {
		return nil, offset, nil
	}
	return data[offset:], int64(len(data)), nil
}

// Watch starts a long-lived polling session that pushes each observed change
// as a discrete event on the returned channel. The channel closes when a
// terminal status is observed or ctx is cancelled. Transient read failures
// are retried on the next tick; within one session, status events are
// delivered in non-decreasing cellsCompleted/status order.
//
// Cancelling ctx only ends this session; it has no effect on the executor.
func (p *Poller) Watch(ctx context.Context, executionID string) <-chan WatchEvent {
	events := make(chan WatchEvent)
	go func() {
		defer close(events)

		logKey := ExecutionLogKey(executionID)
		var offset int64
		var last *StatusRecord

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			record, err := p.Snapshot(ctx, executionID)
			if err != nil {
				p.logger.Debug("status read failed, will retry", "execution_id", executionID, "error", err)
			} else if statusAdvanced(last, record) {
				last = record
				if !emit(ctx, events, WatchEvent{Type: WatchEventStatus, Status: record}) {
					return
				}
			}

			chunk, next, err := p.LogRange(ctx, logKey, offset)
			if err != nil {
				p.logger.Debug("log read failed, will retry", "execution_id", executionID, "error", err)
			} else if len(chunk) > 0 {
				offset = next
				if !emit(ctx, events, WatchEvent{Type: WatchEventLog, Log: chunk}) {
					return
				}
			}

			if last != nil && last.Status.Terminal() {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return events
}

// WaitForCompletion polls until the execution reaches a terminal status or
// the wall-clock timeout expires. Expiry returns retry.ErrTimeout, a
// distinct outcome from a FAILED record (which is returned without error:
// the wait succeeded, the execution did not).
func (p *Poller) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (*StatusRecord, error) {
	var final *StatusRecord
	err := retry.Poll(ctx, retry.PollOptions{Interval: p.interval, Timeout: timeout}, func(ctx context.Context) (bool, error) {
		record, err := p.Snapshot(ctx, executionID)
		if err != nil {
			return false, retry.NewRecoverableError(err)
		}
		if record.Status.Terminal() {
			final = record
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// statusAdvanced reports whether next represents observable forward progress
// over prev. Because the store is monotonically updated by a single writer,
// regressions can only come from read reordering; they are suppressed.
func statusAdvanced(prev, next *StatusRecord) bool {
	if next == nil {
		return false
	}
	if prev == nil {
		return true
	}
	if statusRank(next.Status) < statusRank(prev.Status) {
		return false
	}
	if next.CellsCompleted < prev.CellsCompleted {
		return false
	}
	if next.Status != prev.Status || next.CellsCompleted != prev.CellsCompleted {
		return true
	}
	if !currentCellEqual(prev.CurrentCell, next.CurrentCell) {
		return true
	}
	return false
}

func currentCellEqual(a, b *CellRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Index == b.Index
}

func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return 0
	}
}

func emit(ctx context.Context, events chan<- WatchEvent, event WatchEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- event:
		return true
	}
}
