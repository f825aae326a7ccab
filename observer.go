package nbexec

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/nbexec/notebook"
)

// CellObserver receives per-cell execution events from the executor. It
// replaces engine subclassing as the hook for progress tracking: the
// execution loop drives the observer, and implementations decide what to do
// with each checkpoint.
type CellObserver interface {
	// BeforeCell fires immediately before a cell starts executing.
	BeforeCell(ctx context.Context, event *CellEvent)

	// AfterCell fires after a cell completes successfully.
	AfterCell(ctx context.Context, event *CellEvent)

	// OnCellError fires when a cell raises. Execution halts afterwards;
	// the failing cell is never retried.
	OnCellError(ctx context.Context, event *CellEvent)
}

// CellEvent provides context for cell-level execution events.
type CellEvent struct {
	ExecutionID string
	Index       int
	Source      string
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	Outputs     []*notebook.Output
	Error       error
}

// BaseCellObserver provides a default implementation that does nothing.
// Embed it to implement only the events you care about.
type BaseCellObserver struct{}

func (BaseCellObserver) BeforeCell(ctx context.Context, event *CellEvent) {
	// noop
}

func (BaseCellObserver) AfterCell(ctx context.Context, event *CellEvent) {
	// noop
}

func (BaseCellObserver) OnCellError(ctx context.Context, event *CellEvent) {
	// noop
}

// ObserverChain fans cell events out to multiple observers in order.
type ObserverChain struct {
	observers []CellObserver
}

// NewObserverChain creates a new observer chain.
func NewObserverChain(observers ...CellObserver) *ObserverChain {
	return &ObserverChain{observers: observers}
}

// Add appends an observer to the chain.
func (c *ObserverChain) Add(observer CellObserver) {
	c.observers = append(c.observers, observer)
}

func (c *ObserverChain) BeforeCell(ctx context.Context, event *CellEvent) {
	for _, observer := range c.observers {
		observer.BeforeCell(ctx, event)
	}
}

func (c *ObserverChain) AfterCell(ctx context.Context, event *CellEvent) {
	for _, observer := range c.observers {
		observer.AfterCell(ctx, event)
	}
}

func (c *ObserverChain) OnCellError(ctx context.Context, event *CellEvent) {
	for _, observer := range c.observers {
		observer.OnCellError(ctx, event)
	}
}
