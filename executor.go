package nbexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/nbexec/notebook"
)

// DefaultLogFlushInterval is how often the executor's log buffers upload.
const DefaultLogFlushInterval = 10 * time.Second

// ExecutorOptions configures a new Executor.
type ExecutorOptions struct {
	ExecutionID string

	// Notebook is the raw ipynb document to execute.
	Notebook []byte

	// FileName is the executed file's name, used to derive output keys.
	// Defaults to "notebook.ipynb".
	FileName string

	// NotebookPath and OutputPath are the opaque source and destination
	// URIs recorded in status for consumers; they are informational.
	NotebookPath string
	OutputPath   string

	Runtime  CellRuntime
	Status   *StatusStore
	Objects  ObjectStore
	Shutdown *ShutdownCoordinator
	Observer CellObserver
	Logger   *slog.Logger

	LogFlushInterval time.Duration

	// Environ feeds the diagnostic snapshot on failure. Defaults to
	// os.Environ(). Secrets are redacted before upload.
	Environ []string
}

// Executor runs a notebook's code cells in order, synchronously, publishing
// a status-store update before and after every cell so progress is
// externally observable without anyone watching in real time. On the first
// cell error it captures structured failure context, persists the partially
// executed notebook, pushes a terminal FAILED record, and invokes the
// shutdown coordinator. Cells are never retried and execution never
// continues past a failure.
//
// The executor is the sole writer of the execution's status record; it runs
// single-threaded with no intra-notebook parallelism.
type Executor struct {
	executionID string
	rawNotebook []byte
	fileName    string
	runtime     CellRuntime
	status      *StatusStore
	objects     ObjectStore
	shutdown    *ShutdownCoordinator
	observer    CellObserver
	logger      *slog.Logger
	environ     []string

	flushInterval time.Duration
	execLog       *LogBuffer
	cellLog       *LogBuffer

	doc       *notebook.Notebook
	record    *StatusRecord
	execCount int
	finalized bool
	started   bool
}

// NewExecutor creates a new executor for one notebook execution.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.ExecutionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}
	if len(opts.Notebook) == 0 {
		return nil, fmt.Errorf("notebook is required")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("cell runtime is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.FileName == "" {
		opts.FileName = "notebook.ipynb"
	}
	if opts.Observer == nil {
		opts.Observer = BaseCellObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LogFlushInterval <= 0 {
		opts.LogFlushInterval = DefaultLogFlushInterval
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ()
	}

	logger := opts.Logger.With("execution_id", opts.ExecutionID)
	return &Executor{
		executionID:   opts.ExecutionID,
		rawNotebook:   opts.Notebook,
		fileName:      opts.FileName,
		runtime:       opts.Runtime,
		status:        opts.Status,
		objects:       opts.Objects,
		shutdown:      opts.Shutdown,
		observer:      opts.Observer,
		logger:        logger,
		environ:       opts.Environ,
		flushInterval: opts.LogFlushInterval,
		execLog:       NewLogBuffer(opts.Objects, ExecutionLogKey(opts.ExecutionID), logger),
		cellLog:       NewLogBuffer(opts.Objects, CellOutputLogKey(opts.ExecutionID), logger),
		record:        NewPendingRecord(opts.ExecutionID, opts.NotebookPath, opts.OutputPath),
	}, nil
}

// Record returns a copy of the executor's current status record.
func (e *Executor) Record() *StatusRecord {
	return e.record.Copy()
}

// Run executes the notebook to completion or first failure. Returns nil when
// the execution reached COMPLETED, otherwise the classified fatal error.
func (e *Executor) Run(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true

	e.execLog.StartFlusher(ctx, e.flushInterval)
	e.cellLog.StartFlusher(ctx, e.flushInterval)

	doc, err := notebook.Parse(e.rawNotebook)
	if err != nil {
		return e.failHost(ctx, fmt.Errorf("notebook parse failed: %w", err))
	}
	e.doc = doc

	cells := doc.CodeCells()
	e.record.Status = StatusRunning
	e.record.StartTime = time.Now().UTC()
	e.record.CellsTotal = len(cells)
	e.pushStatus(ctx)
	e.logf("execution started: %d code cells", len(cells))

	for _, cc := range cells {
		if ctx.Err() != nil {
			return e.failHost(ctx, ctx.Err())
		}
		if err := e.runCell(ctx, cc); err != nil {
			return err
		}
	}

	outputData, err := doc.Bytes()
	if err != nil {
		return e.failHost(ctx, fmt.Errorf("failed to serialize executed notebook: %w", err))
	}
	outputKey := OutputNotebookKey(e.executionID, e.fileName)
	if err := e.objects.Put(ctx, outputKey, outputData); err != nil {
		return e.failHost(ctx, fmt.Errorf("failed to persist executed notebook: %w", err))
	}

	e.record.Status = StatusCompleted
	e.record.EndTime = time.Now().UTC()
	e.record.CurrentCell = nil
	e.finalized = true

	// Final log flush happens before the terminal status push, so a watcher
	// that sees COMPLETED can read the full log on the same tick.
	e.logf("execution completed: %d/%d cells", e.record.CellsCompleted, e.record.CellsTotal)
	e.stopLogs(ctx)
	if err := e.status.Put(ctx, e.record); err != nil {
		e.logger.Error("failed to push final status", "error", err)
	}
	return nil
}

// runCell executes a single code cell with pre- and post-execution status
// checkpoints. Returns nil on success and the classified fatal error on
// failure.
func (e *Executor) runCell(ctx context.Context, cc notebook.CodeCell) error {
	source := cc.Cell.Source.String()

	// Pre-execution checkpoint: anyone polling sees which cell is in
	// flight even if the host dies mid-cell.
	e.record.CurrentCell = &CellRef{Index: cc.Index, Source: TruncateSource(source)}
	e.pushStatus(ctx)
	e.logf("cell %d started", cc.Index)

	event := &CellEvent{
		ExecutionID: e.executionID,
		Index:       cc.Index,
		Source:      source,
		StartTime:   time.Now(),
	}
	e.observer.BeforeCell(ctx, event)

	outputs, err := e.runtime.ExecuteCell(ctx, cc.Index, source)
	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	event.Outputs = outputs
	event.Error = err

	cc.Cell.Outputs = outputs
	e.writeCellOutputs(cc.Index, outputs)

	if err != nil {
		e.observer.OnCellError(ctx, event)
		e.logf("cell %d failed: %v", cc.Index, err)
		return e.failCell(ctx, cc, outputs, err)
	}

	e.execCount++
	cc.Cell.SetExecuted(e.execCount)
	e.observer.AfterCell(ctx, event)

	// Completed count is derived from execution markers rather than a
	// separate counter so the notebook artifact and the status record
	// cannot disagree.
	e.record.CellsCompleted = e.doc.ExecutedCount()
	e.record.Progress = ProgressPercent(e.record.CellsCompleted, e.record.CellsTotal)
	e.pushStatus(ctx)
	e.logf("cell %d completed (%d/%d)", cc.Index, e.record.CellsCompleted, e.record.CellsTotal)
	return nil
}

// failCell finalizes the run after a cell error.
func (e *Executor) failCell(ctx context.Context, cc notebook.CodeCell, outputs []*notebook.Output, cellErr error) error {
	source := cc.Cell.Source.String()
	e.finalizeFailure(ctx, cc.Index, source, outputs, cellErr)
	return NewCellError(cc.Index, cellErr)
}

// failHost finalizes the run after a fatal error outside a cell boundary,
// with best-effort attribution to the first cell lacking an execution
// marker.
func (e *Executor) failHost(ctx context.Context, hostErr error) error {
	cellIndex := -1
	source := ""
	var outputs []*notebook.Output
	if e.doc != nil {
		if i := e.doc.FirstUnexecutedIndex(); i >= 0 {
			cellIndex = i
			source = e.doc.Cells[i].Source.String()
			outputs = e.doc.Cells[i].Outputs
		}
	}
	e.finalizeFailure(ctx, cellIndex, source, outputs, hostErr)
	return NewHostError(cellIndex, hostErr)
}

// finalizeFailure captures error context, persists the partial notebook,
// pushes the terminal FAILED record, and invokes self-shutdown. Diagnostic
// write failures are logged and never mask the original error.
func (e *Executor) finalizeFailure(ctx context.Context, cellIndex int, source string, outputs []*notebook.Output, origErr error) {
	if e.finalized {
		return
	}
	e.finalized = true

	errorType, cellErrorOutputs, stackTrace := scanErrorOutputs(outputs)
	if errorType == "" {
		errorType = "RuntimeError"
		if cellIndex < 0 {
			errorType = "EnvironmentError"
		}
	}
	if stackTrace == "" {
		stackTrace = origErr.Error()
	}

	e.record.Status = StatusFailed
	e.record.EndTime = time.Now().UTC()
	e.record.ErrorMessage = origErr.Error()
	e.record.ErrorDetail = &ErrorDetail{
		CellIndex:    cellIndex,
		CellSource:   TruncateSource(source),
		ErrorType:    errorType,
		ErrorMessage: origErr.Error(),
	}
	e.record.StackTrace = stackTrace
	e.record.CellErrorOutput = cellErrorOutputs
	e.record.SystemInfo = CollectSystemInfo(ctx, e.environ)

	e.persistPartialNotebook(ctx)

	// Logs flush before the terminal status push; the FAILED record in turn
	// lands before the shutdown marker.
	e.logf("execution failed at cell %d: %v", cellIndex, origErr)
	e.stopLogs(ctx)
	if err := e.status.Put(ctx, e.record); err != nil {
		e.logger.Error("failed to push FAILED status", "error", err)
	}

	if e.shutdown != nil {
		reason := fmt.Sprintf("execution %s failed at cell %d: %s", e.executionID, cellIndex, origErr)
		if err := e.shutdown.Shutdown(ctx, e.executionID, reason); err != nil {
			e.logger.Error("self-shutdown failed", "error", err)
		}
	}
}

// persistPartialNotebook uploads the partially executed notebook so
// completed cell outputs survive a mid-run failure. Best effort.
func (e *Executor) persistPartialNotebook(ctx context.Context) {
	if e.doc == nil {
		return
	}
	data, err := e.doc.Bytes()
	if err != nil {
		e.logger.Error("failed to serialize partial notebook", "error", err)
		return
	}
	key := PartialNotebookKey(e.executionID)
	if err := e.objects.Put(ctx, key, data); err != nil {
		e.logger.Error("failed to persist partial notebook", "key", key, "error", err)
	}
}

// pushStatus overwrites the status record. Push failures are logged and the
// run continues: a transient status-write failure must not kill an otherwise
// healthy execution, and the next checkpoint overwrites the record anyway.
func (e *Executor) pushStatus(ctx context.Context) {
	if err := e.status.Put(ctx, e.record); err != nil {
		e.logger.Error("failed to push status update", "error", err)
	}
}

func (e *Executor) writeCellOutputs(index int, outputs []*notebook.Output) {
	for _, out := range outputs {
		switch out.OutputType {
		case notebook.OutputTypeStream:
			e.cellLog.Printf("[cell %d %s] %s", index, out.Name, strings.TrimRight(out.Text.String(), "\n"))
		case notebook.OutputTypeExecuteResult:
			e.cellLog.Printf("[cell %d out] %s", index, strings.TrimRight(out.Text.String(), "\n"))
		case notebook.OutputTypeError:
			e.cellLog.Printf("[cell %d error] %s: %s", index, out.EName, out.EValue)
		}
	}
}

func (e *Executor) logf(format string, args ...any) {
	e.execLog.Printf(format, args...)
	e.logger.Info(fmt.Sprintf(format, args...))
}

func (e *Executor) stopLogs(ctx context.Context) {
	e.execLog.Stop(ctx)
	e.cellLog.Stop(ctx)
}

// scanErrorOutputs extracts structured error payloads and stderr text from a
// failed cell's outputs. Returns the first error output's ename (if any),
// the collected payloads, and a joined traceback.
func scanErrorOutputs(outputs []*notebook.Output) (string, []CellErrorOutput, string) {
	var errorType string
	var collected []CellErrorOutput
	var stackTrace string
	for _, out := range outputs {
		switch out.OutputType {
		case notebook.OutputTypeError:
			if errorType == "" {
				errorType = out.EName
			}
			if stackTrace == "" && len(out.Traceback) > 0 {
				stackTrace = strings.Join(out.Traceback, "\n")
			}
			collected = append(collected, CellErrorOutput{
				EName:     out.EName,
				EValue:    out.EValue,
				Traceback: out.Traceback,
			})
		case notebook.OutputTypeStream:
			if out.Name == "stderr" {
				collected = append(collected, CellErrorOutput{Stderr: out.Text.String()})
			}
		}
	}
	return errorType, collected, stackTrace
}
