package nbexec

import (
	"time"

	"go.jetify.com/typeid"
)

// NewExecutionID returns a new unique identifier for one notebook execution.
// The ID correlates every artifact of the run: the notebook copy, status
// record, log objects, shutdown marker, and output notebook.
func NewExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Status represents the execution status. Transitions are monotonic along
// PENDING -> RUNNING -> (COMPLETED | FAILED); terminal states are never
// re-entered.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next respects the status
// state machine.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	default:
		return false
	}
}

// MaxCellSourceChars bounds cell source text embedded in status and error
// payloads, keeping status records small.
const MaxCellSourceChars = 500

// truncationMarker is appended to cell source that was cut at the bound.
const truncationMarker = "..."

// TruncateSource returns the cell source capped at MaxCellSourceChars
// characters, with a marker appended when truncation occurred. The cap counts
// runes, not bytes, so multibyte source is never cut mid-character.
func TruncateSource(source string) string {
	if len(source) <= MaxCellSourceChars {
		return source
	}
	runes := []rune(source)
	if len(runes) <= MaxCellSourceChars {
		return source
	}
	return string(runes[:MaxCellSourceChars]) + truncationMarker
}

// ProgressPercent computes integer progress for the given cell counts. The
// result is truncated, never above 100 or below 0, and defined as 0 for an
// empty notebook.
func ProgressPercent(cellsCompleted, cellsTotal int) int {
	if cellsTotal <= 0 || cellsCompleted <= 0 {
		return 0
	}
	if cellsCompleted >= cellsTotal {
		return 100
	}
	return 100 * cellsCompleted / cellsTotal
}

// CellRef identifies the last cell that started executing.
type CellRef struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
}

// ErrorDetail captures structured context for a failed cell.
type ErrorDetail struct {
	CellIndex    int    `json:"cellIndex"`
	CellSource   string `json:"cellSource"`
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// CellErrorOutput is one structured error payload scanned from a failed
// cell's emitted outputs: either an error output (ename/evalue/traceback) or
// captured stderr text.
type CellErrorOutput struct {
	EName     string   `json:"ename,omitempty"`
	EValue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
	Stderr    string   `json:"stderr,omitempty"`
}

// StatusRecord is the shared status-store record for one execution. It is
// written only by the executor and read by any number of pollers; every
// write is a whole-record overwrite. Field names are a wire contract and
// must round-trip losslessly through storage.
type StatusRecord struct {
	ExecutionID     string            `json:"executionId"`
	Status          Status            `json:"status"`
	NotebookPath    string            `json:"notebookPath,omitempty"`
	OutputPath      string            `json:"outputPath,omitempty"`
	StartTime       time.Time         `json:"startTime,omitzero"`
	EndTime         time.Time         `json:"endTime,omitzero"`
	CellsTotal      int               `json:"cellsTotal"`
	CellsCompleted  int               `json:"cellsCompleted"`
	Progress        int               `json:"progress"`
	CurrentCell     *CellRef          `json:"currentCell,omitempty"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	ErrorDetail     *ErrorDetail      `json:"errorDetail,omitempty"`
	StackTrace      string            `json:"stackTrace,omitempty"`
	CellErrorOutput []CellErrorOutput `json:"cellErrorOutput,omitempty"`
	SystemInfo      *SystemInfo       `json:"systemInfo,omitempty"`
}

// NewPendingRecord returns the initial status record for a freshly minted
// execution: PENDING with all counters zero. CellsTotal stays zero until the
// executor has parsed the notebook.
func NewPendingRecord(executionID, notebookPath, outputPath string) *StatusRecord {
	return &StatusRecord{
		ExecutionID:  executionID,
		Status:       StatusPending,
		NotebookPath: notebookPath,
		OutputPath:   outputPath,
	}
}

// Copy returns a copy of the record. Nested pointers are duplicated so
// callers can mutate the result independently.
func (r *StatusRecord) Copy() *StatusRecord {
	out := *r
	if r.CurrentCell != nil {
		cell := *r.CurrentCell
		out.CurrentCell = &cell
	}
	if r.ErrorDetail != nil {
		detail := *r.ErrorDetail
		out.ErrorDetail = &detail
	}
	if r.CellErrorOutput != nil {
		out.CellErrorOutput = append([]CellErrorOutput(nil), r.CellErrorOutput...)
	}
	return &out
}
