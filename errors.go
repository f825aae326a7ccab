package nbexec

import (
	"errors"
	"fmt"
)

// Error type constants for classification. The executor owns all decisions
// about what is fatal (halts the run) versus diagnostic (best-effort,
// non-blocking); these types record which path produced an error.
const (
	// ErrorTypeSubmission covers host/storage provisioning failures before
	// execution starts. Surfaced synchronously to the launcher's caller.
	ErrorTypeSubmission = "submission"

	// ErrorTypeCell covers a notebook cell raising during execution.
	// Captured with full structured context; never retried.
	ErrorTypeCell = "cell_execution"

	// ErrorTypeHost covers fatal errors outside a cell boundary: the
	// notebook failing to parse, or the runtime crashing between cells.
	ErrorTypeHost = "host_environment"

	// ErrorTypeDiagnostic covers failures while persisting partial
	// notebooks, logs, or the shutdown marker. Logged and swallowed; never
	// escalated over the original error.
	ErrorTypeDiagnostic = "diagnostic"
)

// ExecutionError is a structured error with classification. It supports
// Go's error wrapping patterns with Unwrap.
type ExecutionError struct {
	Type      string `json:"type"`
	Cause     string `json:"cause"`
	CellIndex int    `json:"cellIndex"`
	Wrapped   error  `json:"-"`
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap supports errors.Is and errors.As against the original error.
func (e *ExecutionError) Unwrap() error {
	return e.Wrapped
}

// NewSubmissionError wraps a pre-start provisioning failure.
func NewSubmissionError(err error) *ExecutionError {
	return &ExecutionError{Type: ErrorTypeSubmission, Cause: err.Error(), CellIndex: -1, Wrapped: err}
}

// NewCellError wraps a failure raised by the cell at the given notebook
// index.
func NewCellError(cellIndex int, err error) *ExecutionError {
	return &ExecutionError{Type: ErrorTypeCell, Cause: err.Error(), CellIndex: cellIndex, Wrapped: err}
}

// NewHostError wraps a fatal failure outside a cell boundary. cellIndex is
// the best-effort attribution (first cell lacking an execution marker), or
// -1 when unknown.
func NewHostError(cellIndex int, err error) *ExecutionError {
	return &ExecutionError{Type: ErrorTypeHost, Cause: err.Error(), CellIndex: cellIndex, Wrapped: err}
}

// IsCellError reports whether err was classified as a cell execution error.
func IsCellError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Type == ErrorTypeCell
}

// IsSubmissionError reports whether err was classified as a submission error.
func IsSubmissionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr) && execErr.Type == ErrorTypeSubmission
}
