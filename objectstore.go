package nbexec

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrNotFound is returned by ObjectStore reads when no object exists at the
// requested key. Status readers treat it as "record not written yet", never
// as a failure.
var ErrNotFound = errors.New("object not found")

// ObjectStore is the external object-storage collaborator: opaque byte blobs
// keyed by path. Writes are whole-object overwrites; there is no partial
// write or append primitive, so append-only semantics are achieved by
// rewriting a growing object.
type ObjectStore interface {
	// Put stores data at key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the object at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Well-known object suffixes under an execution's namespace.
const (
	statusObjectName      = "status.json"
	shutdownMarkerName    = "shutdown_marker.json"
	executionLogName      = "execution.log"
	cellOutputLogName     = "cell_output.log"
	runnerScriptName      = "runner.sh"
	executionKeyPrefixFmt = "executions/%s"
)

// ExecutionPrefix returns the storage namespace for one execution's
// artifacts.
func ExecutionPrefix(executionID string) string {
	return fmt.Sprintf(executionKeyPrefixFmt, executionID)
}

// StatusKey returns the status record key for an execution.
func StatusKey(executionID string) string {
	return path.Join(ExecutionPrefix(executionID), statusObjectName)
}

// ShutdownMarkerKey returns the shutdown marker key for an execution.
func ShutdownMarkerKey(executionID string) string {
	return path.Join(ExecutionPrefix(executionID), shutdownMarkerName)
}

// ExecutionLogKey returns the key of the executor's append-only run log.
func ExecutionLogKey(executionID string) string {
	return path.Join(ExecutionPrefix(executionID), executionLogName)
}

// CellOutputLogKey returns the key of the append-only cell output log.
func CellOutputLogKey(executionID string) string {
	return path.Join(ExecutionPrefix(executionID), cellOutputLogName)
}

// NotebookKey returns the key of the uploaded source notebook.
func NotebookKey(executionID, fileName string) string {
	return path.Join(ExecutionPrefix(executionID), fileName)
}

// OutputNotebookKey returns the key of the fully executed notebook.
func OutputNotebookKey(executionID, fileName string) string {
	return path.Join(ExecutionPrefix(executionID), "output_"+fileName)
}

// PartialNotebookKey returns the key of the partially executed notebook
// persisted on failure.
func PartialNotebookKey(executionID string) string {
	return path.Join(ExecutionPrefix(executionID), fmt.Sprintf("partial_%s.ipynb", executionID))
}

// RunnerScriptKey returns the key of the uploaded executor script.
func RunnerScriptKey(executionID string) string {
	return path.Join(ExecutionPrefix(executionID), runnerScriptName)
}
