package nbexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/deepnoodle-ai/nbexec/notebook"
	"github.com/deepnoodle-ai/nbexec/retry"
)

// DefaultStartTimeout bounds how long Submit waits for the compute host to
// report InService before failing the submission.
const DefaultStartTimeout = 2 * time.Minute

// ExecutionIDEnvVar is injected into the compute host so co-located
// processes can find their execution's namespace.
const ExecutionIDEnvVar = "NBEXEC_EXECUTION_ID"

// Submission is the synchronous result of submitting a notebook.
type Submission struct {
	ExecutionID    string `json:"executionId"`
	InstanceHandle string `json:"instanceHandle,omitempty"`
	SourcePath     string `json:"sourcePath"`
}

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	Objects ObjectStore
	Status  *StatusStore
	Compute ComputeClient
	Logger  *slog.Logger

	// Bucket names the object-storage bucket, used only to render opaque
	// storage URIs in status records. Empty renders bare keys.
	Bucket string

	// InstanceType for created hosts. Defaults to "standard".
	InstanceType string

	// RunnerCommand is the executor binary invoked on the host. Defaults
	// to "nbexec-runner".
	RunnerCommand string

	// StartTimeout bounds the wait for the host to reach InService.
	StartTimeout time.Duration

	// PollInterval between Describe calls while waiting for the host.
	PollInterval time.Duration
}

// Launcher composes submission into one operation: mint an execution ID,
// place the notebook and executor script at deterministic paths, write the
// initial PENDING record, and start a compute host wired to run the executor
// against those paths. Any failure before the host is confirmed started
// surfaces synchronously; later failures are only observable via the poller.
type Launcher struct {
	objects       ObjectStore
	status        *StatusStore
	compute       ComputeClient
	logger        *slog.Logger
	bucket        string
	instanceType  string
	runnerCommand string
	startTimeout  time.Duration
	pollInterval  time.Duration
}

// NewLauncher creates a launcher.
func NewLauncher(opts LauncherOptions) (*Launcher, error) {
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if opts.Compute == nil {
		return nil, fmt.Errorf("compute client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.InstanceType == "" {
		opts.InstanceType = "standard"
	}
	if opts.RunnerCommand == "" {
		opts.RunnerCommand = "nbexec-runner"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Launcher{
		objects:       opts.Objects,
		status:        opts.Status,
		compute:       opts.Compute,
		logger:        opts.Logger,
		bucket:        opts.Bucket,
		instanceType:  opts.InstanceType,
		runnerCommand: opts.RunnerCommand,
		startTimeout:  opts.StartTimeout,
		pollInterval:  opts.PollInterval,
	}, nil
}

// Submit uploads the notebook, writes the initial PENDING status record, and
// (when autoExecute is set) creates and starts a compute host running the
// executor. fileName is the notebook's original name, preserved in the
// execution's namespace.
func (l *Launcher) Submit(ctx context.Context, notebookBytes []byte, fileName string, autoExecute bool) (*Submission, error) {
	if len(notebookBytes) == 0 {
		return nil, NewSubmissionError(fmt.Errorf("notebook is empty"))
	}
	if fileName == "" {
		fileName = "notebook.ipynb"
	}
	fileName = path.Base(fileName)

	// Reject unparseable documents at submission time rather than paying
	// for a host that will immediately fail.
	if _, err := notebook.Parse(notebookBytes); err != nil {
		return nil, NewSubmissionError(err)
	}

	executionID := NewExecutionID()
	logger := l.logger.With("execution_id", executionID)

	sourceKey := NotebookKey(executionID, fileName)
	if err := l.objects.Put(ctx, sourceKey, notebookBytes); err != nil {
		return nil, NewSubmissionError(fmt.Errorf("failed to upload notebook: %w", err))
	}
	if err := l.objects.Put(ctx, RunnerScriptKey(executionID), l.renderRunnerScript(executionID, fileName)); err != nil {
		return nil, NewSubmissionError(fmt.Errorf("failed to upload runner script: %w", err))
	}

	sourcePath := l.storageURI(sourceKey)
	outputPath := l.storageURI(OutputNotebookKey(executionID, fileName))
	if err := l.status.Put(ctx, NewPendingRecord(executionID, sourcePath, outputPath)); err != nil {
		return nil, NewSubmissionError(fmt.Errorf("failed to write initial status: %w", err))
	}
	logger.Info("notebook uploaded", "source", sourcePath)

	if !autoExecute {
		return &Submission{ExecutionID: executionID, SourcePath: sourcePath}, nil
	}

	handle, err := l.compute.CreateAndStart(ctx, InstanceConfig{
		Name:         "nbexec-" + executionID,
		InstanceType: l.instanceType,
		Command:      l.runnerInvocation(executionID, fileName),
		Environment:  map[string]string{ExecutionIDEnvVar: executionID},
	})
	if err != nil {
		return nil, NewSubmissionError(fmt.Errorf("failed to create compute host: %w", err))
	}
	logger.Info("compute host created", "handle", handle)

	if err := l.waitForHost(ctx, handle); err != nil {
		return nil, NewSubmissionError(err)
	}
	logger.Info("compute host in service", "handle", handle)

	return &Submission{
		ExecutionID:    executionID,
		InstanceHandle: handle,
		SourcePath:     sourcePath,
	}, nil
}

// Cleanup stops and deletes a compute host.
func (l *Launcher) Cleanup(ctx context.Context, handle string) error {
	if handle == "" {
		return fmt.Errorf("instance handle is required")
	}
	if err := l.compute.Stop(ctx, handle); err != nil {
		l.logger.Error("failed to stop host during cleanup", "handle", handle, "error", err)
	}
	if err := l.compute.Delete(ctx, handle); err != nil {
		return fmt.Errorf("failed to delete host %s: %w", handle, err)
	}
	return nil
}

// waitForHost polls Describe until the host is InService, it reports Failed,
// or the start timeout expires.
func (l *Launcher) waitForHost(ctx context.Context, handle string) error {
	return retry.Poll(ctx, retry.PollOptions{Interval: l.pollInterval, Timeout: l.startTimeout}, func(ctx context.Context) (bool, error) {
		state, err := l.compute.Describe(ctx, handle)
		if err != nil {
			return false, retry.NewRecoverableError(err)
		}
		switch state {
		case InstanceStatusInService:
			return true, nil
		case InstanceStatusFailed:
			return true, retry.NewNonRecoverableError(fmt.Errorf("compute host %s failed to start", handle))
		default:
			return false, nil
		}
	})
}

// runnerInvocation builds the executor command line: positional arguments
// are input notebook path, output notebook path, execution ID, bucket,
// status object key, notebook source key, and output key.
func (l *Launcher) runnerInvocation(executionID, fileName string) []string {
	return []string{
		l.runnerCommand,
		"/tmp/" + fileName,
		"/tmp/output_" + fileName,
		executionID,
		l.bucket,
		StatusKey(executionID),
		NotebookKey(executionID, fileName),
		OutputNotebookKey(executionID, fileName),
	}
}

// renderRunnerScript produces the lifecycle script placed alongside the
// notebook, for platforms that boot hosts from a script object.
func (l *Launcher) renderRunnerScript(executionID, fileName string) []byte {
	script := fmt.Sprintf(`#!/bin/sh
set -eu
export %s=%s
exec %s
`, ExecutionIDEnvVar, executionID, shellJoin(l.runnerInvocation(executionID, fileName)))
	return []byte(script)
}

func (l *Launcher) storageURI(key string) string {
	if l.bucket == "" {
		return key
	}
	return fmt.Sprintf("s3://%s/%s", l.bucket, key)
}

func shellJoin(args []string) string {
	out := ""
	for i, arg := range args {
		if i > 0 {
			out += " "
		}
		out += "'" + arg + "'"
	}
	return out
}
