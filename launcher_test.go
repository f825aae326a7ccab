package nbexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLauncher(t *testing.T, objects ObjectStore, status *StatusStore, compute ComputeClient) *Launcher {
	t.Helper()
	l, err := NewLauncher(LauncherOptions{
		Objects:      objects,
		Status:       status,
		Compute:      compute,
		Bucket:       "nb-bucket",
		PollInterval: time.Millisecond,
		StartTimeout: time.Second,
	})
	require.NoError(t, err)
	return l
}

func TestLauncherSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads artifacts and starts a host", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		status := NewStatusStore(objects)
		compute := &fakeCompute{}
		launcher := newTestLauncher(t, objects, status, compute)

		submission, err := launcher.Submit(ctx, testNotebook("a = 1"), "analysis.ipynb", true)
		require.NoError(t, err)
		require.NotEmpty(t, submission.ExecutionID)
		require.NotEmpty(t, submission.InstanceHandle)
		require.Equal(t, "s3://nb-bucket/"+NotebookKey(submission.ExecutionID, "analysis.ipynb"), submission.SourcePath)

		// Notebook and runner script land at deterministic keys.
		_, err = objects.Get(ctx, NotebookKey(submission.ExecutionID, "analysis.ipynb"))
		require.NoError(t, err)
		script, err := objects.Get(ctx, RunnerScriptKey(submission.ExecutionID))
		require.NoError(t, err)
		require.Contains(t, string(script), submission.ExecutionID)
		require.Contains(t, string(script), "#!/bin/sh")

		// Initial record is PENDING with both paths set.
		record, err := status.Get(ctx, submission.ExecutionID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, record.Status)
		require.Equal(t, submission.SourcePath, record.NotebookPath)
		require.Contains(t, record.OutputPath, "output_analysis.ipynb")

		// The host was configured with the runner invocation.
		require.Len(t, compute.created, 1)
		config := compute.created[0]
		require.Equal(t, submission.ExecutionID, config.Environment[ExecutionIDEnvVar])
		require.Contains(t, strings.Join(config.Command, " "), StatusKey(submission.ExecutionID))
	})

	t.Run("upload without execution", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		status := NewStatusStore(objects)
		compute := &fakeCompute{}
		launcher := newTestLauncher(t, objects, status, compute)

		submission, err := launcher.Submit(ctx, testNotebook("a = 1"), "nb.ipynb", false)
		require.NoError(t, err)
		require.Empty(t, submission.InstanceHandle)
		require.Empty(t, compute.created)

		record, err := status.Get(ctx, submission.ExecutionID)
		require.NoError(t, err)
		require.Equal(t, StatusPending, record.Status)
	})

	t.Run("unparseable notebook is rejected synchronously", func(t *testing.T) {
		launcher := newTestLauncher(t, NewMemoryObjectStore(), NewStatusStore(NewMemoryObjectStore()), &fakeCompute{})

		_, err := launcher.Submit(ctx, []byte("{broken"), "nb.ipynb", true)
		require.Error(t, err)
		require.True(t, IsSubmissionError(err))
	})

	t.Run("empty notebook bytes are rejected", func(t *testing.T) {
		launcher := newTestLauncher(t, NewMemoryObjectStore(), NewStatusStore(NewMemoryObjectStore()), &fakeCompute{})

		_, err := launcher.Submit(ctx, nil, "nb.ipynb", true)
		require.Error(t, err)
		require.True(t, IsSubmissionError(err))
	})

	t.Run("host creation failure surfaces as a submission error", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		compute := &fakeCompute{createErr: errors.New("quota exceeded")}
		launcher := newTestLauncher(t, objects, NewStatusStore(objects), compute)

		_, err := launcher.Submit(ctx, testNotebook("a = 1"), "nb.ipynb", true)
		require.Error(t, err)
		require.True(t, IsSubmissionError(err))
		require.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("host that fails to start surfaces as a submission error", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		compute := &fakeCompute{describes: []InstanceStatus{InstanceStatusCreating, InstanceStatusFailed}}
		launcher := newTestLauncher(t, objects, NewStatusStore(objects), compute)

		_, err := launcher.Submit(ctx, testNotebook("a = 1"), "nb.ipynb", true)
		require.Error(t, err)
		require.True(t, IsSubmissionError(err))
		require.Contains(t, err.Error(), "failed to start")
	})

	t.Run("waits through creating to in-service", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		compute := &fakeCompute{describes: []InstanceStatus{
			InstanceStatusCreating, InstanceStatusCreating, InstanceStatusInService,
		}}
		launcher := newTestLauncher(t, objects, NewStatusStore(objects), compute)

		submission, err := launcher.Submit(ctx, testNotebook("a = 1"), "nb.ipynb", true)
		require.NoError(t, err)
		require.NotEmpty(t, submission.InstanceHandle)
	})

	t.Run("file names are reduced to their base", func(t *testing.T) {
		objects := NewMemoryObjectStore()
		launcher := newTestLauncher(t, objects, NewStatusStore(objects), &fakeCompute{})

		submission, err := launcher.Submit(ctx, testNotebook("a = 1"), "some/dir/nb.ipynb", false)
		require.NoError(t, err)
		_, err = objects.Get(ctx, NotebookKey(submission.ExecutionID, "nb.ipynb"))
		require.NoError(t, err)
	})
}

func TestLauncherCleanup(t *testing.T) {
	ctx := context.Background()
	objects := NewMemoryObjectStore()
	compute := &fakeCompute{}
	launcher := newTestLauncher(t, objects, NewStatusStore(objects), compute)

	t.Run("stops and deletes the host", func(t *testing.T) {
		require.NoError(t, launcher.Cleanup(ctx, "instance-x"))
		require.Equal(t, []string{"instance-x"}, compute.stopped)
		require.Equal(t, []string{"instance-x"}, compute.deleted)
	})

	t.Run("stop failure still attempts the delete", func(t *testing.T) {
		failing := &fakeCompute{stopErr: errors.New("already stopped")}
		l := newTestLauncher(t, objects, NewStatusStore(objects), failing)
		require.NoError(t, l.Cleanup(ctx, "instance-y"))
		require.Equal(t, []string{"instance-y"}, failing.deleted)
	})

	t.Run("empty handle is rejected", func(t *testing.T) {
		require.Error(t, launcher.Cleanup(ctx, ""))
	})
}
