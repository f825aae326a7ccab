package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/nbexec"
	"github.com/deepnoodle-ai/nbexec/notebook"
)

func notebookJSON(sources ...string) []byte {
	cells := make([]map[string]any, 0, len(sources))
	for _, source := range sources {
		cells = append(cells, map[string]any{
			"cell_type": "code",
			"source":    source,
			"metadata":  map[string]any{},
		})
	}
	data, err := json.Marshal(map[string]any{
		"cells": cells, "metadata": map[string]any{}, "nbformat": 4, "nbformat_minor": 5,
	})
	if err != nil {
		panic(err)
	}
	return data
}

type testEnv struct {
	server  *Server
	objects nbexec.ObjectStore
	status  *nbexec.StatusStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	objects := nbexec.NewMemoryObjectStore()
	status := nbexec.NewStatusStore(objects)

	runtime := nbexec.RuntimeFunc(func(ctx context.Context, index int, source string) ([]*notebook.Output, error) {
		return []*notebook.Output{notebook.NewStreamOutput("stdout", source+"\n")}, nil
	})
	compute, err := nbexec.NewLocalComputeClient(nbexec.LocalComputeClientOptions{
		Objects:     objects,
		Status:      status,
		Runtime:     runtime,
		GracePeriod: time.Millisecond,
	})
	require.NoError(t, err)

	launcher, err := nbexec.NewLauncher(nbexec.LauncherOptions{
		Objects:      objects,
		Status:       status,
		Compute:      compute,
		Bucket:       "test",
		PollInterval: time.Millisecond,
		StartTimeout: time.Second,
	})
	require.NoError(t, err)

	poller, err := nbexec.NewPoller(nbexec.PollerOptions{
		Status:   status,
		Objects:  objects,
		Interval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	srv, err := New(Options{Launcher: launcher, Poller: poller})
	require.NoError(t, err)
	return &testEnv{server: srv, objects: objects, status: status}
}

func multipartNotebook(t *testing.T, fileName string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("notebook", fileName)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestSubmitEndpoint(t *testing.T) {
	t.Run("accepts a notebook and runs it", func(t *testing.T) {
		env := newTestEnv(t)
		body, contentType := multipartNotebook(t, "demo.ipynb", notebookJSON("a", "b"), nil)

		req := httptest.NewRequest(http.MethodPost, "/api/executions", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var submission nbexec.Submission
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&submission))
		require.NotEmpty(t, submission.ExecutionID)
		require.NotEmpty(t, submission.InstanceHandle)

		// The status endpoint eventually reports completion.
		require.Eventually(t, func() bool {
			statusReq := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/executions/%s/status", submission.ExecutionID), nil)
			statusRec := httptest.NewRecorder()
			env.server.Router().ServeHTTP(statusRec, statusReq)
			if statusRec.Code != http.StatusOK {
				return false
			}
			var record nbexec.StatusRecord
			if err := json.NewDecoder(statusRec.Body).Decode(&record); err != nil {
				return false
			}
			return record.Status == nbexec.StatusCompleted && record.Progress == 100
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("upload-only submissions skip the host", func(t *testing.T) {
		env := newTestEnv(t)
		body, contentType := multipartNotebook(t, "demo.ipynb", notebookJSON("a"), map[string]string{"autoExecute": "false"})

		req := httptest.NewRequest(http.MethodPost, "/api/executions", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var submission nbexec.Submission
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&submission))
		require.Empty(t, submission.InstanceHandle)
	})

	t.Run("missing file field is a 400", func(t *testing.T) {
		env := newTestEnv(t)
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		require.NoError(t, writer.WriteField("notebook_name", "x"))
		require.NoError(t, writer.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/executions", body)
		req.Header.Set("Content-Type", writer.FormDataContentType())
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid notebook is a 400", func(t *testing.T) {
		env := newTestEnv(t)
		body, contentType := multipartNotebook(t, "bad.ipynb", []byte("{nope"), nil)

		req := httptest.NewRequest(http.MethodPost, "/api/executions", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var errResp map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
		require.NotEmpty(t, errResp["error"])
	})
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("unknown executions read as pending", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/executions/exec_ghost/status", nil)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var record nbexec.StatusRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
		require.Equal(t, nbexec.StatusPending, record.Status)
	})
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	key := nbexec.ExecutionLogKey("exec_1")
	require.NoError(t, env.objects.Put(ctx, key, []byte("hello world")))

	get := func(t *testing.T, url string) (int, logRangeResponse) {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, url, nil)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		var resp logRangeResponse
		if rec.Code == http.StatusOK {
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		}
		return rec.Code, resp
	}

	t.Run("reads from the start by default", func(t *testing.T) {
		code, resp := get(t, "/api/executions/exec_1/logs")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "hello world", resp.Content)
		require.Equal(t, int64(11), resp.NextOffset)
	})

	t.Run("resumes from an offset", func(t *testing.T) {
		code, resp := get(t, "/api/executions/exec_1/logs?offset=6")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, "world", resp.Content)
	})

	t.Run("offset past the end returns empty content", func(t *testing.T) {
		code, resp := get(t, "/api/executions/exec_1/logs?offset=99")
		require.Equal(t, http.StatusOK, code)
		require.Empty(t, resp.Content)
		require.Equal(t, int64(99), resp.NextOffset)
	})

	t.Run("log not written yet is empty, not an error", func(t *testing.T) {
		code, resp := get(t, "/api/executions/exec_nolog/logs")
		require.Equal(t, http.StatusOK, code)
		require.Empty(t, resp.Content)
		require.Equal(t, int64(0), resp.NextOffset)
	})

	t.Run("malformed offset is a 400", func(t *testing.T) {
		code, _ := get(t, "/api/executions/exec_1/logs?offset=abc")
		require.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("offset with trailing garbage is a 400", func(t *testing.T) {
		code, _ := get(t, "/api/executions/exec_1/logs?offset=12abc")
		require.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("negative offset is a 400", func(t *testing.T) {
		code, _ := get(t, "/api/executions/exec_1/logs?offset=-1")
		require.Equal(t, http.StatusBadRequest, code)
	})
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	record := nbexec.NewPendingRecord("exec_done", "", "")
	record.Status = nbexec.StatusCompleted
	record.CellsTotal = 1
	record.CellsCompleted = 1
	record.Progress = 100
	require.NoError(t, env.status.Put(ctx, record))
	require.NoError(t, env.objects.Put(ctx, nbexec.ExecutionLogKey("exec_done"), []byte("line one\nline two\n")))

	req := httptest.NewRequest(http.MethodGet, "/api/executions/exec_done/events", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "event: info")
	require.Contains(t, text, "event: status")
	require.Contains(t, text, `"status":"COMPLETED"`)
	require.Contains(t, text, "event: log")
	require.Contains(t, text, "data: line one")
	require.Contains(t, text, "data: line two")
	require.Contains(t, text, "event: complete")
}

func TestDeleteEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("cleans up a tracked host", func(t *testing.T) {
		body, contentType := multipartNotebook(t, "demo.ipynb", notebookJSON("a"), nil)
		req := httptest.NewRequest(http.MethodPost, "/api/executions", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var submission nbexec.Submission
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&submission))

		delReq := httptest.NewRequest(http.MethodDelete, "/api/executions/"+submission.ExecutionID, nil)
		delRec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(delRec, delReq)
		require.Equal(t, http.StatusNoContent, delRec.Code)

		// A second delete finds nothing to clean up.
		delRec = httptest.NewRecorder()
		env.server.Router().ServeHTTP(delRec, httptest.NewRequest(http.MethodDelete, "/api/executions/"+submission.ExecutionID, nil))
		require.Equal(t, http.StatusNotFound, delRec.Code)
	})

	t.Run("unknown execution is a 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/executions/exec_ghost", nil)
		rec := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}
