package nbexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/nbexec/notebook"
)

func TestScriptCellRuntime(t *testing.T) {
	ctx := context.Background()

	t.Run("expression result becomes an execute_result output", func(t *testing.T) {
		runtime := NewScriptCellRuntime(nil)
		outputs, err := runtime.ExecuteCell(ctx, 0, "1 + 2")
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		require.Equal(t, notebook.OutputTypeExecuteResult, outputs[0].OutputType)
		require.Equal(t, "3", outputs[0].Text.String())
		require.Equal(t, 1, *outputs[0].ExecutionCount)
	})

	t.Run("execution counts advance per executed cell", func(t *testing.T) {
		runtime := NewScriptCellRuntime(nil)
		_, err := runtime.ExecuteCell(ctx, 0, "10 * 10")
		require.NoError(t, err)

		outputs, err := runtime.ExecuteCell(ctx, 1, "40 + 2")
		require.NoError(t, err)
		require.Len(t, outputs, 1)
		require.Equal(t, 2, *outputs[0].ExecutionCount)
	})

	t.Run("compile failure yields an error output and an error", func(t *testing.T) {
		runtime := NewScriptCellRuntime(nil)
		outputs, err := runtime.ExecuteCell(ctx, 3, "((((")
		require.Error(t, err)
		require.Contains(t, err.Error(), "cell 3")
		require.Len(t, outputs, 1)
		require.Equal(t, notebook.OutputTypeError, outputs[0].OutputType)
		require.Equal(t, "SyntaxError", outputs[0].EName)
	})

	t.Run("runtime failure yields an error output and an error", func(t *testing.T) {
		runtime := NewScriptCellRuntime(nil)
		outputs, err := runtime.ExecuteCell(ctx, 4, `error("boom")`)
		require.Error(t, err)
		require.Len(t, outputs, 1)
		require.Equal(t, notebook.OutputTypeError, outputs[0].OutputType)
		require.Equal(t, "RuntimeError", outputs[0].EName)
	})
}

func TestRuntimeFunc(t *testing.T) {
	called := false
	runtime := RuntimeFunc(func(ctx context.Context, index int, source string) ([]*notebook.Output, error) {
		called = true
		require.Equal(t, 7, index)
		require.Equal(t, "src", source)
		return nil, nil
	})
	_, err := runtime.ExecuteCell(context.Background(), 7, "src")
	require.NoError(t, err)
	require.True(t, called)
}
