package nbexec

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/nbexec/notebook"
	"github.com/deepnoodle-ai/nbexec/script"
)

// CellRuntime executes one notebook code cell synchronously and returns the
// outputs it emitted. Implementations must return the cell's error outputs
// alongside a non-nil error when the cell raises, so the executor can scan
// them for structured failure context.
type CellRuntime interface {
	ExecuteCell(ctx context.Context, index int, source string) ([]*notebook.Output, error)
}

// RuntimeFunc adapts a function to the CellRuntime interface.
type RuntimeFunc func(ctx context.Context, index int, source string) ([]*notebook.Output, error)

func (f RuntimeFunc) ExecuteCell(ctx context.Context, index int, source string) ([]*notebook.Output, error) {
	return f(ctx, index, source)
}

// ScriptCellRuntime executes cells through a script.Compiler, giving tests
// and local mode a real in-process runtime. Each cell compiles and evaluates
// independently; the runtime tracks execution counts across the cells of one
// execution.
type ScriptCellRuntime struct {
	compiler  script.Compiler
	execCount int
}

// NewScriptCellRuntime returns a runtime backed by the given compiler. A nil
// compiler defaults to the Risor engine with builtin globals.
func NewScriptCellRuntime(compiler script.Compiler) *ScriptCellRuntime {
	if compiler == nil {
		compiler = script.NewRisorScriptingEngine(script.DefaultGlobals())
	}
	return &ScriptCellRuntime{compiler: compiler}
}

func (r *ScriptCellRuntime) ExecuteCell(ctx context.Context, index int, source string) ([]*notebook.Output, error) {
	compiled, err := r.compiler.Compile(ctx, source)
	if err != nil {
		compileErr := fmt.Errorf("cell %d failed to compile: %w", index, err)
		outputs := []*notebook.Output{
			notebook.NewErrorOutput("SyntaxError", err.Error(), []string{compileErr.Error()}),
		}
		return outputs, compileErr
	}

	r.execCount++
	value, err := compiled.Evaluate(ctx, nil)
	if err != nil {
		evalErr := fmt.Errorf("cell %d raised: %w", index, err)
		outputs := []*notebook.Output{
			notebook.NewErrorOutput("RuntimeError", err.Error(), []string{evalErr.Error()}),
		}
		return outputs, evalErr
	}

	if value == nil || value.IsNil() {
		return nil, nil
	}
	return []*notebook.Output{notebook.NewExecuteResult(r.execCount, value.String())}, nil
}
