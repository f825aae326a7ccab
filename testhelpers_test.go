package nbexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/nbexec/notebook"
)

// testNotebook builds a minimal ipynb document with one code cell per source.
func testNotebook(sources ...string) []byte {
	nb := map[string]any{
		"cells":          []any{},
		"metadata":       map[string]any{},
		"nbformat":       4,
		"nbformat_minor": 5,
	}
	cells := make([]any, 0, len(sources))
	for _, source := range sources {
		cells = append(cells, map[string]any{
			"cell_type": "code",
			"source":    source,
			"metadata":  map[string]any{},
		})
	}
	nb["cells"] = cells
	data, err := json.Marshal(nb)
	if err != nil {
		panic(err)
	}
	return data
}

// echoRuntime succeeds every cell with a stream output of its source.
type echoRuntime struct{}

func (echoRuntime) ExecuteCell(ctx context.Context, index int, source string) ([]*notebook.Output, error) {
	return []*notebook.Output{notebook.NewStreamOutput("stdout", source+"\n")}, nil
}

// failAtRuntime fails the cell at the configured notebook index with an error
// output and stderr, succeeding all others.
type failAtRuntime struct {
	index int
}

func (r failAtRuntime) ExecuteCell(ctx context.Context, index int, source string) ([]*notebook.Output, error) {
	if index != r.index {
		return []*notebook.Output{notebook.NewStreamOutput("stdout", "ok\n")}, nil
	}
	outputs := []*notebook.Output{
		notebook.NewErrorOutput("ZeroDivisionError", "division by zero", []string{"Traceback:", "  cell line 1"}),
		notebook.NewStreamOutput("stderr", "something went wrong\n"),
	}
	return outputs, fmt.Errorf("division by zero")
}

// fakeCompute records lifecycle calls and reports a fixed describe sequence.
type fakeCompute struct {
	mutex     sync.Mutex
	created   []InstanceConfig
	stopped   []string
	deleted   []string
	describes []InstanceStatus

	createErr error
	stopErr   error
}

func (c *fakeCompute) CreateAndStart(ctx context.Context, config InstanceConfig) (string, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	c.created = append(c.created, config)
	return "instance-" + config.Name, nil
}

func (c *fakeCompute) Describe(ctx context.Context, handle string) (InstanceStatus, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.describes) == 0 {
		return InstanceStatusInService, nil
	}
	next := c.describes[0]
	if len(c.describes) > 1 {
		c.describes = c.describes[1:]
	}
	return next, nil
}

func (c *fakeCompute) Stop(ctx context.Context, handle string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.stopErr != nil {
		return c.stopErr
	}
	c.stopped = append(c.stopped, handle)
	return nil
}

func (c *fakeCompute) Delete(ctx context.Context, handle string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.deleted = append(c.deleted, handle)
	return nil
}

func (c *fakeCompute) stopCalls() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.stopped...)
}

// flakyStore wraps an ObjectStore and fails writes to selected keys.
type flakyStore struct {
	ObjectStore
	failPuts map[string]error
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	if err, ok := s.failPuts[key]; ok {
		return err
	}
	return s.ObjectStore.Put(ctx, key, data)
}
