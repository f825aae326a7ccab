package nbexec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
)

// LocalComputeClientOptions configures a LocalComputeClient.
type LocalComputeClientOptions struct {
	Objects ObjectStore
	Status  *StatusStore
	Logger  *slog.Logger

	// Runtime used for cell execution. Defaults to the script runtime.
	Runtime CellRuntime

	// GracePeriod passed to each execution's shutdown coordinator. Local
	// hosts are goroutines, so the default is short.
	GracePeriod time.Duration
}

// LocalComputeClient satisfies ComputeClient without any infrastructure:
// each "host" is a goroutine running a full executor against the shared
// object store. It gives the launcher and the HTTP service a complete local
// mode and gives tests a real end-to-end path.
type LocalComputeClient struct {
	objects     ObjectStore
	status      *StatusStore
	logger      *slog.Logger
	runtime     CellRuntime
	gracePeriod time.Duration

	mutex     sync.Mutex
	instances map[string]*localInstance
}

type localInstance struct {
	executionID string
	cancel      context.CancelFunc
	done        chan struct{}

	mutex  sync.Mutex
	status InstanceStatus
}

func (i *localInstance) setStatus(s InstanceStatus) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.status = s
}

func (i *localInstance) getStatus() InstanceStatus {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.status
}

// NewLocalComputeClient creates a local compute client.
func NewLocalComputeClient(opts LocalComputeClientOptions) (*LocalComputeClient, error) {
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Runtime == nil {
		opts.Runtime = NewScriptCellRuntime(nil)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 100 * time.Millisecond
	}
	return &LocalComputeClient{
		objects:     opts.Objects,
		status:      opts.Status,
		logger:      opts.Logger,
		runtime:     opts.Runtime,
		gracePeriod: opts.GracePeriod,
		instances:   make(map[string]*localInstance),
	}, nil
}

// CreateAndStart launches an execution goroutine for the config's execution
// ID and returns its handle.
func (c *LocalComputeClient) CreateAndStart(ctx context.Context, config InstanceConfig) (string, error) {
	executionID := config.Environment[ExecutionIDEnvVar]
	if executionID == "" {
		return "", fmt.Errorf("config is missing %s", ExecutionIDEnvVar)
	}

	sourceKey, err := c.findSourceNotebook(ctx, executionID)
	if err != nil {
		return "", err
	}

	handle := "local-" + config.Name
	runCtx, cancel := context.WithCancel(context.Background())
	instance := &localInstance{
		executionID: executionID,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      InstanceStatusInService,
	}

	c.mutex.Lock()
	if _, exists := c.instances[handle]; exists {
		c.mutex.Unlock()
		cancel()
		return "", fmt.Errorf("instance %s already exists", handle)
	}
	c.instances[handle] = instance
	c.mutex.Unlock()

	go c.run(runCtx, instance, handle, executionID, sourceKey)
	return handle, nil
}

// Describe returns the instance's current status.
func (c *LocalComputeClient) Describe(ctx context.Context, handle string) (InstanceStatus, error) {
	c.mutex.Lock()
	instance, ok := c.instances[handle]
	c.mutex.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown instance: %s", handle)
	}
	return instance.getStatus(), nil
}

// Stop cancels the execution goroutine and waits for it to exit.
func (c *LocalComputeClient) Stop(ctx context.Context, handle string) error {
	c.mutex.Lock()
	instance, ok := c.instances[handle]
	c.mutex.Unlock()
	if !ok {
		return fmt.Errorf("unknown instance: %s", handle)
	}
	instance.cancel()
	select {
	case <-instance.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Delete stops the instance if needed and forgets it.
func (c *LocalComputeClient) Delete(ctx context.Context, handle string) error {
	if err := c.Stop(ctx, handle); err != nil {
		return err
	}
	c.mutex.Lock()
	delete(c.instances, handle)
	c.mutex.Unlock()
	return nil
}

func (c *LocalComputeClient) run(ctx context.Context, instance *localInstance, handle, executionID, sourceKey string) {
	defer close(instance.done)
	defer instance.cancel()

	logger := c.logger.With("execution_id", executionID, "handle", handle)

	data, err := c.objects.Get(ctx, sourceKey)
	if err != nil {
		logger.Error("failed to fetch notebook", "key", sourceKey, "error", err)
		instance.setStatus(InstanceStatusFailed)
		return
	}

	// Paths for the status record come from the launcher's PENDING record
	// so local and remote runs render identical URIs.
	record, err := c.status.Get(ctx, executionID)
	if err != nil {
		logger.Error("failed to read initial status", "error", err)
		instance.setStatus(InstanceStatusFailed)
		return
	}

	shutdown, err := NewShutdownCoordinator(ShutdownCoordinatorOptions{
		Objects:     c.objects,
		Compute:     localHost{instance: instance},
		Logger:      logger,
		GracePeriod: c.gracePeriod,
		InstanceID:  handle,
	})
	if err != nil {
		logger.Error("failed to build shutdown coordinator", "error", err)
		instance.setStatus(InstanceStatusFailed)
		return
	}

	executor, err := NewExecutor(ExecutorOptions{
		ExecutionID:  executionID,
		Notebook:     data,
		FileName:     path.Base(sourceKey),
		NotebookPath: record.NotebookPath,
		OutputPath:   record.OutputPath,
		Runtime:      c.runtime,
		Status:       c.status,
		Objects:      c.objects,
		Shutdown:     shutdown,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build executor", "error", err)
		instance.setStatus(InstanceStatusFailed)
		return
	}

	if err := executor.Run(ctx); err != nil {
		logger.Error("execution failed", "error", err)
	}
	instance.setStatus(InstanceStatusStopped)
}

// findSourceNotebook locates the submitted notebook in the execution's
// namespace: the .ipynb object that is neither an output nor a partial.
func (c *LocalComputeClient) findSourceNotebook(ctx context.Context, executionID string) (string, error) {
	keys, err := c.objects.List(ctx, ExecutionPrefix(executionID)+"/")
	if err != nil {
		return "", fmt.Errorf("failed to list execution objects: %w", err)
	}
	for _, key := range keys {
		name := path.Base(key)
		if !strings.HasSuffix(name, ".ipynb") {
			continue
		}
		if strings.HasPrefix(name, "output_") || strings.HasPrefix(name, "partial_") {
			continue
		}
		return key, nil
	}
	return "", fmt.Errorf("no notebook found for execution %s", executionID)
}

// localHost is the shutdown coordinator's view of a goroutine-backed host.
// Stop only marks the instance; the run loop is already on its way out when
// the coordinator fires.
type localHost struct {
	instance *localInstance
}

func (h localHost) CreateAndStart(ctx context.Context, config InstanceConfig) (string, error) {
	return "", fmt.Errorf("local host handles cannot create instances")
}

func (h localHost) Describe(ctx context.Context, handle string) (InstanceStatus, error) {
	return h.instance.getStatus(), nil
}

func (h localHost) Stop(ctx context.Context, handle string) error {
	h.instance.setStatus(InstanceStatusStopping)
	return nil
}

func (h localHost) Delete(ctx context.Context, handle string) error {
	return nil
}

var _ ComputeClient = (*LocalComputeClient)(nil)
var _ ComputeClient = localHost{}
