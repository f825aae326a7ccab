package nbexec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultShutdownGracePeriod bounds (but does not guarantee) completion of
// in-flight diagnostic uploads before the host stop request is issued.
const DefaultShutdownGracePeriod = 5 * time.Second

// InstanceIDEnvVar is the environment variable the launcher injects so the
// executor can identify its own host.
const InstanceIDEnvVar = "NBEXEC_INSTANCE_ID"

// ShutdownMarker is the persisted explanation for why a compute host was
// terminated. Written at most once per execution, only on a fatal path; its
// presence is itself the signal, independent of the terminal status record.
type ShutdownMarker struct {
	ExecutionID string    `json:"executionId"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// ShutdownCoordinatorOptions configures a ShutdownCoordinator.
type ShutdownCoordinatorOptions struct {
	Objects ObjectStore
	Compute ComputeClient
	Logger  *slog.Logger

	// GracePeriod to wait between marker writes and the stop request.
	// Defaults to DefaultShutdownGracePeriod.
	GracePeriod time.Duration

	// LocalMarkerPath is where the host-visible marker file is written, for
	// co-located processes (a wrapping shell script) to pick up without
	// re-reading remote storage. Empty disables the local marker.
	LocalMarkerPath string

	// InstanceID identifies the host to stop. When empty, the coordinator
	// reads InstanceIDEnvVar and then falls back to ResolveInstanceID.
	InstanceID string

	// ResolveInstanceID is the host-metadata fallback lookup.
	ResolveInstanceID func(ctx context.Context) (string, error)
}

// ShutdownCoordinator stops the compute host after a fatal error, after
// giving diagnostic writes a bounded chance to become durable. Diagnostic
// failures never prevent the stop request: leaving the host running
// indefinitely costs more than losing a marker, at the documented risk of
// partial diagnostics.
type ShutdownCoordinator struct {
	objects           ObjectStore
	compute           ComputeClient
	logger            *slog.Logger
	gracePeriod       time.Duration
	localMarkerPath   string
	instanceID        string
	resolveInstanceID func(ctx context.Context) (string, error)

	mutex    sync.Mutex
	shutDown bool
}

// NewShutdownCoordinator creates a shutdown coordinator.
func NewShutdownCoordinator(opts ShutdownCoordinatorOptions) (*ShutdownCoordinator, error) {
	if opts.Objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.Compute == nil {
		return nil, fmt.Errorf("compute client is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultShutdownGracePeriod
	}
	return &ShutdownCoordinator{
		objects:           opts.Objects,
		compute:           opts.Compute,
		logger:            opts.Logger,
		gracePeriod:       opts.GracePeriod,
		localMarkerPath:   opts.LocalMarkerPath,
		instanceID:        opts.InstanceID,
		resolveInstanceID: opts.ResolveInstanceID,
	}, nil
}

// Shutdown writes the shutdown marker (remote and local), waits the grace
// period, and requests termination of the compute host. Invoking it more
// than once for the same coordinator is a no-op after the first call, so
// multiple failure paths cannot double-write the marker or double-stop the
// host.
func (c *ShutdownCoordinator) Shutdown(ctx context.Context, executionID, reason string) error {
	c.mutex.Lock()
	if c.shutDown {
		c.mutex.Unlock()
		c.logger.Info("shutdown already requested", "execution_id", executionID)
		return nil
	}
	c.shutDown = true
	c.mutex.Unlock()

	logger := c.logger.With("execution_id", executionID)
	logger.Info("initiating host shutdown", "reason", reason)

	marker := &ShutdownMarker{
		ExecutionID: executionID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	if err := c.writeMarker(ctx, marker); err != nil {
		logger.Error("failed to write shutdown marker", "error", err)
	}
	if err := c.writeLocalMarker(marker); err != nil {
		logger.Error("failed to write local shutdown marker", "error", err)
	}

	// Bound, without guaranteeing, completion of concurrent log and status
	// uploads before the host goes away.
	select {
	case <-time.After(c.gracePeriod):
	case <-ctx.Done():
	}

	instanceID, err := c.instanceHandle(ctx)
	if err != nil {
		logger.Error("cannot resolve host instance for shutdown", "error", err)
		return fmt.Errorf("failed to resolve host instance: %w", err)
	}
	if err := c.compute.Stop(ctx, instanceID); err != nil {
		// Distinct from diagnostic-write failures: nothing else can force
		// shutdown, so this is terminal for the coordinator.
		logger.Error("host stop request failed", "instance_id", instanceID, "error", err)
		return fmt.Errorf("failed to stop host %s: %w", instanceID, err)
	}
	logger.Info("host stop requested", "instance_id", instanceID)
	return nil
}

// writeMarker writes the remote marker with a write-if-absent guard: the
// marker is written at most once per execution even across processes.
func (c *ShutdownCoordinator) writeMarker(ctx context.Context, marker *ShutdownMarker) error {
	key := ShutdownMarkerKey(marker.ExecutionID)
	exists, err := c.objects.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check shutdown marker: %w", err)
	}
	if exists {
		return nil
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal shutdown marker: %w", err)
	}
	if err := c.objects.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write shutdown marker: %w", err)
	}
	return nil
}

func (c *ShutdownCoordinator) writeLocalMarker(marker *ShutdownMarker) error {
	if c.localMarkerPath == "" {
		return nil
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to marshal local shutdown marker: %w", err)
	}
	if err := os.WriteFile(c.localMarkerPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.localMarkerPath, err)
	}
	return nil
}

func (c *ShutdownCoordinator) instanceHandle(ctx context.Context) (string, error) {
	if c.instanceID != "" {
		return c.instanceID, nil
	}
	if id := os.Getenv(InstanceIDEnvVar); id != "" {
		return id, nil
	}
	if c.resolveInstanceID != nil {
		id, err := c.resolveInstanceID(ctx)
		if err != nil {
			return "", fmt.Errorf("metadata lookup failed: %w", err)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no instance id available: set %s or provide a resolver", InstanceIDEnvVar)
}

// ReadLocalMarker loads a marker file written by writeLocalMarker. Used by
// co-located watchdog processes to learn why the host is going down.
func ReadLocalMarker(path string) (*ShutdownMarker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var marker ShutdownMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to parse shutdown marker: %w", err)
	}
	return &marker, nil
}
