package nbexec

import "context"

// InstanceStatus is the lifecycle state of a compute host as reported by the
// compute platform.
type InstanceStatus string

const (
	InstanceStatusCreating  InstanceStatus = "Creating"
	InstanceStatusInService InstanceStatus = "InService"
	InstanceStatusStopping  InstanceStatus = "Stopping"
	InstanceStatusStopped   InstanceStatus = "Stopped"
	InstanceStatusFailed    InstanceStatus = "Failed"
	InstanceStatusDeleting  InstanceStatus = "Deleting"
)

// InstanceConfig describes the compute host to create for one execution.
type InstanceConfig struct {
	// Name identifies the host; derived from the execution ID.
	Name string

	// InstanceType is an opaque platform-specific size/shape token.
	InstanceType string

	// Command is the executor invocation to run on start.
	Command []string

	// Environment is injected into the host before Command runs.
	Environment map[string]string
}

// ComputeClient is the external compute-platform collaborator: a VM-like
// resource that can run a start command. The launcher creates hosts, the
// shutdown coordinator stops them; neither assumes any particular vendor.
type ComputeClient interface {
	// CreateAndStart provisions a host and begins running the configured
	// command. Returns an opaque handle for the host.
	CreateAndStart(ctx context.Context, config InstanceConfig) (string, error)

	// Describe reports the host's lifecycle state.
	Describe(ctx context.Context, handle string) (InstanceStatus, error)

	// Stop halts the host. Idempotent for already-stopped hosts.
	Stop(ctx context.Context, handle string) error

	// Delete tears the host down.
	Delete(ctx context.Context, handle string) error
}
