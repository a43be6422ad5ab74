package runtime

import (
	"context"
	"errors"
)

// ErrNoContainer is returned by InspectContainer when no container exists
// for the job.
var ErrNoContainer = errors.New("no container for job")

// ContainerState is the observed state of a job container
type ContainerState string

const (
	// StateCreated means the container exists but its task never started
	StateCreated ContainerState = "created"

	// StateRunning means the container task is executing
	StateRunning ContainerState = "running"

	// StateExited means the container task finished; ExitCode is valid
	StateExited ContainerState = "exited"

	// StateUnknown covers transitional runtime states (pausing, removing)
	StateUnknown ContainerState = "unknown"
)

// ContainerInfo is a point-in-time observation of a job container
type ContainerInfo struct {
	ContainerID string
	JobID       string
	State       ContainerState
	ExitCode    uint32
}

// CreateSpec describes the container to create for a job
type CreateSpec struct {
	JobID string

	// WorkspaceDir is the extracted project tree. It is bind-mounted
	// read-only at /workspace inside the container and must outlive the
	// container.
	WorkspaceDir string
}

// Runtime is the container runtime capability consumed by the controller
// and the API's log streaming. ContainerdRuntime is the production
// implementation; tests substitute a fake.
type Runtime interface {
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, jobID string) (*ContainerInfo, error)
	RemoveContainer(ctx context.Context, jobID string) error
	ListCIContainers(ctx context.Context) ([]*ContainerInfo, error)

	// LogPath returns the path of the container's combined stdout/stderr
	// log file. The file appears when the container starts and is removed
	// with the container.
	LogPath(jobID string) string

	Close() error
}
