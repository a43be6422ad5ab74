package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/kiln-ci/kiln/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for kiln containers
	DefaultNamespace = "kiln"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultImage runs the submitted project's test suite
	DefaultImage = "docker.io/library/python:3.12-slim"

	// DefaultTestCommand installs the project's declared dependencies and
	// runs its tests with verbose output on stdout. The process exit code
	// decides job success.
	DefaultTestCommand = "pip install -q -r requirements.txt && python -m pytest -v"

	// labelJobID marks containers owned by this deployment and carries the
	// job they execute
	labelJobID = "io.kiln.job-id"

	// workspacePath is where the extracted project tree is mounted
	workspacePath = "/workspace"
)

// Config holds containerd runtime configuration
type Config struct {
	SocketPath string
	Namespace  string

	// NamePrefix partitions container names so multiple deployments can
	// share one containerd instance.
	NamePrefix string

	// LogDir receives one log file per container
	LogDir string

	Image       string
	TestCommand string
}

// ContainerdRuntime implements Runtime using containerd
type ContainerdRuntime struct {
	client      *containerd.Client
	namespace   string
	namePrefix  string
	logDir      string
	image       string
	testCommand string
}

// NewContainerdRuntime creates a new containerd-backed runtime
func NewContainerdRuntime(cfg Config) (*ContainerdRuntime, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.TestCommand == "" {
		cfg.TestCommand = DefaultTestCommand
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:      client,
		namespace:   cfg.Namespace,
		namePrefix:  cfg.NamePrefix,
		logDir:      cfg.LogDir,
		image:       cfg.Image,
		testCommand: cfg.TestCommand,
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// containerName is a deterministic function of (prefix, job id)
func (r *ContainerdRuntime) containerName(jobID string) string {
	return r.namePrefix + jobID
}

// LogPath returns the container's log file path
func (r *ContainerdRuntime) LogPath(jobID string) string {
	return filepath.Join(r.logDir, r.containerName(jobID)+".log")
}

// CreateContainer creates (but does not start) the test container for a job
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, r.image)
	if err != nil {
		// Image not present locally; pull it
		image, err = r.client.Pull(ctx, r.image, containerd.WithPullUnpack)
		if err != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", r.image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessCwd(workspacePath),
		oci.WithProcessArgs("sh", "-c", r.testCommand),
		oci.WithMounts([]specs.Mount{
			{
				Source:      spec.WorkspaceDir,
				Destination: workspacePath,
				Type:        "bind",
				Options:     []string{"ro", "rbind"},
			},
		}),
	}

	name := r.containerName(spec.JobID)
	container, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(map[string]string{labelJobID: spec.JobID}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// StartContainer starts the container's task with its output appended to
// the container log file
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	jobID := strings.TrimPrefix(containerID, r.namePrefix)
	task, err := container.NewTask(ctx, cio.LogFile(r.LogPath(jobID)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// InspectContainer returns the current observation for a job's container,
// or ErrNoContainer if none exists
func (r *ContainerdRuntime) InspectContainer(ctx context.Context, jobID string) (*ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, r.containerName(jobID))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNoContainer)
	}

	return r.inspect(ctx, container, jobID)
}

func (r *ContainerdRuntime) inspect(ctx context.Context, container containerd.Container, jobID string) (*ContainerInfo, error) {
	info := &ContainerInfo{
		ContainerID: container.ID(),
		JobID:       jobID,
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container was created but never started
		info.State = StateCreated
		return info, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		info.State = StateRunning
	case containerd.Stopped:
		info.State = StateExited
		info.ExitCode = status.ExitStatus
	case containerd.Created:
		info.State = StateCreated
	default:
		info.State = StateUnknown
	}

	return info, nil
}

// RemoveContainer stops and deletes a job's container, its snapshot, and
// its log file. Removing an absent container is not an error.
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, jobID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	name := r.containerName(jobID)
	container, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		return nil
	}

	if err := r.stopTask(ctx, container); err != nil {
		logger := log.WithComponent("runtime")
		logger.Warn().Err(err).
			Str("container", name).Msg("failed to stop task before removal")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	if err := os.Remove(r.LogPath(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove log file: %w", err)
	}

	return nil
}

// stopTask terminates a container's task if one exists: SIGTERM, then
// SIGKILL after a grace period
func (r *ContainerdRuntime) stopTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	status, err := task.Status(ctx)
	if err == nil && status.Status == containerd.Running {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to kill task: %w", err)
		}

		statusC, err := task.Wait(stopCtx)
		if err != nil {
			return fmt.Errorf("failed to wait for task: %w", err)
		}

		select {
		case <-statusC:
		case <-stopCtx.Done():
			if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
				return fmt.Errorf("failed to force kill task: %w", err)
			}
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// ListCIContainers returns observations for every container this deployment
// owns, identified by the job label and name prefix
func (r *ContainerdRuntime) ListCIContainers(ctx context.Context) ([]*ContainerInfo, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx, fmt.Sprintf(`labels.%q`, labelJobID))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]*ContainerInfo, 0, len(containers))
	for _, c := range containers {
		if !strings.HasPrefix(c.ID(), r.namePrefix) {
			continue
		}
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		jobID := labels[labelJobID]
		if jobID == "" {
			continue
		}
		info, err := r.inspect(ctx, c, jobID)
		if err != nil {
			// Container vanished between listing and inspection
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}
