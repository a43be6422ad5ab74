/*
Package runtime executes CI jobs as containerd containers and exposes the
log-tailing primitive the API uses for streaming.

One job maps to at most one container. Containers carry a job-ID label and
a configurable name prefix, so several Kiln deployments can share a single
containerd instance without seeing each other's containers.

# Container Lifecycle

	CreateContainer      pull image if absent, new container with the
	                     job workspace bind-mounted read-only at
	                     /workspace
	StartContainer       new task with stdout/stderr appended to the
	                     per-job log file, then start
	InspectContainer     map task status to created/running/exited
	ListCIContainers     all containers with our label and prefix
	RemoveContainer      SIGTERM, SIGKILL after a grace period, delete
	                     task and container with snapshot cleanup,
	                     remove the log file

RemoveContainer is idempotent: a missing container, task, or log file is
success, not an error. The controller relies on that to make cleanup
retryable.

The container runs the test command under sh -c with the workspace as its
working directory. The read-only mount means a run can never alter the
submitted project; pip writes go to the container's own filesystem layer,
which dies with the container.

# Log Streaming

The task's output is wired to a plain file via cio.LogFile rather than a
streaming attach. That file outlives the task, so a stream can replay a
finished run, and multiple readers can tail it concurrently without
coordinating with the runtime.

TailLogs follows a log file with fsnotify, falling back to a short poll
where inotify is unreliable. Chunks are raw bytes, not lines; the consumer
decides on framing.

	chunks, errs := runtime.TailLogs(ctx, path, true)
	for chunk := range chunks {
		send(chunk)
	}

In follow mode the tailer does not know when the writer is done; the
caller cancels ctx once the job reaches a terminal state.
*/
package runtime
