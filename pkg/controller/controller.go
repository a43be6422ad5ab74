package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiln-ci/kiln/pkg/events"
	"github.com/kiln-ci/kiln/pkg/log"
	"github.com/kiln-ci/kiln/pkg/metrics"
	"github.com/kiln-ci/kiln/pkg/runtime"
	"github.com/kiln-ci/kiln/pkg/spool"
	"github.com/kiln-ci/kiln/pkg/storage"
	"github.com/kiln-ci/kiln/pkg/types"
)

const (
	// DefaultInterval is the delay between reconciliation passes
	DefaultInterval = 2 * time.Second

	// DefaultJobTimeout bounds the runtime work done for a single job
	// within one pass (image pull included)
	DefaultJobTimeout = 30 * time.Second

	// DefaultMaxConcurrent bounds per-pass parallelism across jobs
	DefaultMaxConcurrent = 4
)

// Config tunes the reconciliation loop
type Config struct {
	Interval      time.Duration
	JobTimeout    time.Duration
	MaxConcurrent int
}

// Controller drives every job from queued to a terminal state by comparing
// the store against the container runtime and fixing the difference. Each
// pass observes current state rather than reacting to deltas, so a crashed
// and restarted controller converges to the same result as one that never
// crashed.
type Controller struct {
	store   storage.Store
	runtime runtime.Runtime
	spool   *spool.Spool
	broker  *events.Broker

	interval      time.Duration
	jobTimeout    time.Duration
	maxConcurrent int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a controller. Zero config fields take defaults.
func New(store storage.Store, rt runtime.Runtime, sp *spool.Spool, broker *events.Broker, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Controller{
		store:         store,
		runtime:       rt,
		spool:         sp,
		broker:        broker,
		interval:      cfg.Interval,
		jobTimeout:    cfg.JobTimeout,
		maxConcurrent: cfg.MaxConcurrent,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the reconciliation loop. An immediate pass runs before the
// first tick so restarts recover promptly.
func (c *Controller) Start() {
	go c.run()
}

// Stop stops the loop and waits for an in-flight pass to finish
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run() {
	defer close(c.doneCh)

	logger := log.WithComponent("controller")
	logger.Info().Dur("interval", c.interval).Msg("Reconciliation loop started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Reconcile(context.Background()); err != nil {
			logger.Error().Err(err).Msg("Reconciliation pass failed")
		}
		select {
		case <-ticker.C:
		case <-c.stopCh:
			logger.Info().Msg("Reconciliation loop stopped")
			return
		}
	}
}

// Reconcile performs one pass. Errors on individual jobs are logged and
// isolated; the pass continues so one bad job cannot starve the rest. The
// returned error covers only failures that invalidate the whole pass, such
// as being unable to list jobs or containers.
func (c *Controller) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	jobs, err := c.store.ListJobs("")
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	containers, err := c.runtime.ListCIContainers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	byJob := make(map[string]*runtime.ContainerInfo, len(containers))
	for _, ci := range containers {
		byJob[ci.JobID] = ci
	}

	var running, queued, terminal []*types.Job
	for _, job := range jobs {
		switch {
		case job.Status == types.JobStatusRunning:
			running = append(running, job)
		case job.Status == types.JobStatusQueued:
			queued = append(queued, job)
		case job.Status.Terminal():
			terminal = append(terminal, job)
		}
	}

	// Terminal transitions first so a freed slot is visible to creations
	// within the same pass ordering, then creations oldest-first.
	c.forEachJob(ctx, running, func(ctx context.Context, job *types.Job) {
		c.reconcileRunning(ctx, job, byJob[job.ID])
	})

	sort.Slice(queued, func(i, j int) bool {
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	c.forEachJob(ctx, queued, func(ctx context.Context, job *types.Job) {
		c.reconcileQueued(ctx, job, byJob[job.ID])
	})

	c.forEachJob(ctx, terminal, func(ctx context.Context, job *types.Job) {
		c.reconcileTerminal(ctx, job, byJob[job.ID])
	})

	c.sweepOrphans(ctx, jobs, containers)
	updateStatusGauges(jobs)

	return nil
}

// forEachJob runs fn for every job with bounded parallelism and a per-job
// deadline. fn is responsible for its own error handling.
func (c *Controller) forEachJob(ctx context.Context, jobs []*types.Job, fn func(context.Context, *types.Job)) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrent)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			jobCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
			defer cancel()
			fn(jobCtx, job)
			return nil
		})
	}
	g.Wait()
}

// reconcileRunning settles a running job against its container
func (c *Controller) reconcileRunning(ctx context.Context, job *types.Job, ci *runtime.ContainerInfo) {
	logger := log.WithJobID(job.ID)

	if ci == nil {
		logger.Warn().Msg("Container missing for running job")
		c.failJob(job, "Container lost during execution")
		return
	}

	switch ci.State {
	case runtime.StateRunning:
		// Still going, nothing to do.
	case runtime.StateExited:
		success := ci.ExitCode == 0
		if err := c.store.CompleteJob(job.ID, success, time.Now().UTC()); err != nil {
			logger.Error().Err(err).Msg("Failed to record job completion")
			return
		}
		logger.Info().Bool("success", success).Uint32("exit_code", ci.ExitCode).Msg("Job completed")
		if success {
			metrics.JobsCompleted.WithLabelValues("success").Inc()
			c.broker.Publish(&events.Event{Type: events.EventJobCompleted, JobID: job.ID})
		} else {
			metrics.JobsCompleted.WithLabelValues("failure").Inc()
			c.broker.Publish(&events.Event{Type: events.EventJobFailed, JobID: job.ID})
		}
	default:
		// Created or unknown means the task vanished underneath us.
		logger.Warn().Str("state", string(ci.State)).Msg("Container in unexpected state for running job")
		c.failJob(job, "Container lost during execution")
	}
}

// reconcileQueued starts a queued job: stage the workspace, create and start
// the container, mark the job running, then discard the stashed zip
func (c *Controller) reconcileQueued(ctx context.Context, job *types.Job, ci *runtime.ContainerInfo) {
	logger := log.WithJobID(job.ID)

	// A container for a still-queued job means a previous attempt crashed
	// between start and the status write. Remove it; the next pass retries
	// from a clean slate.
	if ci != nil {
		logger.Warn().Str("container_id", ci.ContainerID).Msg("Removing half-started container for queued job")
		if err := c.runtime.RemoveContainer(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to remove half-started container")
		}
		return
	}

	if job.ZipFilePath == "" {
		c.failJob(job, "Submission is missing its uploaded archive")
		return
	}

	workspace, err := c.spool.Stage(job.ID, job.ZipFilePath)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to stage workspace")
		c.failJob(job, fmt.Sprintf("Failed to extract submission: %v", err))
		return
	}

	containerID, err := c.runtime.CreateContainer(ctx, runtime.CreateSpec{
		JobID:        job.ID,
		WorkspaceDir: workspace,
	})
	if err != nil {
		c.spool.RemoveWorkspace(job.ID)
		if ctx.Err() != nil {
			// Timed out, likely a cold image pull. The job stays queued
			// and the next pass tries again.
			logger.Warn().Err(err).Msg("Container creation timed out, will retry")
			return
		}
		logger.Error().Err(err).Msg("Failed to create container")
		c.failJob(job, fmt.Sprintf("Failed to create container: %v", err))
		return
	}

	if err := c.runtime.StartContainer(ctx, containerID); err != nil {
		c.runtime.RemoveContainer(ctx, job.ID)
		c.spool.RemoveWorkspace(job.ID)
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("Container start timed out, will retry")
			return
		}
		logger.Error().Err(err).Msg("Failed to start container")
		c.failJob(job, fmt.Sprintf("Failed to start container: %v", err))
		return
	}

	now := time.Now().UTC()
	if err := c.store.UpdateJobStatus(job.ID, types.JobStatusRunning, &now, containerID); err != nil {
		// The next pass sees queued + running container and cleans up.
		logger.Error().Err(err).Msg("Failed to mark job running")
		return
	}

	// The zip has served its purpose once the container holds the
	// extracted workspace mount.
	if err := c.spool.RemoveZip(job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove stashed zip")
	}

	logger.Info().Str("container_id", containerID).Msg("Job started")
	c.broker.Publish(&events.Event{Type: events.EventJobStarted, JobID: job.ID})
}

// reconcileTerminal releases resources still held by a finished job
func (c *Controller) reconcileTerminal(ctx context.Context, job *types.Job, ci *runtime.ContainerInfo) {
	logger := log.WithJobID(job.ID)

	if ci != nil {
		if err := c.runtime.RemoveContainer(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to remove container for finished job")
		} else {
			logger.Debug().Msg("Removed container for finished job")
		}
	}
	if err := c.spool.RemoveZip(job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove stashed zip")
	}
	if err := c.spool.RemoveWorkspace(job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove workspace")
	}
}

// sweepOrphans removes containers and workspaces no job refers to
func (c *Controller) sweepOrphans(ctx context.Context, jobs []*types.Job, containers []*runtime.ContainerInfo) {
	logger := log.WithComponent("controller")

	known := make(map[string]*types.Job, len(jobs))
	for _, job := range jobs {
		known[job.ID] = job
	}

	for _, ci := range containers {
		if _, ok := known[ci.JobID]; ok {
			continue
		}
		logger.Warn().Str("job_id", ci.JobID).Str("container_id", ci.ContainerID).Msg("Removing orphaned container")
		if err := c.runtime.RemoveContainer(ctx, ci.JobID); err != nil {
			logger.Error().Err(err).Str("job_id", ci.JobID).Msg("Failed to remove orphaned container")
			continue
		}
		metrics.OrphansRemoved.Inc()
	}

	ids, err := c.spool.ListWorkspaces()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list workspaces")
		return
	}
	for _, id := range ids {
		if job, ok := known[id]; ok && !job.Status.Terminal() {
			continue
		}
		if err := c.spool.RemoveWorkspace(id); err != nil {
			logger.Warn().Err(err).Str("job_id", id).Msg("Failed to remove orphaned workspace")
		}
	}
}

// failJob records a terminal failure, keeping the reason as the job's final
// event so clients that replay later still see what happened
func (c *Controller) failJob(job *types.Job, reason string) {
	logger := log.WithJobID(job.ID)

	if err := c.store.AppendJobEvent(job.ID, &types.JobEvent{
		Type: types.EventLog,
		Data: reason,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record failure event")
	}
	if err := c.store.FailJob(job.ID, time.Now().UTC()); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job failed")
		return
	}
	logger.Info().Str("reason", reason).Msg("Job failed")
	metrics.JobsCompleted.WithLabelValues("failure").Inc()
	c.broker.Publish(&events.Event{Type: events.EventJobFailed, JobID: job.ID})
}

func updateStatusGauges(jobs []*types.Job) {
	counts := map[types.JobStatus]int{}
	for _, job := range jobs {
		counts[job.Status]++
	}
	for _, status := range []types.JobStatus{
		types.JobStatusQueued,
		types.JobStatusRunning,
		types.JobStatusCompleted,
		types.JobStatusFailed,
		types.JobStatusCancelled,
	} {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
