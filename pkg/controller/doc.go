/*
Package controller drives every CI job from queued to a terminal state by
reconciling the job store against the container runtime.

The controller never reacts to individual events. Each pass reads all jobs
and all containers, compares the two, and fixes whatever differs. Because a
pass starts from observed state rather than remembered state, a controller
that crashes and restarts converges to exactly the same result as one that
ran uninterrupted.

# Architecture

	┌──────────────────── RECONCILIATION LOOP ────────────────────┐
	│                                                              │
	│   every interval (default 2s), plus one pass at startup:     │
	│                                                              │
	│   ┌──────────────┐          ┌───────────────────┐           │
	│   │  Job Store   │ ListJobs │    Controller      │           │
	│   │  (bbolt)     ├─────────►│                    │           │
	│   └──────────────┘          │  snapshot both     │           │
	│   ┌──────────────┐ ListCI-  │  sides, then:      │           │
	│   │  containerd  │Containers│                    │           │
	│   │              ├─────────►│  1. settle running │           │
	│   └──────────────┘          │  2. start queued   │           │
	│                             │  3. clean terminal │           │
	│                             │  4. sweep orphans  │           │
	│                             └───────────────────┘           │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘

# Pass Phases

Settling running jobs comes first so containers that already exited are
recorded before anything else happens:

  - container exited: record the verdict from the exit code
  - container missing or in a dead state: fail the job with a final
    "Container lost during execution" event

Queued jobs are started oldest first. Starting a job stages the uploaded
zip into a workspace directory, creates and starts a container with the
workspace bind-mounted read-only, marks the job running, and discards the
zip. Any failure along the way fails the job with the reason persisted as
its final log event, except a per-job deadline expiry: a slow create or
start (a cold image pull, usually) leaves the job queued for the next
pass to retry.

Terminal jobs release whatever they still hold: container, stashed zip,
workspace directory. The sweep phase then removes containers and
workspaces that no job refers to at all, which only happens after crashes
or manual database surgery.

# Crash Safety

Every mutation is ordered so that a crash between any two steps leaves a
state some later pass recognizes and repairs:

	crash after zip stash, before job row     → orphan zip, swept
	crash after container start, before       → queued job with a live
	status write                                container; removed and
	                                            retried from scratch
	crash after container exit, before        → exited container with a
	verdict write                               running job; verdict
	                                            recorded next pass

# Error Isolation

Jobs are processed with bounded parallelism and a per-job deadline. An
error on one job is logged and abandoned until the next pass; it never
stops the rest of the pass. Only failures that invalidate the whole pass,
such as being unable to list jobs, abort it.

# Usage

	ctrl := controller.New(store, rt, spool, broker, controller.Config{
		Interval: 2 * time.Second,
	})
	ctrl.Start()
	defer ctrl.Stop()

Stop waits for an in-flight pass to finish, so containers are never left
half-created by a clean shutdown.

# See Also

  - pkg/storage - job state and transition rules
  - pkg/runtime - container lifecycle operations
  - pkg/spool - zip stash and workspace staging
*/
package controller
