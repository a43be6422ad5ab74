/*
Package storage provides bbolt-backed persistence for Kiln's state: users,
API keys, jobs, and per-job event histories.

All access goes through the Store interface so tests can substitute
in-memory fakes, but BoltStore is the only production implementation. Data
is serialized as JSON into one bucket per entity, with secondary index
buckets for the two hot lookups: email → user ID and key hash → key ID.

# Architecture

	┌───────────────────── BOLT DATABASE ─────────────────────┐
	│                                                          │
	│  users          user ID   → User JSON                    │
	│  users_email    email     → user ID                      │
	│  api_keys       key ID    → storedAPIKey JSON            │
	│  api_keys_hash  SHA-256   → key ID                       │
	│  jobs           job ID    → Job JSON                     │
	│  job_events     job ID    → nested bucket                │
	│                   seq (8-byte big endian) → JobEvent     │
	│                                                          │
	│  reads:  db.View()   - concurrent                        │
	│  writes: db.Update() - serialized, fsync on commit       │
	└──────────────────────────────────────────────────────────┘

Uniqueness checks run inside the same write transaction as the insert, so
two concurrent CreateUser calls with one email cannot both succeed; the
later transaction sees the index entry and returns ErrConflict.

# Job Lifecycle Enforcement

UpdateJobStatus validates every transition against the job state machine:

	queued ──► running ──► completed
	   │           │
	   └───────────┴─────► failed

Terminal states admit no outbound transitions, and writing the current
status again is a no-op rather than an error, which keeps controller
passes idempotent. Anything else returns ErrInvalidTransition.

CompleteJob and FailJob are the only paths that set the success flag; both
stamp the end time in the same transaction so readers never observe a
terminal job without a verdict.

# Ownership

User-scoped reads take a userID filter. A job that exists but belongs to
someone else is reported with ErrNotFound, identical to a job that does
not exist, so the API never leaks which job IDs are taken. An empty userID
is an administrative read that sees everything; the controller uses it.

# Sentinel Errors

  - ErrNotFound: record missing or not visible to the caller
  - ErrConflict: uniqueness violation (email, key hash)
  - ErrInvalidTransition: job status moving backwards

Callers match them with errors.Is; every return path wraps them with
context.

# Usage

	store, err := storage.NewBoltStore("/var/lib/kiln/kiln.db")
	if err != nil {
		return err
	}
	defer store.Close()

	job := &types.Job{ID: id, Status: types.JobStatusQueued, ...}
	if err := store.CreateJob(job); err != nil {
		return err
	}
*/
package storage
