/*
Package types defines the core data structures shared across Kiln: users,
API keys, jobs, and the event shapes used for streaming and persistence.

# Job Lifecycle

A job moves through a strict state machine:

	queued ──► running ──► completed
	   │           │
	   └───────────┴─────► failed

The cancelled state is reserved as a terminal state with no inbound
transitions yet. Success is a tri-state *bool: nil until a verdict exists,
then true or false, set exactly once alongside the end time.

# Wire Shapes

JobSummary is what listings and status queries return; it omits internal
fields like the zip path and owner. StreamEvent is a single SSE payload;
JobEvent is the persisted variant with a sequence number and timestamp.
Sensitive fields (KeyHash, ZipFilePath) carry json:"-" so no handler can
leak them by accident.
*/
package types
