/*
Package api implements Kiln's HTTP surface: job submission, status
queries, and live log streaming over Server-Sent Events.

The API is deliberately passive. It records submissions and reads state;
every container mutation belongs to the controller. The only runtime
access the API has is reading container log files, which keeps a crashed
or restarted API server from ever leaving a container half-managed.

# Endpoints

	POST /submit                submit a zip, stream results until done
	POST /submit-stream         same, but the first event carries the
	                            job ID so clients can reconnect
	POST /submit-async          submit and return {"job_id": ...}
	GET  /jobs                  caller's jobs, newest first
	GET  /jobs/{id}             one job's summary
	GET  /jobs/{id}/stream      attach to a job's log stream
	GET  /health                liveness, no auth
	GET  /metrics               Prometheus metrics, no auth

Everything else requires a bearer API key; see pkg/auth. Jobs are scoped
to their owner, and a job belonging to someone else answers 404.

# Stream Protocol

Events are SSE frames, one JSON object per frame:

	data: {"type":"job_id","job_id":"..."}
	data: {"type":"log","data":"collected 12 items\n"}
	data: {"type":"complete","success":true}

A stream always ends with a complete event unless the client disconnects
first. Log chunks are raw container output and are not guaranteed to align
with line boundaries.

# Stream Lifecycle

A stream attached to a queued job waits for it to start, polling the store
with broker wakeups in between, for at most the configured queued timeout
(default 30s). A running job's log file is tailed until the job goes
terminal, then the stream waits up to five seconds for the controller to
record the verdict before emitting complete.

For finished jobs, from_beginning=true replays the container log if the
container still exists, falling back to the job's persisted events once
the controller has cleaned it up. The default forward-only mode just
reports that the job already completed.

Client disconnects propagate through the request context and tear the
tail down immediately.

# Middleware

The chi stack, outermost first: request ID, real IP, request logging with
duration, panic recovery, CORS, then bearer auth on the protected group.
Request logs and the request counter include SSE requests with their full
stream duration.
*/
package api
