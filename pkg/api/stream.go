package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kiln-ci/kiln/pkg/log"
	"github.com/kiln-ci/kiln/pkg/metrics"
	"github.com/kiln-ci/kiln/pkg/runtime"
	"github.com/kiln-ci/kiln/pkg/types"
)

const (
	// queuedPollInterval is the store poll cadence while waiting for a
	// queued job to start. Broker wakeups usually arrive first; polling
	// covers jobs started by another server process.
	queuedPollInterval = 500 * time.Millisecond

	// finalizePollInterval and finalizeTimeout bound the wait between a
	// container's logs ending and the controller recording the verdict
	finalizePollInterval = 100 * time.Millisecond
	finalizeTimeout      = 5 * time.Second
)

// sseWriter frames stream events as Server-Sent Events and flushes after
// each one so clients see output as it happens
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) Send(event types.StreamEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", payload)
	s.flusher.Flush()
}

// streamJob drives one SSE connection through the job's lifecycle: wait
// out the queue, relay container output, then report the verdict. The
// stream always ends with a complete event unless the client disconnects.
func (s *Server) streamJob(ctx context.Context, sw *sseWriter, jobID string, fromBeginning bool) {
	metrics.ActiveLogStreams.Inc()
	defer metrics.ActiveLogStreams.Dec()

	logger := log.WithJobID(jobID)

	job, err := s.store.GetJob(jobID, "")
	if err != nil {
		sw.Send(types.LogEvent("Job not found.\n"))
		sw.Send(types.CompleteEvent(false))
		return
	}

	if job.Status == types.JobStatusQueued {
		job = s.waitForStart(ctx, jobID)
		if job == nil {
			sw.Send(types.LogEvent("Job disappeared.\n"))
			sw.Send(types.CompleteEvent(false))
			return
		}
		if job.Status == types.JobStatusQueued {
			sw.Send(types.LogEvent("Timed out waiting for job to start.\n"))
			sw.Send(types.CompleteEvent(false))
			return
		}
	}

	if job.Status.Terminal() {
		s.replayFinished(ctx, sw, job, fromBeginning)
		return
	}

	// Running: relay the container log until it ends or the client goes
	// away.
	if err := s.relayLogs(ctx, sw, jobID); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("Log relay ended with error")
		sw.Send(types.LogEvent(fmt.Sprintf("Error streaming logs: %v\n", err)))
	}
	if ctx.Err() != nil {
		return
	}

	sw.Send(types.CompleteEvent(s.awaitVerdict(ctx, jobID)))
}

// waitForStart polls until the job leaves queued, the timeout lapses, or
// the client disconnects. Broker events for the job short-circuit the poll
// interval.
func (s *Server) waitForStart(ctx context.Context, jobID string) *types.Job {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	deadline := time.After(s.cfg.StreamQueuedTimeout)
	ticker := time.NewTicker(queuedPollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.GetJob(jobID, "")
		if err != nil {
			return nil
		}
		if job.Status != types.JobStatusQueued {
			return job
		}

		select {
		case <-ctx.Done():
			return job
		case <-deadline:
			return job
		case <-ticker.C:
		case event, ok := <-sub:
			if !ok {
				continue
			}
			if event.JobID != jobID {
				continue
			}
		}
	}
}

// replayFinished serves a stream for a job that already reached a terminal
// state. Forward-only mode just reports the outcome; from the beginning we
// replay the container log if the container still exists, falling back to
// persisted events once it has been cleaned up.
func (s *Server) replayFinished(ctx context.Context, sw *sseWriter, job *types.Job, fromBeginning bool) {
	if !fromBeginning {
		sw.Send(types.LogEvent("Job already completed.\n"))
		sw.Send(types.CompleteEvent(succeeded(job)))
		return
	}

	logPath := s.runtime.LogPath(job.ID)
	if _, err := os.Stat(logPath); err == nil {
		if err := s.relayLogs(ctx, sw, job.ID); err != nil && ctx.Err() == nil {
			logger := log.WithJobID(job.ID)
			logger.Debug().Err(err).Msg("Log replay failed")
		}
		if ctx.Err() != nil {
			return
		}
	} else if evs, err := s.store.ListJobEvents(job.ID); err == nil {
		for _, ev := range evs {
			if ev.Type == types.EventLog {
				sw.Send(types.LogEvent(ev.Data))
			}
		}
	}

	sw.Send(types.CompleteEvent(succeeded(job)))
}

// relayLogs forwards container log chunks as SSE log events. In follow
// mode this returns when the container exits and the log stops growing.
func (s *Server) relayLogs(ctx context.Context, sw *sseWriter, jobID string) error {
	job, err := s.store.GetJob(jobID, "")
	if err != nil {
		return err
	}
	follow := job.Status == types.JobStatusRunning

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if follow {
		// End the tail once the job goes terminal; the container's log
		// file stops growing but the tailer cannot know that on its own.
		go s.cancelWhenFinished(tailCtx, cancel, jobID)
	}

	chunks, errCh := runtime.TailLogs(tailCtx, s.runtime.LogPath(jobID), follow)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				// The tailer queues its error before closing the chunk
				// channel, so a non-blocking read here cannot miss it.
				select {
				case err := <-errCh:
					if err != nil && tailCtx.Err() == nil {
						return err
					}
				default:
				}
				return nil
			}
			sw.Send(types.LogEvent(string(chunk)))
		}
	}
}

// cancelWhenFinished cancels the tail shortly after the job reaches a
// terminal state, leaving a grace beat for the final log flush
func (s *Server) cancelWhenFinished(ctx context.Context, cancel context.CancelFunc, jobID string) {
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	ticker := time.NewTicker(queuedPollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.GetJob(jobID, "")
		if err != nil || job.Status.Terminal() {
			time.Sleep(queuedPollInterval)
			cancel()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case event, ok := <-sub:
			if !ok || event.JobID != jobID {
				continue
			}
		}
	}
}

// awaitVerdict waits briefly for the controller to record the job's
// outcome after its logs end
func (s *Server) awaitVerdict(ctx context.Context, jobID string) bool {
	deadline := time.After(finalizeTimeout)
	ticker := time.NewTicker(finalizePollInterval)
	defer ticker.Stop()

	for {
		job, err := s.store.GetJob(jobID, "")
		if err != nil {
			return false
		}
		if job.Success != nil {
			return *job.Success
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

func succeeded(job *types.Job) bool {
	return job.Success != nil && *job.Success
}
