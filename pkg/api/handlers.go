package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiln-ci/kiln/pkg/auth"
	"github.com/kiln-ci/kiln/pkg/events"
	"github.com/kiln-ci/kiln/pkg/log"
	"github.com/kiln-ci/kiln/pkg/metrics"
	"github.com/kiln-ci/kiln/pkg/storage"
	"github.com/kiln-ci/kiln/pkg/types"
)

// createJob stashes the uploaded zip and records a queued job. The
// controller notices the new job on its next pass; nothing here touches
// the container runtime.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) (*types.Job, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "Not authenticated")
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorJSON(w, http.StatusRequestEntityTooLarge, "Uploaded archive is too large")
			return nil, false
		}
		writeErrorJSON(w, http.StatusBadRequest, "Missing file upload")
		return nil, false
	}
	defer file.Close()

	jobID := uuid.New().String()
	logger := log.WithJobID(jobID)
	zipPath, err := s.spool.Stash(jobID, file)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to stash upload")
		writeErrorJSON(w, http.StatusInternalServerError, "Failed to store upload")
		return nil, false
	}

	job := &types.Job{
		ID:          jobID,
		UserID:      user.ID,
		Status:      types.JobStatusQueued,
		CreatedAt:   time.Now().UTC(),
		ZipFilePath: zipPath,
	}
	if err := s.store.CreateJob(job); err != nil {
		s.spool.RemoveZip(jobID)
		logger.Error().Err(err).Msg("Failed to create job")
		writeErrorJSON(w, http.StatusInternalServerError, "Failed to create job")
		return nil, false
	}

	metrics.JobsSubmitted.Inc()
	logger.Info().Str("user_id", user.ID).Msg("Job submitted")
	s.broker.Publish(&events.Event{Type: events.EventJobQueued, JobID: jobID})

	return job, true
}

// handleSubmit runs the uploaded project's tests and streams results over
// SSE until completion
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	job, ok := s.createJob(w, r)
	if !ok {
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	s.streamJob(r.Context(), sw, job.ID, true)
}

// handleSubmitStream behaves like handleSubmit but announces the job ID as
// the first event so clients can reconnect after a dropped stream
func (s *Server) handleSubmitStream(w http.ResponseWriter, r *http.Request) {
	job, ok := s.createJob(w, r)
	if !ok {
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	sw.Send(types.JobIDEvent(job.ID))
	s.streamJob(r.Context(), sw, job.ID, true)
}

// handleSubmitAsync records the job and returns immediately
func (s *Server) handleSubmitAsync(w http.ResponseWriter, r *http.Request) {
	job, ok := s.createJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleListJobs returns the caller's jobs, newest first
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	jobs, err := s.store.ListJobs(user.ID)
	if err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to list jobs")
		writeErrorJSON(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	summaries := make([]types.JobSummary, 0, len(jobs))
	for _, job := range jobs {
		summaries = append(summaries, job.Summary())
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleGetJob returns one job's summary. Jobs owned by other users are
// reported as missing.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	job, err := s.store.GetJob(chi.URLParam(r, "jobID"), user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorJSON(w, http.StatusNotFound, "Job not found")
			return
		}
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to get job")
		writeErrorJSON(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job.Summary())
}

// handleStreamJob streams a job's logs over SSE. By default only new
// output is sent; from_beginning=true replays from the start.
func (s *Server) handleStreamJob(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetJob(jobID, user.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorJSON(w, http.StatusNotFound, "Job not found")
			return
		}
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("Failed to get job")
		writeErrorJSON(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	fromBeginning := false
	if v := r.URL.Query().Get("from_beginning"); v != "" {
		fromBeginning, _ = strconv.ParseBool(v)
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeErrorJSON(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	s.streamJob(r.Context(), sw, jobID, fromBeginning)
}
