package types

import (
	"time"
)

// JobStatus represents the lifecycle state of a CI job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// User represents an account that owns API keys and jobs
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// APIKey is a bearer credential for the HTTP API.
// Only the SHA-256 hash of the secret is ever stored; the plaintext
// is shown once at creation time.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	IsActive   bool       `json:"is_active"`
}

// Job represents a single CI test run
type Job struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Success     *bool      `json:"success"`
	CreatedAt   time.Time  `json:"created_at"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	ContainerID string     `json:"container_id,omitempty"`
	ZipFilePath string     `json:"-"`
}

// Summary returns the listing representation of a job (no internal fields)
func (j *Job) Summary() JobSummary {
	return JobSummary{
		JobID:     j.ID,
		Status:    j.Status,
		Success:   j.Success,
		StartTime: j.StartTime,
		EndTime:   j.EndTime,
	}
}

// JobSummary is the wire shape used by listings and status queries
type JobSummary struct {
	JobID     string     `json:"job_id"`
	Status    JobStatus  `json:"status"`
	Success   *bool      `json:"success"`
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
}

// EventType discriminates stream and persisted job events
type EventType string

const (
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
	EventJobID    EventType = "job_id"
)

// JobEvent is a persisted entry in a job's event history.
// The authoritative log stream lives in the container runtime; persisted
// events exist for terminal markers and replay after container removal.
type JobEvent struct {
	Type      EventType `json:"type"`
	Data      string    `json:"data,omitempty"`
	Success   *bool     `json:"success,omitempty"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamEvent is a single SSE payload sent to streaming clients
type StreamEvent struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id,omitempty"`
	Data    string    `json:"data,omitempty"`
	Success *bool     `json:"success,omitempty"`
}

// LogEvent builds a log chunk stream event
func LogEvent(data string) StreamEvent {
	return StreamEvent{Type: EventLog, Data: data}
}

// CompleteEvent builds the terminal stream event
func CompleteEvent(success bool) StreamEvent {
	return StreamEvent{Type: EventComplete, Success: &success}
}

// JobIDEvent builds the job announcement event sent first on streaming submits
func JobIDEvent(jobID string) StreamEvent {
	return StreamEvent{Type: EventJobID, JobID: jobID}
}

// Bool returns a pointer to b, for the tri-state success fields
func Bool(b bool) *bool {
	return &b
}
