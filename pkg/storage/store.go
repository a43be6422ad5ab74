package storage

import (
	"errors"
	"time"

	"github.com/kiln-ci/kiln/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist or is not
	// visible to the requesting user. Ownership misses are deliberately
	// indistinguishable from missing records.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on uniqueness violations (duplicate email,
	// duplicate key hash).
	ErrConflict = errors.New("already exists")

	// ErrInvalidTransition is returned when a job status update would move
	// backwards along the lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store defines the interface for CI state storage.
// Implemented by BoltStore; tests may substitute their own.
//
// All user-scoped reads take a userID filter; an empty userID is an
// administrative read that sees every record.
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(id string) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	SetUserActive(id string, active bool) error

	// API keys
	CreateAPIKey(key *types.APIKey) error
	GetAPIKeyByHash(keyHash string) (*types.APIKey, error)
	ListAPIKeys(userID string) ([]*types.APIKey, error)
	RevokeAPIKey(id string) error
	TouchAPIKey(id string, ts time.Time) error

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id, userID string) (*types.Job, error)
	ListJobs(userID string) ([]*types.Job, error)
	UpdateJobStatus(id string, status types.JobStatus, startTime *time.Time, containerID string) error
	CompleteJob(id string, success bool, endTime time.Time) error
	FailJob(id string, endTime time.Time) error
	DeleteJob(id string) error

	// Job events (optional replay log; cascade-deleted with the job)
	AppendJobEvent(jobID string, event *types.JobEvent) error
	ListJobEvents(jobID string) ([]*types.JobEvent, error)

	// Utility
	Close() error
}
