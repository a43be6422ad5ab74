package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/kiln-ci/kiln/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketUsers      = []byte("users")
	bucketUsersEmail = []byte("users_email") // email -> user id (unique index)
	bucketAPIKeys    = []byte("api_keys")
	bucketKeyHashes  = []byte("api_keys_hash") // key hash -> key id (auth index)
	bucketJobs       = []byte("jobs")
	bucketJobEvents  = []byte("job_events") // nested bucket per job id
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store at dbPath.
// The parent directory must exist.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Clean(dbPath), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketUsersEmail,
			bucketAPIKeys,
			bucketKeyHashes,
			bucketJobs,
			bucketJobEvents,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// User operations

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketUsersEmail)
		if emails.Get([]byte(user.Email)) != nil {
			return fmt.Errorf("user email %s: %w", user.Email, ErrConflict)
		}

		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put([]byte(user.ID), data); err != nil {
			return err
		}
		return emails.Put([]byte(user.Email), []byte(user.ID))
	})
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) GetUserByEmail(email string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsersEmail).Get([]byte(email))
		if id == nil {
			return fmt.Errorf("user email %s: %w", email, ErrNotFound)
		}
		data := tx.Bucket(bucketUsers).Get(id)
		if data == nil {
			return fmt.Errorf("user email %s: %w", email, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *BoltStore) SetUserActive(id string, active bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		var user types.User
		if err := json.Unmarshal(data, &user); err != nil {
			return err
		}
		user.IsActive = active
		updated, err := json.Marshal(&user)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// API key operations

func (s *BoltStore) CreateAPIKey(key *types.APIKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketUsers).Get([]byte(key.UserID)) == nil {
			return fmt.Errorf("api key owner %s: %w", key.UserID, ErrNotFound)
		}
		hashes := tx.Bucket(bucketKeyHashes)
		if hashes.Get([]byte(key.KeyHash)) != nil {
			return fmt.Errorf("api key hash: %w", ErrConflict)
		}

		data, err := json.Marshal(key)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketAPIKeys).Put([]byte(key.ID), data); err != nil {
			return err
		}
		return hashes.Put([]byte(key.KeyHash), []byte(key.ID))
	})
}

func (s *BoltStore) GetAPIKeyByHash(keyHash string) (*types.APIKey, error) {
	var key types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketKeyHashes).Get([]byte(keyHash))
		if id == nil {
			return fmt.Errorf("api key: %w", ErrNotFound)
		}
		data := tx.Bucket(bucketAPIKeys).Get(id)
		if data == nil {
			return fmt.Errorf("api key: %w", ErrNotFound)
		}
		return s.unmarshalKey(data, &key)
	})
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *BoltStore) ListAPIKeys(userID string) ([]*types.APIKey, error) {
	var keys []*types.APIKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(k, v []byte) error {
			var key types.APIKey
			if err := s.unmarshalKey(v, &key); err != nil {
				return err
			}
			if userID != "" && key.UserID != userID {
				return nil
			}
			keys = append(keys, &key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].CreatedAt.Before(keys[j].CreatedAt)
	})
	return keys, nil
}

func (s *BoltStore) RevokeAPIKey(id string) error {
	return s.updateAPIKey(id, func(key *types.APIKey) {
		key.IsActive = false
	})
}

// TouchAPIKey records last use. Best effort; callers may ignore the error.
func (s *BoltStore) TouchAPIKey(id string, ts time.Time) error {
	return s.updateAPIKey(id, func(key *types.APIKey) {
		t := ts.UTC()
		key.LastUsedAt = &t
	})
}

func (s *BoltStore) updateAPIKey(id string, mutate func(*types.APIKey)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("api key %s: %w", id, ErrNotFound)
		}
		var key types.APIKey
		if err := s.unmarshalKey(data, &key); err != nil {
			return err
		}
		mutate(&key)
		updated, err := s.marshalKey(&key)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// storedAPIKey carries the key hash, which types.APIKey excludes from its
// public JSON shape.
type storedAPIKey struct {
	types.APIKey
	KeyHash string `json:"key_hash"`
}

func (s *BoltStore) marshalKey(key *types.APIKey) ([]byte, error) {
	return json.Marshal(&storedAPIKey{APIKey: *key, KeyHash: key.KeyHash})
}

func (s *BoltStore) unmarshalKey(data []byte, key *types.APIKey) error {
	var stored storedAPIKey
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	*key = stored.APIKey
	key.KeyHash = stored.KeyHash
	return nil
}

// Job operations

// storedJob carries the staged zip path, which types.Job excludes from
// its public JSON shape.
type storedJob struct {
	types.Job
	ZipFilePath string `json:"zip_file_path,omitempty"`
}

func (s *BoltStore) marshalJob(job *types.Job) ([]byte, error) {
	return json.Marshal(&storedJob{Job: *job, ZipFilePath: job.ZipFilePath})
}

func (s *BoltStore) unmarshalJob(data []byte, job *types.Job) error {
	var stored storedJob
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	*job = stored.Job
	job.ZipFilePath = stored.ZipFilePath
	return nil
}

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if job.UserID != "" && tx.Bucket(bucketUsers).Get([]byte(job.UserID)) == nil {
			return fmt.Errorf("job owner %s: %w", job.UserID, ErrNotFound)
		}
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job %s: %w", job.ID, ErrConflict)
		}
		data, err := s.marshalJob(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}

// GetJob returns the job, filtered by owner. An empty userID is an
// administrative read. A job owned by someone else reads as not found.
func (s *BoltStore) GetJob(id, userID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err := s.unmarshalJob(data, &job); err != nil {
			return err
		}
		if userID != "" && job.UserID != userID {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs newest first, filtered by owner unless userID is empty
func (s *BoltStore) ListJobs(userID string) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := s.unmarshalJob(v, &job); err != nil {
				return err
			}
			if userID != "" && job.UserID != userID {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// validTransition encodes the job lifecycle DAG. Terminal states have no
// outgoing edges; cancelled is reserved and has no incoming edges either.
func validTransition(from, to types.JobStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case types.JobStatusQueued:
		return to == types.JobStatusRunning || to == types.JobStatusFailed
	case types.JobStatusRunning:
		return to == types.JobStatusCompleted || to == types.JobStatusFailed
	}
	return false
}

// UpdateJobStatus applies a partial update. Illegal transitions are rejected
// with ErrInvalidTransition; nil/empty optional fields are left untouched.
func (s *BoltStore) UpdateJobStatus(id string, status types.JobStatus, startTime *time.Time, containerID string) error {
	return s.mutateJob(id, func(job *types.Job) error {
		if !validTransition(job.Status, status) {
			return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, status, ErrInvalidTransition)
		}
		job.Status = status
		if startTime != nil {
			t := startTime.UTC()
			job.StartTime = &t
		}
		if containerID != "" {
			job.ContainerID = containerID
		}
		return nil
	})
}

// CompleteJob moves a running job to completed and records the outcome
func (s *BoltStore) CompleteJob(id string, success bool, endTime time.Time) error {
	return s.mutateJob(id, func(job *types.Job) error {
		if !validTransition(job.Status, types.JobStatusCompleted) {
			return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, types.JobStatusCompleted, ErrInvalidTransition)
		}
		t := endTime.UTC()
		job.Status = types.JobStatusCompleted
		job.Success = &success
		job.EndTime = &t
		return nil
	})
}

// FailJob moves a queued or running job to failed with success=false
func (s *BoltStore) FailJob(id string, endTime time.Time) error {
	return s.mutateJob(id, func(job *types.Job) error {
		if !validTransition(job.Status, types.JobStatusFailed) {
			return fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, types.JobStatusFailed, ErrInvalidTransition)
		}
		f := false
		t := endTime.UTC()
		job.Status = types.JobStatusFailed
		job.Success = &f
		job.EndTime = &t
		return nil
	})
}

// DeleteJob removes a job and cascades its event history
func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		events := tx.Bucket(bucketJobEvents)
		if events.Bucket([]byte(id)) != nil {
			return events.DeleteBucket([]byte(id))
		}
		return nil
	})
}

func (s *BoltStore) mutateJob(id string, mutate func(*types.Job) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		var job types.Job
		if err := s.unmarshalJob(data, &job); err != nil {
			return err
		}
		if err := mutate(&job); err != nil {
			return err
		}
		updated, err := s.marshalJob(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// Job event operations

// AppendJobEvent assigns the next sequence number and persists the event
func (s *BoltStore) AppendJobEvent(jobID string, event *types.JobEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(jobID)) == nil {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		b, err := tx.Bucket(bucketJobEvents).CreateBucketIfNotExists([]byte(jobID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Sequence = seq
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), data)
	})
}

// ListJobEvents returns a job's events in sequence order
func (s *BoltStore) ListJobEvents(jobID string) ([]*types.JobEvent, error) {
	var events []*types.JobEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(jobID)) == nil {
			return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		b := tx.Bucket(bucketJobEvents).Bucket([]byte(jobID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.JobEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// sequenceKey keeps events in insertion order under a cursor scan
func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
