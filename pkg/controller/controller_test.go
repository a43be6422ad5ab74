package controller

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ci/kiln/pkg/events"
	"github.com/kiln-ci/kiln/pkg/runtime"
	"github.com/kiln-ci/kiln/pkg/spool"
	"github.com/kiln-ci/kiln/pkg/storage"
	"github.com/kiln-ci/kiln/pkg/types"
)

// fakeRuntime is an in-memory runtime.Runtime for exercising passes
// without containerd
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*runtime.ContainerInfo
	created    []string
	logDir     string

	createErr   error
	startErr    error
	createHangs bool
}

func newFakeRuntime(t *testing.T) *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*runtime.ContainerInfo),
		logDir:     t.TempDir(),
	}
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	if f.createHangs {
		f.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "ctr-" + spec.JobID
	f.containers[spec.JobID] = &runtime.ContainerInfo{
		ContainerID: id,
		JobID:       spec.JobID,
		State:       runtime.StateCreated,
	}
	f.created = append(f.created, spec.JobID)
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	for _, ci := range f.containers {
		if ci.ContainerID == containerID {
			ci.State = runtime.StateRunning
			return nil
		}
	}
	return runtime.ErrNoContainer
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, jobID string) (*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ci, ok := f.containers[jobID]
	if !ok {
		return nil, runtime.ErrNoContainer
	}
	copied := *ci
	return &copied, nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, jobID)
	os.Remove(filepath.Join(f.logDir, jobID+".log"))
	return nil
}

func (f *fakeRuntime) ListCIContainers(ctx context.Context) ([]*runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*runtime.ContainerInfo, 0, len(f.containers))
	for _, ci := range f.containers {
		copied := *ci
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRuntime) LogPath(jobID string) string {
	return filepath.Join(f.logDir, jobID+".log")
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) setState(jobID string, state runtime.ContainerState, exitCode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ci, ok := f.containers[jobID]; ok {
		ci.State = state
		ci.ExitCode = exitCode
	}
}

func (f *fakeRuntime) addContainer(jobID string, state runtime.ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[jobID] = &runtime.ContainerInfo{
		ContainerID: "ctr-" + jobID,
		JobID:       jobID,
		State:       state,
	}
}

type fixture struct {
	store   storage.Store
	runtime *fakeRuntime
	spool   *spool.Spool
	broker  *events.Broker
	ctrl    *Controller
	user    *types.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ctrl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)

	rt := newFakeRuntime(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	user := &types.User{ID: "user-1", Name: "T", Email: "t@example.com", IsActive: true}
	require.NoError(t, store.CreateUser(user))

	return &fixture{
		store:   store,
		runtime: rt,
		spool:   sp,
		broker:  broker,
		ctrl:    New(store, rt, sp, broker, Config{MaxConcurrent: 1}),
		user:    user,
	}
}

// submitJob stashes a minimal valid zip and records a queued job
func (f *fixture) submitJob(t *testing.T, id string, createdAt time.Time) *types.Job {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("requirements.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("pytest\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	zipPath, err := f.spool.Stash(id, &buf)
	require.NoError(t, err)

	job := &types.Job{
		ID:          id,
		UserID:      f.user.ID,
		Status:      types.JobStatusQueued,
		CreatedAt:   createdAt,
		ZipFilePath: zipPath,
	}
	require.NoError(t, f.store.CreateJob(job))
	return job
}

func (f *fixture) reconcile(t *testing.T) {
	t.Helper()
	require.NoError(t, f.ctrl.Reconcile(context.Background()))
}

func TestReconcileStartsQueuedJob(t *testing.T) {
	f := newFixture(t)
	job := f.submitJob(t, "job-1", time.Now().UTC())

	f.reconcile(t)

	got, err := f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	assert.Equal(t, "ctr-job-1", got.ContainerID)
	require.NotNil(t, got.StartTime)

	ci, err := f.runtime.InspectContainer(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateRunning, ci.State)

	// Workspace staged, zip discarded.
	assert.DirExists(t, f.spool.WorkspacePath(job.ID))
	assert.NoFileExists(t, f.spool.ZipPath(job.ID))
}

func TestReconcileStartsOldestFirst(t *testing.T) {
	f := newFixture(t)
	base := time.Now().UTC()
	f.submitJob(t, "job-new", base.Add(time.Minute))
	f.submitJob(t, "job-old", base)

	f.reconcile(t)

	require.Len(t, f.runtime.created, 2)
	assert.Equal(t, []string{"job-old", "job-new"}, f.runtime.created)
}

func TestReconcileRecordsExit(t *testing.T) {
	tests := []struct {
		name        string
		exitCode    uint32
		wantSuccess bool
	}{
		{name: "tests passed", exitCode: 0, wantSuccess: true},
		{name: "tests failed", exitCode: 1, wantSuccess: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			job := f.submitJob(t, "job-1", time.Now().UTC())
			f.reconcile(t)

			f.runtime.setState(job.ID, runtime.StateExited, tt.exitCode)
			f.reconcile(t)

			got, err := f.store.GetJob(job.ID, "")
			require.NoError(t, err)
			assert.Equal(t, types.JobStatusCompleted, got.Status)
			require.NotNil(t, got.Success)
			assert.Equal(t, tt.wantSuccess, *got.Success)
			require.NotNil(t, got.EndTime)
		})
	}
}

func TestReconcileFailsJobWithLostContainer(t *testing.T) {
	f := newFixture(t)
	job := f.submitJob(t, "job-1", time.Now().UTC())
	f.reconcile(t)

	// Container vanishes out from under the running job.
	require.NoError(t, f.runtime.RemoveContainer(context.Background(), job.ID))
	f.reconcile(t)

	got, err := f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)

	evs, err := f.store.ListJobEvents(job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Contains(t, evs[len(evs)-1].Data, "Container lost")
}

func TestReconcileFailsJobWithBadZip(t *testing.T) {
	f := newFixture(t)

	zipPath, err := f.spool.Stash("job-1", bytes.NewReader([]byte("not a zip")))
	require.NoError(t, err)
	require.NoError(t, f.store.CreateJob(&types.Job{
		ID:          "job-1",
		UserID:      f.user.ID,
		Status:      types.JobStatusQueued,
		CreatedAt:   time.Now().UTC(),
		ZipFilePath: zipPath,
	}))

	f.reconcile(t)

	got, err := f.store.GetJob("job-1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
}

func TestReconcileFailsJobWhenCreateFails(t *testing.T) {
	f := newFixture(t)
	f.runtime.createErr = fmt.Errorf("image pull failed")
	job := f.submitJob(t, "job-1", time.Now().UTC())

	f.reconcile(t)

	got, err := f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	// Nothing left behind for a job that never started.
	assert.NoDirExists(t, f.spool.WorkspacePath(job.ID))
}

func TestReconcileLeavesJobQueuedOnCreateTimeout(t *testing.T) {
	f := newFixture(t)
	f.runtime.createHangs = true
	job := f.submitJob(t, "job-1", time.Now().UTC())

	// A slow create (cold image pull) exhausts the per-job deadline.
	// That is transient: the job must stay queued for the next pass, not
	// go to failed.
	ctrl := New(f.store, f.runtime, f.spool, f.broker, Config{
		MaxConcurrent: 1,
		JobTimeout:    50 * time.Millisecond,
	})
	require.NoError(t, ctrl.Reconcile(context.Background()))

	got, err := f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.NoDirExists(t, f.spool.WorkspacePath(job.ID))

	// Once the runtime recovers, the same job starts normally.
	f.runtime.createHangs = false
	require.NoError(t, ctrl.Reconcile(context.Background()))
	got, err = f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
}

func TestReconcileRetriesHalfStartedContainer(t *testing.T) {
	f := newFixture(t)
	job := f.submitJob(t, "job-1", time.Now().UTC())
	// Crash scenario: container exists but the job was never marked
	// running.
	f.runtime.addContainer(job.ID, runtime.StateRunning)

	f.reconcile(t)

	got, err := f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	_, err = f.runtime.InspectContainer(context.Background(), job.ID)
	assert.ErrorIs(t, err, runtime.ErrNoContainer)

	// Next pass starts it cleanly.
	f.reconcile(t)
	got, err = f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
}

func TestReconcileCleansUpTerminalJob(t *testing.T) {
	f := newFixture(t)
	job := f.submitJob(t, "job-1", time.Now().UTC())
	f.reconcile(t)

	f.runtime.setState(job.ID, runtime.StateExited, 0)
	f.reconcile(t) // records the verdict
	f.reconcile(t) // cleans up

	_, err := f.runtime.InspectContainer(context.Background(), job.ID)
	assert.ErrorIs(t, err, runtime.ErrNoContainer)
	assert.NoDirExists(t, f.spool.WorkspacePath(job.ID))
	assert.NoFileExists(t, f.spool.ZipPath(job.ID))
}

func TestReconcileSweepsOrphanedContainers(t *testing.T) {
	f := newFixture(t)
	f.runtime.addContainer("ghost-job", runtime.StateRunning)

	f.reconcile(t)

	_, err := f.runtime.InspectContainer(context.Background(), "ghost-job")
	assert.ErrorIs(t, err, runtime.ErrNoContainer)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	job := f.submitJob(t, "job-1", time.Now().UTC())

	f.reconcile(t)
	f.reconcile(t)
	f.reconcile(t)

	got, err := f.store.GetJob(job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
	// Exactly one container was ever created.
	assert.Equal(t, []string{"job-1"}, f.runtime.created)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.submitJob(t, "job-1", time.Now().UTC())

	ctrl := New(f.store, f.runtime, f.spool, events.NewBroker(), Config{Interval: 10 * time.Millisecond})
	ctrl.Start()
	time.Sleep(50 * time.Millisecond)
	ctrl.Stop()

	got, err := f.store.GetJob("job-1", "")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, got.Status)
}
