package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ci/kiln/pkg/auth"
	"github.com/kiln-ci/kiln/pkg/events"
	"github.com/kiln-ci/kiln/pkg/runtime"
	"github.com/kiln-ci/kiln/pkg/spool"
	"github.com/kiln-ci/kiln/pkg/storage"
	"github.com/kiln-ci/kiln/pkg/types"
)

// stubRuntime satisfies runtime.Runtime with just the log-path surface the
// API touches
type stubRuntime struct {
	logDir string
}

func (s *stubRuntime) CreateContainer(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	return "", runtime.ErrNoContainer
}
func (s *stubRuntime) StartContainer(ctx context.Context, containerID string) error { return nil }
func (s *stubRuntime) InspectContainer(ctx context.Context, jobID string) (*runtime.ContainerInfo, error) {
	return nil, runtime.ErrNoContainer
}
func (s *stubRuntime) RemoveContainer(ctx context.Context, jobID string) error { return nil }
func (s *stubRuntime) ListCIContainers(ctx context.Context) ([]*runtime.ContainerInfo, error) {
	return nil, nil
}
func (s *stubRuntime) LogPath(jobID string) string {
	return filepath.Join(s.logDir, jobID+".log")
}
func (s *stubRuntime) Close() error { return nil }

type apiFixture struct {
	store   storage.Store
	runtime *stubRuntime
	spool   *spool.Spool
	srv     *Server
	server  *httptest.Server
	user    *types.User
	apiKey  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	return newAPIFixtureConfig(t, Config{StreamQueuedTimeout: time.Second})
}

func newAPIFixtureConfig(t *testing.T, cfg Config) *apiFixture {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sp, err := spool.New(t.TempDir())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	user := &types.User{ID: "user-1", Name: "T", Email: "t@example.com", IsActive: true}
	require.NoError(t, store.CreateUser(user))

	plaintext, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	require.NoError(t, store.CreateAPIKey(&types.APIKey{
		ID:        "key-1",
		UserID:    user.ID,
		KeyHash:   auth.HashAPIKey(plaintext),
		CreatedAt: time.Now().UTC(),
		IsActive:  true,
	}))

	rt := &stubRuntime{logDir: t.TempDir()}
	srv := NewServer(store, rt, sp, broker, cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{
		store:   store,
		runtime: rt,
		spool:   sp,
		srv:     srv,
		server:  ts,
		user:    user,
		apiKey:  plaintext,
	}
}

func (f *apiFixture) request(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

// uploadBody builds a multipart form carrying a minimal project zip
func uploadBody(t *testing.T) (io.Reader, string) {
	t.Helper()
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	w, err := zw.Create("requirements.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("pytest\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "project.zip")
	require.NoError(t, err)
	_, err = part.Write(zipBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func readSSE(t *testing.T, body io.Reader) []types.StreamEvent {
	t.Helper()
	var out []types.StreamEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event types.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		out = append(out, event)
	}
	return out
}

func TestHealthNoAuth(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsNoAuth(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedEndpointsRequireAuth(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/jobs", "/jobs/some-id", "/jobs/some-id/stream"} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestSubmitAsync(t *testing.T) {
	f := newAPIFixture(t)
	body, contentType := uploadBody(t)

	resp := f.request(t, "POST", "/submit-async", body, contentType)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var payload struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.NotEmpty(t, payload.JobID)

	job, err := f.store.GetJob(payload.JobID, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, job.Status)
	assert.FileExists(t, f.spool.ZipPath(payload.JobID))
}

func TestSubmitAsyncOversizeUpload(t *testing.T) {
	f := newAPIFixtureConfig(t, Config{
		StreamQueuedTimeout: time.Second,
		MaxUploadBytes:      64,
	})
	body, contentType := uploadBody(t)

	resp := f.request(t, "POST", "/submit-async", body, contentType)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSubmitAsyncMissingFile(t *testing.T) {
	f := newAPIFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.Close())

	resp := f.request(t, "POST", "/submit-async", &buf, mw.FormDataContentType())
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListJobsScopedToOwner(t *testing.T) {
	f := newAPIFixture(t)

	other := &types.User{ID: "user-2", Name: "O", Email: "o@example.com", IsActive: true}
	require.NoError(t, f.store.CreateUser(other))
	require.NoError(t, f.store.CreateJob(&types.Job{
		ID: "mine", UserID: f.user.ID, Status: types.JobStatusQueued, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, f.store.CreateJob(&types.Job{
		ID: "theirs", UserID: other.ID, Status: types.JobStatusQueued, CreatedAt: time.Now().UTC(),
	}))

	resp := f.request(t, "GET", "/jobs", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []types.JobSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "mine", jobs[0].JobID)
}

func TestGetJobNotFoundForOtherOwner(t *testing.T) {
	f := newAPIFixture(t)

	other := &types.User{ID: "user-2", Name: "O", Email: "o@example.com", IsActive: true}
	require.NoError(t, f.store.CreateUser(other))
	require.NoError(t, f.store.CreateJob(&types.Job{
		ID: "theirs", UserID: other.ID, Status: types.JobStatusQueued, CreatedAt: time.Now().UTC(),
	}))

	resp := f.request(t, "GET", "/jobs/theirs", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(t, "GET", "/jobs/missing", nil, "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// finishedJob records a completed job with persisted events and no
// container
func (f *apiFixture) finishedJob(t *testing.T, id string, success bool) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateJob(&types.Job{
		ID: id, UserID: f.user.ID, Status: types.JobStatusQueued, CreatedAt: now,
	}))
	require.NoError(t, f.store.UpdateJobStatus(id, types.JobStatusRunning, &now, "ctr-"+id))
	if success {
		require.NoError(t, f.store.CompleteJob(id, true, now))
	} else {
		require.NoError(t, f.store.AppendJobEvent(id, &types.JobEvent{
			Type: types.EventLog,
			Data: "Container lost during execution",
		}))
		require.NoError(t, f.store.FailJob(id, now))
	}
}

func TestStreamFinishedJobForwardOnly(t *testing.T) {
	f := newAPIFixture(t)
	f.finishedJob(t, "job-1", true)

	resp := f.request(t, "GET", "/jobs/job-1/stream", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	evs := readSSE(t, resp.Body)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, types.EventComplete, last.Type)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
}

func TestStreamFinishedJobReplaysPersistedEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.finishedJob(t, "job-1", false)

	resp := f.request(t, "GET", "/jobs/job-1/stream?from_beginning=true", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evs := readSSE(t, resp.Body)
	require.NotEmpty(t, evs)

	var sawReason bool
	for _, ev := range evs {
		if ev.Type == types.EventLog && strings.Contains(ev.Data, "Container lost") {
			sawReason = true
		}
	}
	assert.True(t, sawReason, "persisted failure reason not replayed")

	last := evs[len(evs)-1]
	assert.Equal(t, types.EventComplete, last.Type)
	require.NotNil(t, last.Success)
	assert.False(t, *last.Success)
}

func TestStreamFinishedJobReplaysLogFile(t *testing.T) {
	f := newAPIFixture(t)
	f.finishedJob(t, "job-1", true)
	require.NoError(t, os.WriteFile(f.runtime.LogPath("job-1"), []byte("1 passed\n"), 0644))

	resp := f.request(t, "GET", "/jobs/job-1/stream?from_beginning=true", nil, "")
	defer resp.Body.Close()

	evs := readSSE(t, resp.Body)
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventLog, evs[0].Type)
	assert.Contains(t, evs[0].Data, "1 passed")
	assert.Equal(t, types.EventComplete, evs[len(evs)-1].Type)
}

func TestRelayLogsSurfacesOpenError(t *testing.T) {
	f := newAPIFixture(t)
	f.finishedJob(t, "job-1", true)
	// Finished job, no log file: the tail fails immediately. The failure
	// must reach the caller instead of racing against the chunk channel
	// closing.
	rec := httptest.NewRecorder()
	sw, err := newSSEWriter(rec)
	require.NoError(t, err)

	err = f.srv.relayLogs(context.Background(), sw, "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestStreamQueuedJobTimesOut(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.store.CreateJob(&types.Job{
		ID: "job-1", UserID: f.user.ID, Status: types.JobStatusQueued, CreatedAt: time.Now().UTC(),
	}))

	start := time.Now()
	resp := f.request(t, "GET", "/jobs/job-1/stream", nil, "")
	defer resp.Body.Close()

	evs := readSSE(t, resp.Body)
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, types.EventComplete, last.Type)
	require.NotNil(t, last.Success)
	assert.False(t, *last.Success)
}

func TestSubmitStreamAnnouncesJobID(t *testing.T) {
	f := newAPIFixture(t)
	body, contentType := uploadBody(t)

	// The job never starts (no controller in this test), so the stream
	// ends with a timeout failure after the fixture's 1s queued timeout.
	resp := f.request(t, "POST", "/submit-stream", body, contentType)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evs := readSSE(t, resp.Body)
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventJobID, evs[0].Type)
	assert.NotEmpty(t, evs[0].JobID)
	assert.Equal(t, types.EventComplete, evs[len(evs)-1].Type)
}
