package client

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiln-ci/kiln/pkg/types"
)

// Client talks to the kiln HTTP API with an API key
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an API client. Streaming requests carry no client-side
// timeout; job runs can legitimately take minutes.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// StreamHandler receives each event of an SSE job stream
type StreamHandler func(event types.StreamEvent)

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// errorDetail extracts the server's {"detail": ...} message from a non-2xx
// response
func errorDetail(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Detail != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, payload.Detail)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// ZipDirectory packs a project directory into an in-memory zip, skipping
// the noise directories that never belong in a test run
func ZipDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	skip := map[string]bool{
		".git": true, "__pycache__": true, ".venv": true,
		"venv": true, "node_modules": true, ".pytest_cache": true,
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skip[d.Name()] && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to zip %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// multipartBody builds the upload form with the zip as the "file" field
func multipartBody(zipData []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "project.zip")
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(zipData); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// Submit uploads a project zip and streams results until completion.
// Returns the job's final success flag.
func (c *Client) Submit(ctx context.Context, zipData []byte, handler StreamHandler) (bool, error) {
	return c.submitStreaming(ctx, "/submit-stream", zipData, handler)
}

func (c *Client) submitStreaming(ctx context.Context, path string, zipData []byte, handler StreamHandler) (bool, error) {
	body, contentType, err := multipartBody(zipData)
	if err != nil {
		return false, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errorDetail(resp)
	}
	return readStream(resp.Body, handler)
}

// SubmitAsync uploads a project zip and returns the job ID without waiting
func (c *Client) SubmitAsync(ctx context.Context, zipData []byte) (string, error) {
	body, contentType, err := multipartBody(zipData)
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/submit-async", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", errorDetail(resp)
	}

	var payload struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return payload.JobID, nil
}

// ListJobs returns the caller's jobs, newest first
func (c *Client) ListJobs(ctx context.Context) ([]types.JobSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorDetail(resp)
	}

	var jobs []types.JobSummary
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return jobs, nil
}

// GetJob returns one job's summary
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.JobSummary, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorDetail(resp)
	}

	var job types.JobSummary
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &job, nil
}

// Watch attaches to a job's log stream. fromBeginning replays all output;
// otherwise only new output arrives. Returns the job's success flag.
func (c *Client) Watch(ctx context.Context, jobID string, fromBeginning bool, handler StreamHandler) (bool, error) {
	path := fmt.Sprintf("/jobs/%s/stream?from_beginning=%t", jobID, fromBeginning)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, errorDetail(resp)
	}
	return readStream(resp.Body, handler)
}

// readStream decodes SSE "data:" lines into stream events until the body
// ends. The final complete event carries the verdict.
func readStream(r io.Reader, handler StreamHandler) (bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	success := false
	sawComplete := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event types.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		if handler != nil {
			handler(event)
		}
		if event.Type == types.EventComplete {
			sawComplete = true
			success = event.Success != nil && *event.Success
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("stream interrupted: %w", err)
	}
	if !sawComplete {
		return false, fmt.Errorf("stream ended without a completion event")
	}
	return success, nil
}

// WaitForTerminal polls a job until it reaches a terminal state
func (c *Client) WaitForTerminal(ctx context.Context, jobID string, pollInterval time.Duration) (*types.JobSummary, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
