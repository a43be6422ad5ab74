package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains the tail until the chunk channel closes or the timeout
// lapses, returning everything read
func collect(t *testing.T, chunks <-chan []byte, errCh <-chan error, timeout time.Duration) string {
	t.Helper()
	var out []byte
	deadline := time.After(timeout)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return string(out)
			}
			out = append(out, chunk...)
		case err, ok := <-errCh:
			if ok {
				require.NoError(t, err)
			}
			return string(out)
		case <-deadline:
			t.Fatalf("tail did not finish within %v", timeout)
		}
	}
}

func TestTailLogsReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\nline two\n"), 0644))

	chunks, errCh := TailLogs(context.Background(), path, false)
	got := collect(t, chunks, errCh, 5*time.Second)
	assert.Equal(t, "line one\nline two\n", got)
}

func TestTailLogsMissingFileNoFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.log")

	chunks, errCh := TailLogs(context.Background(), path, false)

	select {
	case chunk, ok := <-chunks:
		require.False(t, ok, "expected an error, got data: %q", chunk)
		assert.Error(t, <-errCh)
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not report the missing file")
	}
}

func TestTailLogsFollowPicksUpAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.log")
	require.NoError(t, os.WriteFile(path, []byte("start\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, errCh := TailLogs(ctx, path, true)

	received := make(chan string, 16)
	go func() {
		for chunk := range chunks {
			received <- string(chunk)
		}
		close(received)
	}()

	require.Equal(t, "start\n", <-received)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("more output\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case got := <-received:
		assert.Equal(t, "more output\n", got)
	case <-time.After(5 * time.Second):
		t.Fatal("appended data never arrived")
	}

	// Cancellation ends the follow; the chunk channel closes without an
	// error.
	cancel()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-received:
			if !ok {
				select {
				case err := <-errCh:
					require.NoError(t, err)
				default:
				}
				return
			}
		case <-timeout:
			t.Fatal("tail did not stop on cancellation")
		}
	}
}

func TestTailLogsFollowWaitsForFileCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.log")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chunks, _ := TailLogs(ctx, path, true)

	go func() {
		time.Sleep(100 * time.Millisecond)
		os.WriteFile(path, []byte("finally\n"), 0644)
	}()

	select {
	case chunk := <-chunks:
		assert.Equal(t, "finally\n", string(chunk))
	case <-time.After(5 * time.Second):
		t.Fatal("tail never saw the file appear")
	}
}
