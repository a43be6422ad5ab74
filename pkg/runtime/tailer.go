package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tailPollInterval backstops fsnotify on filesystems that drop events
const tailPollInterval = 250 * time.Millisecond

// TailLogs streams the contents of a container log file as raw chunks.
// Chunks are not aligned to line boundaries.
//
// With follow=false the existing file contents are streamed and the channel
// closes at EOF. With follow=true the tailer keeps reading as the file
// grows until ctx is cancelled; the caller decides when the producer is
// done (typically when the job reaches a terminal state).
//
// The chunk channel is closed when tailing ends; a read failure is
// delivered on the error channel first.
func TailLogs(ctx context.Context, path string, follow bool) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		if err := tail(ctx, path, follow, chunks); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

func tail(ctx context.Context, path string, follow bool, chunks chan<- []byte) error {
	f, err := openLog(ctx, path, follow)
	if err != nil {
		return err
	}
	if f == nil {
		// Context cancelled while waiting for the file to appear
		return nil
	}
	defer f.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	// Watch errors fall back to polling
	_ = watcher.Add(path)

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read log file: %w", err)
		}

		if !follow {
			return nil
		}

		// At EOF; block until the file grows or the client goes away
		select {
		case <-watcher.Events:
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// openLog opens the log file, optionally waiting for it to be created.
// The container log appears only once the task starts, which may be a
// reconciliation pass after the job was admitted.
func openLog(ctx context.Context, path string, wait bool) (*os.File, error) {
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) || !wait {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(filepath.Dir(path))
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-events:
		case <-ticker.C:
		case <-ctx.Done():
			return nil, nil
		}
	}
}
