package spool

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Spool manages the filesystem namespace shared by the API and controller:
// stashed zip uploads and extracted per-job workspaces.
//
// Zips are written once by the API and deleted once by the controller after
// container creation. Workspaces are created and deleted by the controller
// only; they must outlive the container that bind-mounts them.
type Spool struct {
	dir string
}

// New creates a spool rooted at dir
func New(dir string) (*Spool, error) {
	for _, sub := range []string{incomingDir, workDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	return &Spool{dir: dir}, nil
}

const (
	incomingDir = "incoming"
	workDir     = "work"
)

// Dir returns the spool root
func (s *Spool) Dir() string {
	return s.dir
}

// ZipPath returns the stash path for a job's uploaded zip
func (s *Spool) ZipPath(jobID string) string {
	return filepath.Join(s.dir, incomingDir, jobID+".zip")
}

// WorkspacePath returns the extraction directory for a job
func (s *Spool) WorkspacePath(jobID string) string {
	return filepath.Join(s.dir, workDir, jobID)
}

// Stash writes an uploaded zip to its stash path and returns that path
func (s *Spool) Stash(jobID string, r io.Reader) (string, error) {
	path := s.ZipPath(jobID)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create stash file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write stash file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to write stash file: %w", err)
	}
	return path, nil
}

// Stage extracts a stashed zip into the job's workspace and returns the
// workspace path. A partial workspace from a previous crashed attempt is
// discarded first.
func (s *Spool) Stage(jobID, zipPath string) (string, error) {
	dest := s.WorkspacePath(jobID)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("failed to reset workspace: %w", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := extractZip(zipPath, dest); err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	return dest, nil
}

// RemoveZip deletes a job's stashed zip. Absence is not an error.
func (s *Spool) RemoveZip(jobID string) error {
	err := os.Remove(s.ZipPath(jobID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stashed zip: %w", err)
	}
	return nil
}

// RemoveWorkspace deletes a job's extracted workspace
func (s *Spool) RemoveWorkspace(jobID string) error {
	return os.RemoveAll(s.WorkspacePath(jobID))
}

// ListWorkspaces returns the job IDs that currently have a workspace.
// Used by the controller's orphan sweep after a crash.
func (s *Spool) ListWorkspaces() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, workDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read work directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// extractZip unpacks an archive, rejecting entries that would escape dest:
// absolute paths and parent-directory traversal
func extractZip(zipPath, dest string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := sanitizePath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}

	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm()|0400)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return nil
}

// sanitizePath resolves an archive entry name under dest, rejecting
// absolute entries and ".." traversal
func sanitizePath(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("zip entry %q has an absolute path", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("zip entry %q escapes the extraction root", name)
	}
	return filepath.Join(dest, cleaned), nil
}
