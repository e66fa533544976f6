// Package blob provides filesystem-backed storage for data-returning job
// payloads and step logs. Keys are namespaced by run id and job type.
package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store writes and reads blobs under a base directory
type Store struct {
	baseDir string
}

// New creates a blob store rooted at baseDir
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating blob dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// DiscoveryKey is the blob key for a run's cached discovery output
func DiscoveryKey(runID string) string {
	return fmt.Sprintf("%s/discovery/output", runID)
}

// ArtifactKey is the blob key for one artifact's result metadata
func ArtifactKey(runID, project, artifact string) string {
	return fmt.Sprintf("%s/artifacts/%s/%s/result", runID, project, artifact)
}

// ReleaseKey is the blob key for a project's packaged release manifest
func ReleaseKey(runID, project string) string {
	return fmt.Sprintf("%s/release/%s/manifest", runID, project)
}

// LogKey is the blob key for one step's captured output
func LogKey(runID, phase, project, step string) string {
	return fmt.Sprintf("%s/logs/%s/%s/%s", runID, phase, project, step)
}

// Put writes data under key, creating parent directories as needed
func (s *Store) Put(key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating blob parent: %w", err)
	}
	// Write-then-rename so readers never observe a partial blob
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("committing blob %s: %w", key, err)
	}
	return nil
}

// Get reads the blob stored under key
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a blob is present under key
func (s *Store) Exists(key string) bool {
	path, err := s.resolve(key)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(path)
	return statErr == nil
}

// DeleteRun removes every blob belonging to a run
func (s *Store) DeleteRun(runID string) error {
	if runID == "" || strings.Contains(runID, "/") || strings.Contains(runID, "..") {
		return fmt.Errorf("invalid run id %q", runID)
	}
	return os.RemoveAll(filepath.Join(s.baseDir, runID))
}

func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
