package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWrite replaces the file at path so that readers only ever observe
// the old or the new content:
// 1. Write to .<basename>.tmp.<pid>.<rand>
// 2. fsync(tmp)
// 3. rename(tmp, final)
// 4. fsync(dir)
//
// Files are created with 0600 permissions (owner read/write only).
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := generateTempPath(path)
	if err != nil {
		return fmt.Errorf("failed to generate temp path: %w", err)
	}

	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		tmpFile.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// The rename is only durable once the directory entry is synced
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	success = true
	return nil
}

// AtomicWriteJSON writes a JSON-serialized value to a file atomically.
// The JSON is pretty-printed so operators can read state files directly.
func AtomicWriteJSON(path string, v interface{}) error {
	if v == nil {
		return fmt.Errorf("cannot write nil value")
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	data = append(data, '\n')

	return AtomicWrite(path, data)
}

// ReadJSON reads a whole JSON document into v.
// A missing file is reported with an error wrapping os.ErrNotExist.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	return nil
}

// RemoveIfExists deletes path and reports whether a file was removed.
func RemoveIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
}

// generateTempPath creates a temporary filename in the same directory as the target
// Format: .<basename>.tmp.<pid>.<rand>
func generateTempPath(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	pid := os.Getpid()

	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}
	randSuffix := hex.EncodeToString(randBytes)

	tmpName := fmt.Sprintf(".%s.tmp.%d.%s", base, pid, randSuffix)
	return filepath.Join(dir, tmpName), nil
}

// syncDir opens a directory and calls fsync on it
func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	return nil
}

// ResolveWorkspacePath joins relative onto workspace and rejects results
// that escape the workspace root, directly or through a symlink.
func ResolveWorkspacePath(workspace, relative string) (string, error) {
	rootAbs, err := filepath.Abs(filepath.Clean(workspace))
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = resolved
	}

	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relative)
	}

	cleanPath := filepath.Clean(filepath.Join(rootAbs, relative))

	relPath, err := filepath.Rel(rootAbs, cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", relative)
	}

	if _, err := os.Lstat(cleanPath); err == nil {
		resolved, err := filepath.EvalSymlinks(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to resolve symlinks: %w", err)
		}

		resolvedRel, err := filepath.Rel(rootAbs, resolved)
		if err != nil || resolvedRel == ".." || strings.HasPrefix(resolvedRel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("symlink escapes workspace: %s", relative)
		}

		return resolved, nil
	}

	return cleanPath, nil
}
