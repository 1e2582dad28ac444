package fsutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWrite writes data to path so that readers never see a partial file:
// write a hidden temp file next to it, fsync, rename over the target, fsync the
// directory. Files are created 0600 and missing parents 0700.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := tempPathFor(path)
	if err != nil {
		return fmt.Errorf("failed to generate temp path: %w", err)
	}

	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	committed := false
	defer func() {
		tmpFile.Close()
		if !committed {
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
	committed = true

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}

// AtomicWriteJSON writes v as indented JSON with a trailing newline
func AtomicWriteJSON(path string, v any) error {
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

// tempPathFor returns .<basename>.tmp.<pid>.<rand> in the target's directory
func tempPathFor(path string) (string, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}

	name := fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), hex.EncodeToString(suffix))
	return filepath.Join(filepath.Dir(path), name), nil
}

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

// ResolveWorkspacePath resolves relative against the workspace root and
// returns its canonical absolute path. Absolute inputs, ".." escapes and
// symlinks pointing outside the workspace are rejected.
func ResolveWorkspacePath(workspace, relative string) (string, error) {
	rootAbs, err := filepath.EvalSymlinks(filepath.Clean(workspace))
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	if filepath.IsAbs(relative) {
		return "", fmt.Errorf("absolute paths not allowed: %s", relative)
	}

	cleanPath := filepath.Join(rootAbs, relative)
	if !within(rootAbs, cleanPath) {
		return "", fmt.Errorf("path escapes workspace: %s", relative)
	}

	if _, err := os.Stat(cleanPath); err != nil {
		return cleanPath, nil
	}

	resolved, err := filepath.EvalSymlinks(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	if !within(rootAbs, resolved) {
		return "", fmt.Errorf("symlink escapes workspace: %s", relative)
	}
	return resolved, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ReadScriptFile reads a script stored inside the workspace. Files larger than
// maxBytes are rejected, not truncated.
func ReadScriptFile(workspace, relativePath string, maxBytes int64) (string, error) {
	fullPath, err := ResolveWorkspacePath(workspace, relativePath)
	if err != nil {
		return "", fmt.Errorf("invalid script path: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to open script: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	if int64(len(content)) > maxBytes {
		return "", fmt.Errorf("script %s exceeds %d bytes", relativePath, maxBytes)
	}
	return string(content), nil
}

// Snapshot describes a file copied into the workspace for later inspection
type Snapshot struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// WriteSnapshot atomically stores content at relativePath inside the workspace
// and returns its checksum.
func WriteSnapshot(workspace, relativePath string, content []byte) (Snapshot, error) {
	fullPath, err := ResolveWorkspacePath(workspace, relativePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid snapshot path: %w", err)
	}

	if err := AtomicWrite(fullPath, content); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Path:   relativePath,
		SHA256: fmt.Sprintf("sha256:%x", sha256.Sum256(content)),
		Size:   int64(len(content)),
	}, nil
}
