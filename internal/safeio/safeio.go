// Package safeio provides the durability primitives shared by every
// persisted artifact: atomic file replacement, advisory file locks,
// size-bounded JSON loading, and per-run identifiers.
package safeio

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrTooLarge is returned by LoadJSON when the file exceeds the size cap.
var ErrTooLarge = errors.New("file exceeds size cap")

// WriteAtomic writes data to path via a temp file in the same directory
// and an atomic rename, so readers only ever observe complete content.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// LoadJSON reads path into v, rejecting files larger than maxBytes.
// Missing files, oversized files, and parse failures all leave v
// untouched and return the error; callers that want a default simply
// pre-populate v and ignore the error.
func LoadJSON(path string, maxBytes int64, v any) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > maxBytes {
		return fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// SaveJSON marshals v with indentation and writes it atomically.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, append(data, '\n'), 0o644)
}

// NewRunID returns a short token identifying one invocation. Every
// persisted artifact carries it so concurrent processes can detect each
// other's writes.
func NewRunID() string {
	return uuid.NewString()[:8]
}
