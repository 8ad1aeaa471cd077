// Package files stores uploaded documents on local disk.
package files

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const maxNameLen = 100

// Store keeps one directory per session under a root directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage directory.
func (s *Store) Root() string {
	return s.root
}

// Save writes data under the session's directory and returns the stored path.
// Every call yields a distinct path, so a replaced upload never collides with its successor.
func (s *Store) Save(sessionID, filename string, data []byte) (string, error) {
	dir := filepath.Join(s.root, SanitizeName(sessionID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close upload: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()[:8]+"-"+SanitizeName(filename))
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	slog.Debug("upload stored", "session_id", sessionID, "path", path, "bytes", len(data))
	return path, nil
}

// Remove deletes a stored file. Empty and already missing paths are not errors.
// Paths outside the root are refused.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if !s.contains(path) {
		return fmt.Errorf("refusing to remove %q outside upload dir", path)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove upload: %w", err)
	}

	// Drop the session directory once it is empty.
	if dir := filepath.Dir(path); dir != s.root {
		_ = os.Remove(dir)
	}
	return nil
}

func (s *Store) contains(path string) bool {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SanitizeName reduces name to a safe single path element.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	if out == "" {
		return "file"
	}
	return out
}
