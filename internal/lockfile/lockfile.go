// Package lockfile advertises a running dev session to other commands in the same app.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileName is the lockfile path relative to the app directory.
const FileName = ".shopify/dev-session.lock"

// ErrNotFound is returned by Read when no dev session is running for the app.
var ErrNotFound = errors.New("no dev session lockfile found")

// Session describes a running dev server.
type Session struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"startedAt"`
}

// Path returns the lockfile path for the app in dir.
func Path(dir string) string {
	return filepath.Join(dir, filepath.FromSlash(FileName))
}

// Write records s for the app in dir. The file is replaced atomically.
func Write(dir string, s Session) error {
	path := Path(dir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lockfile: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dev-session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	return nil
}

// Read returns the session recorded for the app in dir.
func Read(dir string) (Session, error) {
	data, err := os.ReadFile(Path(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read lockfile: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("invalid lockfile %s: %w", Path(dir), err)
	}
	return s, nil
}

// Remove deletes the lockfile of the app in dir. A missing lockfile is not an error.
func Remove(dir string) error {
	if err := os.Remove(Path(dir)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lockfile: %w", err)
	}
	return nil
}
