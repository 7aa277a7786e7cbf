// Package history remembers the traces a user opened recently.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoHistory is returned by List when nothing was recorded yet.
var ErrNoHistory = errors.New("no recent traces")

// MaxEntries caps the history length.
const MaxEntries = 20

// Entry is one opened trace.
type Entry struct {
	TraceURL string    `json:"trace_url"`
	Title    string    `json:"title,omitempty"`
	Contexts int       `json:"contexts"`
	Actions  int       `json:"actions"`
	OpenedAt time.Time `json:"opened_at"`
}

// Store persists recently opened traces.
type Store interface {
	Add(e Entry) error
	List() ([]Entry, error) // newest first; ErrNoHistory if none
}

// diskStore is the concrete Store that writes to the XDG data directory.
type diskStore struct {
	path string // full path to recent.json
}

// NewStore returns a Store backed by the XDG data directory.
// Path: $XDG_DATA_HOME/traceview/recent.json or ~/.local/share/traceview/recent.json
func NewStore() (Store, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &diskStore{path: filepath.Join(dir, "recent.json")}, nil
}

// dataDir returns the traceview-specific XDG data directory.
func dataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "traceview"), nil
}

// Add puts e at the front of the history, dropping an older entry for the
// same trace and anything beyond MaxEntries.
func (d *diskStore) Add(e Entry) error {
	entries, err := d.List()
	if err != nil && !errors.Is(err, ErrNoHistory) {
		return err
	}
	out := []Entry{e}
	for _, old := range entries {
		if old.TraceURL != e.TraceURL {
			out = append(out, old)
		}
	}
	if len(out) > MaxEntries {
		out = out[:MaxEntries]
	}
	return d.save(out)
}

// save writes entries atomically via a temp file + os.Rename.
func (d *diskStore) save(entries []Entry) (err error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}

	// Write to a temp file in the same directory so os.Rename is atomic.
	tmp, err := os.CreateTemp(filepath.Dir(d.path), "recent-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	tmpName := tmp.Name()

	// Clean up the temp file on any error path.
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to persist history: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	if err = os.Rename(tmpName, d.path); err != nil {
		return fmt.Errorf("failed to persist history: %w", err)
	}
	return nil
}

// List reads the history file.
func (d *diskStore) List() ([]Entry, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoHistory
		}
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNoHistory
	}
	return entries, nil
}
