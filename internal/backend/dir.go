package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fakeyudi/traceview/internal/model"
)

// Dir reads a trace from an unpacked directory, such as the output directory
// of a recorder that is still running.
type Dir struct {
	root     string
	traceURL string
	live     bool
}

// NewDir returns a backend rooted at root. A live directory may still be
// written to, so unfinished actions are left open.
func NewDir(root, traceURL string, live bool) *Dir {
	return &Dir{root: root, traceURL: traceURL, live: live}
}

func (d *Dir) EntryNames(context.Context) ([]string, error) {
	var names []string
	err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.root, err)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Dir) path(name string) (string, error) {
	p := filepath.FromSlash(name)
	if !filepath.IsLocal(p) {
		return "", fmt.Errorf("%s: %w", name, model.ErrEntryNotFound)
	}
	return filepath.Join(d.root, p), nil
}

func (d *Dir) HasEntry(_ context.Context, name string) (bool, error) {
	p, err := d.path(name)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (d *Dir) ReadText(ctx context.Context, name string) (string, error) {
	b, err := d.ReadBlob(ctx, name)
	return string(b), err
}

func (d *Dir) ReadBlob(_ context.Context, name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, model.ErrEntryNotFound)
	}
	return b, err
}

func (d *Dir) IsLive() bool { return d.live }

func (d *Dir) TraceURL() string { return d.traceURL }

// Watch calls onChange after files under the directory are created, written
// or removed, until ctx is cancelled. Bursts of events within settle are
// coalesced into one call.
func (d *Dir) Watch(ctx context.Context, settle time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := filepath.WalkDir(d.root, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if e.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if pending == nil {
				pending = time.After(settle)
			}

		case <-pending:
			pending = nil
			onChange()

		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			// Watcher errors are non-fatal; continue watching.
		}
	}
}
