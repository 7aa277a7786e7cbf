// Package backend provides model.Backend implementations for the places a
// trace can live: a zip archive, an unpacked directory, or a JSON entry
// listing served by a live recorder.
package backend

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/fakeyudi/traceview/internal/model"
)

// Zip reads a trace from a zip archive.
type Zip struct {
	traceURL string
	files    map[string]*zip.File
	names    []string
	closer   io.Closer
}

// OpenZip opens the archive at path. The caller must Close it.
func OpenZip(path, traceURL string) (*Zip, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open trace archive %s: %w", path, err)
	}
	z := newZip(&rc.Reader, traceURL)
	z.closer = rc
	return z, nil
}

// NewZip reads an archive held in memory.
func NewZip(data []byte, traceURL string) (*Zip, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read trace archive %s: %w", traceURL, err)
	}
	return newZip(r, traceURL), nil
}

func newZip(r *zip.Reader, traceURL string) *Zip {
	z := &Zip{traceURL: traceURL, files: make(map[string]*zip.File, len(r.File))}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		z.files[f.Name] = f
		z.names = append(z.names, f.Name)
	}
	sort.Strings(z.names)
	return z
}

func (z *Zip) EntryNames(context.Context) ([]string, error) {
	return append([]string(nil), z.names...), nil
}

func (z *Zip) HasEntry(_ context.Context, name string) (bool, error) {
	_, ok := z.files[name]
	return ok, nil
}

func (z *Zip) ReadText(ctx context.Context, name string) (string, error) {
	b, err := z.ReadBlob(ctx, name)
	return string(b), err
}

func (z *Zip) ReadBlob(_ context.Context, name string) ([]byte, error) {
	f, ok := z.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, model.ErrEntryNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (z *Zip) IsLive() bool { return false }

func (z *Zip) TraceURL() string { return z.traceURL }

// Close releases the underlying file, if any.
func (z *Zip) Close() error {
	if z.closer == nil {
		return nil
	}
	return z.closer.Close()
}
