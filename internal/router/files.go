package router

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fakeyudi/traceview/internal/server"
)

// ErrNoFileServer is returned for /file/ requests from a client that has no
// file server registered.
var ErrNoFileServer = errors.New("no file server registered for this client")

// FileServer reads files from the machine the trace was recorded on, such as
// the sources shown next to a trace.
type FileServer interface {
	ServeFile(ctx context.Context, path string) (*server.Response, error)
}

// LocalFileServer serves files from the local filesystem. When Root is set,
// only files below it are served.
type LocalFileServer struct {
	Root string
}

func (f LocalFileServer) ServeFile(_ context.Context, path string) (*server.Response, error) {
	p, ok := f.resolve(path)
	if !ok {
		return &server.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return &server.Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	h := http.Header{}
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		h.Set("Content-Type", ct)
	}
	return &server.Response{Status: http.StatusOK, Header: h, Body: data}, nil
}

func (f LocalFileServer) resolve(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if f.Root == "" {
		return filepath.Clean(path), true
	}
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", false
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.Join(root, rel), true
}
