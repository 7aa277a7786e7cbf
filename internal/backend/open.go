package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/fakeyudi/traceview/internal/model"
)

// Open selects a backend for traceURL:
//
//   - a URL or path ending in .json is a live entry listing (Fetch)
//   - an http(s) URL is downloaded as a zip archive
//   - a local directory is read in place (Dir)
//   - anything else is opened as a local zip archive
//
// Backends that hold resources implement io.Closer.
func Open(ctx context.Context, traceURL string, client *http.Client) (model.Backend, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(traceURL)
	if err != nil {
		// Not a URL; treat it as a local path.
		u = &url.URL{Path: traceURL}
	}
	if strings.HasSuffix(u.Path, ".json") {
		return NewFetch(ctx, traceURL, client)
	}

	switch u.Scheme {
	case "http", "https":
		data, err := download(ctx, client, traceURL)
		if err != nil {
			return nil, err
		}
		return NewZip(data, traceURL)
	case "file":
		return openLocal(u.Path, traceURL)
	}
	return openLocal(traceURL, traceURL)
}

func openLocal(path, traceURL string) (model.Backend, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	if info.IsDir() {
		return NewDir(path, traceURL, false), nil
	}
	return OpenZip(path, traceURL)
}

func download(ctx context.Context, client *http.Client, traceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, traceURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download trace: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download trace %s: unexpected status %s", traceURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}
