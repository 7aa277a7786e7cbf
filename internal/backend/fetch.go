package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"sort"

	"github.com/fakeyudi/traceview/internal/model"
)

// Fetch reads a live trace described by a JSON listing of entry names and
// the files that hold them:
//
//	{"entries": [{"name": "trace.trace", "path": "/tmp/run/trace.trace"}]}
//
// Listing paths are resolved against the listing URL when it is an http(s)
// URL and read from the local filesystem otherwise.
type Fetch struct {
	traceURL string
	client   *http.Client
	base     *url.URL
	entries  map[string]string
}

type listing struct {
	Entries []struct {
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"entries"`
}

// NewFetch reads the listing at traceURL.
func NewFetch(ctx context.Context, traceURL string, client *http.Client) (*Fetch, error) {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetch{traceURL: traceURL, client: client, entries: make(map[string]string)}
	if u, err := url.Parse(traceURL); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		f.base = u
	}

	data, err := f.read(ctx, traceURL)
	if err != nil {
		return nil, fmt.Errorf("read trace listing: %w", err)
	}
	var l listing
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse trace listing %s: %w", traceURL, err)
	}
	for _, e := range l.Entries {
		f.entries[e.Name] = e.Path
	}
	return f, nil
}

func (f *Fetch) read(ctx context.Context, location string) ([]byte, error) {
	if f.base == nil {
		b, err := os.ReadFile(location)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", location, model.ErrEntryNotFound)
		}
		return b, err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", location, model.ErrEntryNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %s", location, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (f *Fetch) EntryNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *Fetch) HasEntry(_ context.Context, name string) (bool, error) {
	_, ok := f.entries[name]
	return ok, nil
}

func (f *Fetch) ReadText(ctx context.Context, name string) (string, error) {
	b, err := f.ReadBlob(ctx, name)
	return string(b), err
}

func (f *Fetch) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	path, ok := f.entries[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, model.ErrEntryNotFound)
	}
	return f.read(ctx, path)
}

func (f *Fetch) IsLive() bool { return true }

func (f *Fetch) TraceURL() string { return f.traceURL }
