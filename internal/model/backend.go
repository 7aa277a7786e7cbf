// Package model loads a recorded trace archive into browser contexts and a
// snapshot storage.
package model

import (
	"context"
	"errors"
)

// ErrEntryNotFound is returned by a Backend when an archive entry does not
// exist.
var ErrEntryNotFound = errors.New("entry not found")

// Backend reads entries of a trace archive.
type Backend interface {
	EntryNames(ctx context.Context) ([]string, error)
	HasEntry(ctx context.Context, name string) (bool, error)
	// ReadText and ReadBlob return ErrEntryNotFound for missing entries.
	ReadText(ctx context.Context, name string) (string, error)
	ReadBlob(ctx context.Context, name string) ([]byte, error)
	// IsLive reports whether the trace may still be growing.
	IsLive() bool
	TraceURL() string
}

// Blob is an archive entry together with its content type. Type is empty
// when the content type is not known.
type Blob struct {
	Data []byte
	Type string
}
