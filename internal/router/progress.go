package router

import (
	"sync"

	"go.uber.org/zap"
)

// Progress is how far a trace load has come.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// ProgressReporter receives load progress on behalf of the client that
// requested the load.
type ProgressReporter interface {
	Report(clientID string, p Progress)
}

// ProgressTracker keeps the latest progress of each client so it can be
// polled.
type ProgressTracker struct {
	logger *zap.Logger

	mu     sync.Mutex
	latest map[string]Progress
}

// NewProgressTracker returns an empty tracker. logger may be nil.
func NewProgressTracker(logger *zap.Logger) *ProgressTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressTracker{logger: logger, latest: make(map[string]Progress)}
}

func (t *ProgressTracker) Report(clientID string, p Progress) {
	t.mu.Lock()
	t.latest[clientID] = p
	t.mu.Unlock()
	t.logger.Debug("load progress", zap.String("client", clientID), zap.Int("done", p.Done), zap.Int("total", p.Total))
}

// Latest returns the last progress reported for clientID.
func (t *ProgressTracker) Latest(clientID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.latest[clientID]
	return p, ok
}

// Forget drops the progress of a client that went away.
func (t *ProgressTracker) Forget(clientID string) {
	t.mu.Lock()
	delete(t.latest, clientID)
	t.mu.Unlock()
}
