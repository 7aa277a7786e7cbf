package model

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fakeyudi/traceview/internal/snapshot"
	"github.com/fakeyudi/traceview/internal/trace"
)

var (
	// ErrNoTraceFile is returned when an archive holds no .trace entry.
	ErrNoTraceFile = errors.New("cannot find .trace file")
	// ErrHTMLReport is returned when an archive looks like a zipped HTML
	// report rather than a trace.
	ErrHTMLReport = errors.New("could not load trace: this looks like a Playwright HTML report; extract the archive and open its index.html instead")
)

var shardPattern = regexp.MustCompile(`^(.+)\.trace$`)

// ProgressFunc receives load progress as done out of total steps.
type ProgressFunc func(done, total int)

// Options configures a TraceModel.
type Options struct {
	// CacheBytes bounds the rendered snapshot cache. Zero selects
	// snapshot.DefaultCacheBytes.
	CacheBytes     int
	MissingActions trace.MissingActionPolicy
	Logger         *zap.Logger
}

// TraceModel is a loaded trace archive: one ContextEntry per shard and a
// snapshot storage shared by all shards.
type TraceModel struct {
	ContextEntries []*trace.ContextEntry

	opts         Options
	logger       *zap.Logger
	backend      Backend
	storage      *snapshot.Storage
	attachments  map[string]trace.Attachment
	contentTypes map[string]string
}

// New returns an empty TraceModel.
func New(opts Options) *TraceModel {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TraceModel{
		opts:         opts,
		logger:       logger,
		attachments:  make(map[string]trace.Attachment),
		contentTypes: make(map[string]string),
	}
}

// Load reads every shard of backend. progress may be nil.
func (m *TraceModel) Load(ctx context.Context, backend Backend, progress ProgressFunc) error {
	if progress == nil {
		progress = func(int, int) {}
	}
	m.backend = backend

	names, err := backend.EntryNames(ctx)
	if err != nil {
		return fmt.Errorf("list trace entries: %w", err)
	}
	var ordinals []string
	hasSource, hasIndex := false, false
	for _, name := range names {
		if match := shardPattern.FindStringSubmatch(name); match != nil {
			ordinals = append(ordinals, match[1])
		}
		if strings.Contains(name, "src@") {
			hasSource = true
		}
		if name == "index.html" {
			hasIndex = true
		}
	}
	if len(ordinals) == 0 {
		if hasIndex {
			return ErrHTMLReport
		}
		return ErrNoTraceFile
	}

	m.storage = snapshot.NewStorage(m.opts.CacheBytes)

	total := len(ordinals) * 3
	done := 0
	for _, ordinal := range ordinals {
		entry := trace.NewContextEntry(backend.TraceURL())
		entry.HasSource = hasSource
		modernizer := trace.NewModernizer(entry, m.storage,
			trace.WithMissingActionPolicy(m.opts.MissingActions),
			trace.WithLogger(m.logger.With(zap.String("shard", ordinal))))

		for _, suffix := range []string{".trace", ".network"} {
			text, err := m.readOptional(ctx, ordinal+suffix)
			if err != nil {
				return err
			}
			if err := modernizer.AppendTrace(text); err != nil {
				return fmt.Errorf("%s%s: %w", ordinal, suffix, err)
			}
			done++
			progress(done, total)
		}

		entry.Actions = modernizer.Actions()
		sort.SliceStable(entry.Actions, func(i, j int) bool {
			return entry.Actions[i].StartTime < entry.Actions[j].StartTime
		})
		if !backend.IsLive() {
			closeUnfinishedActions(entry.Actions)
		}

		if err := m.applyStacks(ctx, ordinal, entry.Actions); err != nil {
			return err
		}
		done++
		progress(done, total)

		for _, res := range entry.Resources {
			if pd := res.Request.PostData; pd != nil && pd.SHA1 != "" {
				m.contentTypes[pd.SHA1] = stripCharset(pd.MimeType)
			}
			if c := res.Response.Content; c.SHA1 != "" {
				m.contentTypes[c.SHA1] = stripCharset(c.MimeType)
			}
		}
		for _, a := range entry.Actions {
			for _, att := range a.Attachments {
				if att.SHA1 != "" {
					m.attachments[att.SHA1] = att
				}
			}
		}

		m.ContextEntries = append(m.ContextEntries, entry)
	}

	m.storage.Finalize()
	return nil
}

// closeUnfinishedActions gives actions that never recorded an end time the
// latest end time of their direct children. Actions are visited in reverse
// start order so nested unfinished parents see their children's result.
func closeUnfinishedActions(actions []*trace.ActionEntry) {
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]
		if action.EndTime != 0 || action.Error != nil {
			continue
		}
		for _, a := range actions {
			if a.ParentID == action.CallID && action.EndTime < a.EndTime {
				action.EndTime = a.EndTime
			}
		}
	}
}

func (m *TraceModel) applyStacks(ctx context.Context, ordinal string, actions []*trace.ActionEntry) error {
	text, err := m.readOptional(ctx, ordinal+".stacks")
	if err != nil || text == "" {
		return err
	}
	stacks, err := parseStacks([]byte(text))
	if err != nil {
		m.logger.Warn("ignoring unreadable stacks", zap.String("shard", ordinal), zap.Error(err))
		return nil
	}
	for _, a := range actions {
		if len(a.Stack) == 0 {
			a.Stack = stacks[a.CallID]
		}
	}
	return nil
}

func (m *TraceModel) readOptional(ctx context.Context, name string) (string, error) {
	text, err := m.backend.ReadText(ctx, name)
	if errors.Is(err, ErrEntryNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return text, nil
}

// HasEntry reports whether the loaded archive holds the named entry.
func (m *TraceModel) HasEntry(ctx context.Context, name string) (bool, error) {
	if m.backend == nil {
		return false, nil
	}
	return m.backend.HasEntry(ctx, name)
}

// ResourceForSHA1 returns the resources/<sha1> entry typed with the content
// type recorded for it. A nil blob and nil error mean no such entry.
func (m *TraceModel) ResourceForSHA1(ctx context.Context, sha1 string) (*Blob, error) {
	data, err := m.backend.ReadBlob(ctx, "resources/"+sha1)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", sha1, err)
	}
	blob := &Blob{Data: data}
	if ct, ok := m.contentTypes[sha1]; ok && ct != "x-unknown" {
		blob.Type = ct
	}
	return blob, nil
}

// AttachmentForSHA1 returns the action attachment stored under sha1.
func (m *TraceModel) AttachmentForSHA1(sha1 string) (trace.Attachment, bool) {
	a, ok := m.attachments[sha1]
	return a, ok
}

// Storage returns the snapshot storage. It is nil until Load succeeds.
func (m *TraceModel) Storage() *snapshot.Storage { return m.storage }

// Backend returns the backend passed to Load.
func (m *TraceModel) Backend() Backend { return m.backend }

var charsetPattern = regexp.MustCompile(`^(.*);\s*charset=.*$`)

func stripCharset(contentType string) string {
	if match := charsetPattern.FindStringSubmatch(contentType); match != nil {
		return match[1]
	}
	return contentType
}
