package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/traceview/internal/backend"
	"github.com/fakeyudi/traceview/internal/history"
	"github.com/fakeyudi/traceview/internal/model"
	"github.com/fakeyudi/traceview/internal/report"
	"github.com/fakeyudi/traceview/internal/trace"
	"github.com/fakeyudi/traceview/internal/tui"
)

// watchSettle coalesces bursts of writes to a live trace directory.
const watchSettle = 200 * time.Millisecond

var (
	plainOutput bool
	showFormat  string
	showWatch   bool
)

var showCmd = &cobra.Command{
	Use:   "show <trace>",
	Short: "Show a trace from a zip archive, directory or URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		traceURL := args[0]
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		format := showFormat
		if format == "" {
			format = cfg.DefaultFormat
		}
		renderer, err := report.ForFormat(format)
		if err != nil {
			return err
		}

		var live *backend.Dir
		if showWatch {
			info, err := os.Stat(traceURL)
			if err != nil || !info.IsDir() {
				return fmt.Errorf("--watch needs a trace directory, got %s", traceURL)
			}
			live = backend.NewDir(traceURL, traceURL, true)
		}

		m, err := openTrace(ctx, traceURL, live)
		if err != nil {
			return err
		}
		defer closeTrace(m)
		recordHistory(traceURL, m.ContextEntries)

		interactive := !plainOutput && term.IsTerminal(os.Stdout.Fd())
		if !interactive {
			if err := writeReport(cmd.OutOrStdout(), renderer, m.ContextEntries); err != nil {
				return err
			}
			if live == nil {
				return nil
			}
			return live.Watch(ctx, watchSettle, func() {
				reprintReport(ctx, cmd.OutOrStdout(), renderer, live)
			})
		}

		var reloads chan []*trace.ContextEntry
		if live != nil {
			reloads = make(chan []*trace.ContextEntry, 1)
			go func() {
				defer close(reloads)
				err := live.Watch(ctx, watchSettle, func() {
					next, ok := reload(ctx, live)
					if !ok {
						return
					}
					// Drop a reload the TUI has not picked up yet.
					select {
					case <-reloads:
					default:
					}
					reloads <- next
				})
				if err != nil {
					logger.Warn("watch stopped", zap.String("trace", traceURL), zap.Error(err))
				}
			}()
		}
		err = tui.Run(m.ContextEntries, traceURL, reloads)
		stop()
		return err
	},
}

// openTrace loads traceURL, or the live directory when one is given.
func openTrace(ctx context.Context, traceURL string, live *backend.Dir) (*model.TraceModel, error) {
	policy, err := missingActions()
	if err != nil {
		return nil, err
	}
	var b model.Backend = live
	if live == nil {
		b, err = backend.Open(ctx, traceURL, nil)
		if err != nil {
			return nil, err
		}
	}
	m := model.New(model.Options{
		CacheBytes:     cfg.RenderCacheBytes,
		MissingActions: policy,
		Logger:         logger.With(zap.String("trace", traceURL)),
	})
	if err := m.Load(ctx, b, nil); err != nil {
		if c, ok := b.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("load trace %s: %w", traceURL, err)
	}
	return m, nil
}

func closeTrace(m *model.TraceModel) {
	if c, ok := m.Backend().(io.Closer); ok {
		_ = c.Close()
	}
}

// reload re-reads a live directory. Half-written shards fail to load; the
// next change event tries again.
func reload(ctx context.Context, live *backend.Dir) ([]*trace.ContextEntry, bool) {
	m, err := openTrace(ctx, live.TraceURL(), live)
	if err != nil {
		logger.Debug("reload failed", zap.Error(err))
		return nil, false
	}
	return m.ContextEntries, true
}

// reprintReport reloads live and writes a fresh report to w.
func reprintReport(ctx context.Context, w io.Writer, r report.Renderer, live *backend.Dir) {
	next, ok := reload(ctx, live)
	if !ok {
		return
	}
	if err := writeReport(w, r, next); err != nil {
		logger.Warn("write report failed", zap.String("trace", live.TraceURL()), zap.Error(err))
	}
}

func writeReport(w io.Writer, r report.Renderer, contexts []*trace.ContextEntry) error {
	data, err := r.Render(contexts)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// recordHistory adds the trace to the recent list. Failures are logged, not
// returned: history is a convenience.
func recordHistory(traceURL string, contexts []*trace.ContextEntry) {
	store, err := history.NewStore()
	if err != nil {
		logger.Warn("open history failed", zap.Error(err))
		return
	}
	if !strings.Contains(traceURL, "://") {
		if abs, err := filepath.Abs(traceURL); err == nil {
			traceURL = abs
		}
	}
	sum := report.Summarize(contexts)
	err = store.Add(history.Entry{
		TraceURL: traceURL,
		Title:    sum.Title,
		Contexts: sum.Contexts,
		Actions:  sum.Actions,
		OpenedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("record history failed", zap.Error(err))
	}
}

func init() {
	showCmd.Flags().BoolVar(&plainOutput, "plain", false, "print a report instead of opening the TUI")
	showCmd.Flags().StringVar(&showFormat, "format", "", "report format: markdown or json (default from config)")
	showCmd.Flags().BoolVar(&showWatch, "watch", false, "reload when the trace directory changes")
	rootCmd.AddCommand(showCmd)
}
