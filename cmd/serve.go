package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/traceview/internal/router"
)

const shutdownTimeout = 5 * time.Second

var (
	serveAddr   string
	serveScope  string
	serveHTTPS  bool
	serveStatic string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trace viewer API and recorded snapshots over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.ListenAddr = serveAddr
		}
		if cmd.Flags().Changed("scope") {
			cfg.Scope = serveScope
		}
		if cmd.Flags().Changed("https") {
			cfg.HTTPS = &serveHTTPS
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cmd.OutOrStdout())
	},
}

// runServe serves until ctx is cancelled, then shuts the server down
// gracefully.
func runServe(ctx context.Context, out io.Writer) error {
	idle, err := cfg.IdleTimeout()
	if err != nil {
		return err
	}
	sweep, err := cfg.SweepInterval()
	if err != nil {
		return err
	}
	policy, err := missingActions()
	if err != nil {
		return err
	}

	opts := router.Options{
		CacheBytes:     cfg.RenderCacheBytes,
		MissingActions: policy,
		IdleTimeout:    idle,
		GCInterval:     sweep,
		Logger:         logger,
	}
	if cfg.FileRoot != "" {
		opts.FileServer = router.LocalFileServer{Root: cfg.FileRoot}
	}
	registry := router.NewRegistry(opts)
	registry.Start(ctx)
	defer registry.Close()

	rcfg := router.Config{
		Scope:   cfg.Scope,
		HTTPS:   cfg.ServeHTTPS(),
		Metrics: cfg.MetricsEnabled(),
		Logger:  logger,
	}
	if serveStatic != "" {
		rcfg.Fallback = http.FileServer(http.Dir(serveStatic))
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler:           router.New(registry, rcfg),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}

	scheme := "http"
	if rcfg.HTTPS {
		scheme = "https"
	}
	fmt.Fprintf(out, "Serving traces at %s://%s%s\n", scheme, ln.Addr(), rcfg.Scope)
	logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("scope", rcfg.Scope))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errc
	return nil
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, :9323)")
	serveCmd.Flags().StringVar(&serveScope, "scope", "", "path prefix of the viewer API (default /trace/)")
	serveCmd.Flags().BoolVar(&serveHTTPS, "https", false, "the viewer is reached over https")
	serveCmd.Flags().StringVar(&serveStatic, "static", "", "directory with the viewer's static assets")
	rootCmd.AddCommand(serveCmd)
}
