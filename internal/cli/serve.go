package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/eventbridge"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take to finish.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen        string
	DrainInterval time.Duration
	Origins       []string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Drain continuously and stream events to UI clients",
		Long: `Run the engine as a long-lived process.

The queue drains on every interval tick and whenever the remote becomes
reachable again. Engine events stream to WebSocket clients on /events;
/status returns the status summary and POST /drain triggers a drain.
With --config, policy changes in the file apply without a restart.

Example:
  offsync serve --config offsync.yaml
  offsync serve --db ./offsync.db --listen 127.0.0.1:9000 --interval 10s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().DurationVar(&opts.DrainInterval, "interval", 0, "drain interval (overrides config)")
	cmd.Flags().StringSliceVar(&opts.Origins, "allow-origin", nil, "extra WebSocket origin patterns to accept")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	out := newFormatter(cmd, opts.RootOptions)

	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return out.Fail("open", err)
	}
	defer s.Close()

	listen := opts.Listen
	if listen == "" {
		listen = s.cfg.Listen
	}
	interval := opts.DrainInterval
	if interval <= 0 {
		interval = s.cfg.DrainInterval
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.ConfigPath != "" {
		_, err := config.Watch(ctx, opts.ConfigPath, s.logger, func(cfg config.Config) {
			if err := s.engine.UpdatePolicy(cfg.Policy); err != nil {
				s.logger.Warn("policy reload rejected", "error", err)
			}
		})
		if err != nil {
			return out.Fail("watch config", err)
		}
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return out.Fail("listen", WrapExitError(ExitCommandError, "serve", err))
	}
	srv := &http.Server{
		Handler:           newServeMux(s.engine, s.logger, opts.Origins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() { errs <- srv.Serve(ln) }()
	go func() { errs <- s.engine.Run(ctx, interval) }()

	s.logger.Info("serving", "addr", ln.Addr().String(), "interval", interval.String())
	fmt.Fprintf(cmd.OutOrStdout(), "Streaming events on ws://%s/events (drain every %s)\n", ln.Addr(), interval)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
		cancel()
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, http.ErrServerClosed) {
		return out.Fail("serve failed", WrapExitError(ExitFailure, "serve", runErr))
	}
	s.logger.Info("stopped gracefully")
	return nil
}

// newServeMux routes the serve endpoints.
func newServeMux(eng *engine.Engine, logger *slog.Logger, origins []string) *http.ServeMux {
	mux := http.NewServeMux()

	bridgeOpts := []eventbridge.Option{eventbridge.WithLogger(logger.With("component", "eventbridge"))}
	if len(origins) > 0 {
		bridgeOpts = append(bridgeOpts, eventbridge.WithOriginPatterns(origins...))
	}
	mux.Handle("GET /events", eventbridge.New(eng.Bus(), bridgeOpts...))

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		st, err := eng.Status(r.Context())
		if err != nil {
			logger.Error("status request failed", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, st)
	})

	mux.HandleFunc("POST /drain", func(w http.ResponseWriter, r *http.Request) {
		res, err := eng.Drain(r.Context())
		if err != nil {
			logger.Error("drain request failed", "error", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, res)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
