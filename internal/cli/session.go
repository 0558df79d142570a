package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/remote/httpremote"
	"github.com/roach88/offsync/internal/schema"
	"github.com/roach88/offsync/internal/store"
)

// session is an engine opened for one command invocation.
type session struct {
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger

	closers []io.Closer
}

// openSession loads configuration, applies flag overrides and opens the
// store, remote and engine.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.LogFile != "" {
		cfg.Log.File = opts.LogFile
	}

	s := &session{cfg: cfg}
	logger, closer := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	s.logger = logger
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	var reg *schema.Registry
	if cfg.SchemaFile != "" {
		if reg, err = schema.Load(cfg.SchemaFile); err != nil {
			s.Close()
			return nil, WrapExitError(ExitCommandError, "load schema", err)
		}
	}

	ep, err := newEndpoint(cfg.Remote, logger)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "configure remote", err)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitFailure, fmt.Sprintf("open database %s", cfg.Database), err)
	}
	s.store = st
	s.closers = append(s.closers, st)

	eng, err := engine.New(st, ep,
		engine.WithPolicy(cfg.Policy),
		engine.WithSchema(reg),
		engine.WithLogger(logger),
	)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "start engine", err)
	}
	s.engine = eng

	logger.Debug("session opened", "database", cfg.Database, "remote", cfg.Remote.URL, "schema", cfg.SchemaFile)
	return s, nil
}

// Close releases everything the session opened, newest first.
func (s *session) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && s.logger != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
}

// newEndpoint returns the HTTP remote, or an always-offline endpoint when
// no URL is configured.
func newEndpoint(rc config.RemoteConfig, logger *slog.Logger) (remote.Endpoint, error) {
	if rc.URL == "" {
		return remote.Disconnected{}, nil
	}
	return httpremote.New(rc.URL,
		httpremote.WithTimeout(rc.Timeout),
		httpremote.WithBreaker(rc.BreakerFailures, rc.BreakerCooldown),
		httpremote.WithLogger(logger.With("component", "remote")),
	)
}

// newLogger builds the process logger. Logs go to stderr unless a log file
// is configured, in which case they go through a size-rotated file.
func newLogger(stderr io.Writer, lc config.LogConfig, verbose bool) (*slog.Logger, io.Closer) {
	var (
		w      io.Writer = stderr
		closer io.Closer
	)
	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
		}
		w, closer = lj, lj
	}

	hopts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if verbose {
		hopts.Level = slog.LevelDebug
	}

	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	return slog.New(h), closer
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
