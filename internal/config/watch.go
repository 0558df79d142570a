package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watch loads path and calls onChange with every valid configuration
// written to it afterwards, until ctx is done.
//
// Invalid edits are logged and skipped so a typo never takes down a
// running engine. The initial configuration is returned, not passed to
// onChange.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) (Config, error) {
	if path == "" {
		return Config{}, fmt.Errorf("watch config: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	initial, err := decode(v)
	if err != nil {
		return Config{}, err
	}

	var stopped atomic.Bool
	go func() {
		<-ctx.Done()
		stopped.Store(true)
	}()

	v.OnConfigChange(func(e fsnotify.Event) {
		if stopped.Load() || !(e.Has(fsnotify.Write) || e.Has(fsnotify.Create)) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", "path", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "path", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()

	return initial, nil
}
