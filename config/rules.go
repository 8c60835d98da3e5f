package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/ggoodman/mcp-streaming-bridge/disposition"
)

// LoadRules reads a JSON rules file. Fields absent from the file keep the
// values of base.
func LoadRules(path string, base disposition.Rules) (disposition.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return disposition.Rules{}, fmt.Errorf("config: read rules: %w", err)
	}
	r := base
	if err := json.Unmarshal(data, &r); err != nil {
		return disposition.Rules{}, fmt.Errorf("config: parse rules %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return disposition.Rules{}, fmt.Errorf("config: rules %s: %w", path, err)
	}
	return r, nil
}

// WatchRules loads the rules file at path, hands it to apply, and does so
// again every time the file changes until ctx is done. An unreadable or
// invalid file is logged and the previously applied rules stay in effect.
//
// The parent directory is watched rather than the file so that editors and
// config managers that replace the file by rename are picked up.
func WatchRules(ctx context.Context, log *slog.Logger, path string, base disposition.Rules, apply func(disposition.Rules) error) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: rules path: %w", err)
	}

	reload := func() {
		r, err := LoadRules(abs, base)
		if err != nil {
			log.WarnContext(ctx, "rules.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
			return
		}
		if err := apply(r); err != nil {
			log.WarnContext(ctx, "rules.apply.fail", slog.String("path", abs), slog.String("err", err.Error()))
			return
		}
		log.InfoContext(ctx, "rules.reload.ok",
			slog.String("path", abs),
			slog.Int64("size_threshold", r.SizeThreshold),
			slog.Any("stream_methods", r.StreamMethods),
		)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: rules watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	reload()

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WarnContext(ctx, "rules.watch.fail", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}
