package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"ward/internal/logging"
)

// WatchLogLevel follows log_level in the manifest at path and applies it to
// level until ctx ends. The directory is watched so that editors replacing
// the file are seen.
func WatchLogLevel(ctx context.Context, path string, level zap.AtomicLevel, log *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			applyLevel(path, level, log)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("manifest watch", zap.Error(err))
		}
	}
}

func applyLevel(path string, level zap.AtomicLevel, log *zap.Logger) {
	m, err := LoadManifest(path)
	if err != nil {
		log.Warn("reload manifest", zap.Error(err))
		return
	}
	if m.LogLevel == "" {
		return
	}
	l, err := logging.ParseLevel(m.LogLevel)
	if err != nil {
		log.Warn("bad log level", zap.String("level", m.LogLevel), zap.Error(err))
		return
	}
	if level.Level() != l {
		level.SetLevel(l)
		log.Info("log level changed", zap.Stringer("level", l))
	}
}
