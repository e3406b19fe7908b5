// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/voxgate/transcribe-server/internal/log"
)

// Watcher reloads the non-sensitive, hot-reloadable subset of an AppConfig
// (log level, CORS toggle) when the backing file changes on disk. TLS and
// token-store paths are fixed at startup and never reread.
type Watcher struct {
	path string

	mu  sync.RWMutex
	log LogConfig
	cors CORSConfig

	closed atomic.Bool
}

// NewWatcher starts watching path for changes, seeding the initial
// hot-reloadable values from cfg. If path is empty, the watcher is inert.
func NewWatcher(ctx context.Context, path string, cfg AppConfig) (*Watcher, error) {
	w := &Watcher{path: path, log: cfg.Log, cors: cfg.CORS}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.run(ctx, fsw)

	return w, nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	logger := log.WithComponent("config-watcher")
	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := Load(w.path)
			if err != nil {
				logger.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous values")
				continue
			}
			w.mu.Lock()
			w.log = reloaded.Log
			w.cors = reloaded.CORS
			w.mu.Unlock()
			logger.Info().Str("level", reloaded.Log.Level).Bool("cors_enabled", reloaded.CORS.Enabled).Msg("config hot-reloaded")
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

// LogLevel returns the current hot-reloadable log level.
func (w *Watcher) LogLevel() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.log.Level
}

// CORS returns the current hot-reloadable CORS configuration.
func (w *Watcher) CORS() CORSConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cors
}
