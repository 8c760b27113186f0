package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the directory containing the resolved config file and
// logs when it changes. Configuration is not hot-reloaded; this only
// tells an operator to restart.
type Watcher struct {
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	path    string
	stop    chan struct{}
}

// NewWatcher starts watching path's parent directory. If the directory
// cannot be watched (e.g. it does not exist), NewWatcher returns a nil
// Watcher and a nil error: config watching is best-effort.
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		logger.Debug("config directory not watchable, skipping", zap.String("dir", dir), zap.Error(err))
		return nil, nil
	}

	w := &Watcher{logger: logger, watcher: fw, path: path, stop: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.logger.Info("config file changed on disk; restart to pick up changes", zap.String("path", w.path), zap.String("op", event.Op.String()))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case <-w.stop:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	if w == nil {
		return
	}
	close(w.stop)
	_ = w.watcher.Close()
}
