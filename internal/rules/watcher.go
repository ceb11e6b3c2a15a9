package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce coalesces the burst of writes santad makes while
// committing a rule sync.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher refreshes an IdentityMap when santad changes its rule database.
// The database directory is watched rather than the file so that renames
// and recreations are seen.
type Watcher struct {
	identity *IdentityMap
	dbPath   string
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a Watcher for dbPath.
func NewWatcher(identity *IdentityMap, dbPath string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	return &Watcher{
		identity: identity,
		dbPath:   filepath.Clean(dbPath),
		debounce: debounce,
		logger:   logger,
	}
}

// Run watches until ctx is cancelled. It returns an error only if the watch
// cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Watcher.Run: %w", err)
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.dbPath)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("Watcher.Run: watch %s: %w", dir, err)
	}
	w.logger.Info("watching rule database", zap.String("path", w.dbPath))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule database watch error", zap.Error(err))
		case <-timer.C:
			if err := w.identity.Refresh(ctx); err != nil {
				w.logger.Warn("refresh after rule database change failed", zap.Error(err))
			}
		}
	}
}

// relevant reports whether ev touches the database or its write-ahead log.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	name := filepath.Clean(ev.Name)
	if name != w.dbPath && name != w.dbPath+"-wal" {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
