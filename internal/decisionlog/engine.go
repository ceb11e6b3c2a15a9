package decisionlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/allenhouchins/santa-2.0/internal/metrics"
	"go.uber.org/zap"
)

// DefaultLogPath is where santad writes its live decision log.
const DefaultLogPath = "/var/db/santa/santa.log"

// Engine reconstructs the decision stream from the live log plus the
// rotated gzip archives next to it.
//
// The live log is re-read on every call. Archives are decompressed once and
// cached until rotation produces a file at the cache's frontier index. The
// cache belongs to the Engine and is guarded by its mutex, so concurrent
// scrapes are serialized rather than racing on shared state.
type Engine struct {
	mu      sync.Mutex
	logPath string
	cache   archiveCache
	logger  *zap.Logger
}

// NewEngine creates an engine for the log at logPath.
func NewEngine(logPath string, logger *zap.Logger) *Engine {
	if logPath == "" {
		logPath = DefaultLogPath
	}
	return &Engine{
		logPath: logPath,
		logger:  logger,
	}
}

// LogPath returns the live log path the engine reads.
func (e *Engine) LogPath() string {
	return e.logPath
}

// Scrape returns every decision of the given class: live log entries first,
// then archive entries in index order, each in file order.
//
// A missing live log yields no live entries. Archive problems end the archive
// scan but keep what was read before them. Only a read failure on the live
// log stream, or ctx cancellation during a rescan, is returned as an error.
func (e *Engine) Scrape(ctx context.Context, class Class) ([]DecisionEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	events, err := e.scrapeLive(class)
	if err != nil {
		metrics.DecisionScrapesTotal.WithLabelValues(class.String(), "error").Inc()
		return nil, fmt.Errorf("Scrape: %w", err)
	}
	metrics.DecisionEventsReturned.WithLabelValues(class.String(), "live").Add(float64(len(events)))
	liveCount := len(events)

	if !openable(ArchivePath(e.logPath, e.cache.nextOldest)) {
		events = e.cache.replay(class, events)
	} else {
		events, err = e.rescanArchives(ctx, class, events)
		if err != nil {
			metrics.DecisionScrapesTotal.WithLabelValues(class.String(), "error").Inc()
			return nil, fmt.Errorf("Scrape: %w", err)
		}
	}

	metrics.DecisionEventsReturned.WithLabelValues(class.String(), "archive").Add(float64(len(events) - liveCount))
	metrics.DecisionScrapesTotal.WithLabelValues(class.String(), "ok").Inc()
	return events, nil
}

// scrapeLive reads the live log for class. The live portion is never cached.
func (e *Engine) scrapeLive(class Class) ([]DecisionEvent, error) {
	f, err := os.Open(e.logPath)
	if err != nil {
		e.logger.Debug("live decision log unavailable",
			zap.String("path", e.logPath),
			zap.Error(err),
		)
		return nil, nil
	}
	defer func() { _ = f.Close() }()

	var events []DecisionEvent
	err = scanLines(f, func(line string) {
		if class.Matches(line) {
			events = append(events, eventFromLine(line))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scrapeLive %s: %w", e.logPath, err)
	}
	return events, nil
}

// rescanArchives drops the cache and walks <log>.0.gz, <log>.1.gz, ... until
// an index cannot be read. Raw lines of every decoded archive are cached.
func (e *Engine) rescanArchives(ctx context.Context, class Class, events []DecisionEvent) ([]DecisionEvent, error) {
	metrics.ArchiveRescansTotal.Inc()
	e.cache.reset()

	for i := 0; ; i++ {
		e.cache.nextOldest = i
		if err := ctx.Err(); err != nil {
			metrics.ArchiveCachedLines.Set(float64(len(e.cache.lines)))
			return nil, err
		}

		path := ArchivePath(e.logPath, i)
		lines, err := readArchive(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				e.logger.Warn("failed to read decision log archive, stopping archive scan",
					zap.String("path", path),
					zap.Error(err),
				)
			}
			break
		}

		for _, line := range lines {
			if class.Matches(line) {
				events = append(events, eventFromLine(line))
			}
		}
		e.cache.lines = append(e.cache.lines, lines...)

		e.logger.Debug("processed decision log archive",
			zap.String("path", path),
			zap.Int("lines", len(lines)),
		)
	}

	metrics.ArchiveCachedLines.Set(float64(len(e.cache.lines)))
	e.logger.Info("decision log archives rescanned",
		zap.Int("archives", e.cache.nextOldest),
		zap.Int("cached_lines", len(e.cache.lines)),
	)
	return events, nil
}
