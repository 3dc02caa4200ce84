package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/TFMV/hdbdash/db"
)

var loadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name: "hdbdash_load_seconds",
	Help: "Dataset load latency by origin (csv or snapshot)",
}, []string{"origin"})

func init() {
	prometheus.MustRegister(loadLatency)
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// CacheSize bounds how many distinct paths stay memoized.
	CacheSize int
	// SnapshotDir, when set, holds Arrow IPC snapshots of parsed tables.
	SnapshotDir string
	// BreakerTimeout is how long the remote-source breaker stays open.
	BreakerTimeout time.Duration
	// BreakerFailures trips the breaker after this many consecutive failures.
	BreakerFailures uint32
	// ClientOptions are passed to the Cloud Storage client for gs:// paths.
	ClientOptions []option.ClientOption
}

// Loader reads datasets and memoizes them by path. A path is parsed again
// only after CacheSize other paths have pushed it out of the cache, and
// concurrent first loads share a single parse.
type Loader struct {
	mu    sync.Mutex
	cache *lru.Cache
	group singleflight.Group

	src         *source
	snapshotDir string
	logger      *zap.Logger

	parses int
}

// NewLoader creates a loader.
func NewLoader(opts LoaderOptions, logger *zap.Logger) *Loader {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 8
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	failures := opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "DatasetSource",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	cache := lru.New(opts.CacheSize)
	cache.OnEvicted = func(key lru.Key, _ interface{}) {
		logger.Debug("dataset evicted from cache", zap.Any("path", key))
	}

	return &Loader{
		cache:       cache,
		src:         newSource(cb, opts.ClientOptions),
		snapshotDir: opts.SnapshotDir,
		logger:      logger,
	}
}

// Load returns the table for path, parsing it only when it is not cached.
func (l *Loader) Load(ctx context.Context, path string) (*db.Table, error) {
	if t, ok := l.cached(path); ok {
		return t, nil
	}

	v, err := l.group.Do(path, func() (interface{}, error) {
		if t, ok := l.cached(path); ok {
			return t, nil
		}
		t, err := l.read(ctx, path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache.Add(path, t)
		l.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*db.Table), nil
}

// Parses reports how many times a source has been read and parsed.
func (l *Loader) Parses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.parses
}

// Close releases the remote storage client, if any.
func (l *Loader) Close() error {
	return l.src.close()
}

func (l *Loader) cached(path string) (*db.Table, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.cache.Get(path)
	if !ok {
		return nil, false
	}
	return v.(*db.Table), true
}

func (l *Loader) read(ctx context.Context, path string) (*db.Table, error) {
	l.mu.Lock()
	l.parses++
	l.mu.Unlock()

	snap := l.snapshotPath(path)
	if snap != "" {
		if t, ok := l.readSnapshot(ctx, path, snap); ok {
			return t, nil
		}
	}

	start := time.Now()
	rc, err := l.src.open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer rc.Close()

	t, err := ReadCSV(rc)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	loadLatency.WithLabelValues("csv").Observe(time.Since(start).Seconds())
	l.logger.Info("dataset loaded",
		zap.String("path", path),
		zap.Int("rows", t.NumRows()),
		zap.Int("columns", t.NumCols()),
		zap.Duration("elapsed", time.Since(start)))

	if snap != "" {
		if err := SaveSnapshot(snap, t); err != nil {
			l.logger.Warn("failed to write snapshot", zap.String("snapshot", snap), zap.Error(err))
		}
	}
	return t, nil
}

// readSnapshot loads snap if it is at least as new as the source.
func (l *Loader) readSnapshot(ctx context.Context, path, snap string) (*db.Table, bool) {
	info, err := os.Stat(snap)
	if err != nil {
		return nil, false
	}
	srcTime, err := l.src.modTime(ctx, path)
	if err != nil || info.ModTime().Before(srcTime) {
		return nil, false
	}

	start := time.Now()
	t, err := LoadSnapshot(snap)
	if err != nil {
		l.logger.Warn("ignoring unreadable snapshot", zap.String("snapshot", snap), zap.Error(err))
		return nil, false
	}
	loadLatency.WithLabelValues("snapshot").Observe(time.Since(start).Seconds())
	l.logger.Info("dataset loaded from snapshot",
		zap.String("path", path),
		zap.String("snapshot", snap),
		zap.Int("rows", t.NumRows()))
	return t, true
}

// snapshotPath names the snapshot after the source's base name plus a hash
// of its full location, so sources sharing a file name never collide.
func (l *Loader) snapshotPath(path string) string {
	if l.snapshotDir == "" {
		return ""
	}
	id := sourceID(path)
	name := filepath.Base(strings.TrimSuffix(id, "/")) + "-" + strconv.FormatUint(xxhash.Sum64String(id), 16) + ".arrow"
	return filepath.Join(l.snapshotDir, name)
}

// sourceID is the canonical location of path: the gs:// URL as given, or
// the cleaned absolute file path.
func sourceID(path string) string {
	if isGCS(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
