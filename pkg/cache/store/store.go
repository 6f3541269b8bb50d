package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/pkg/xattr"
	"golang.org/x/sync/singleflight"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache/cleaner"
	"github.com/valandreev/mediasync/pkg/cache/files"
	"github.com/valandreev/mediasync/pkg/cache/index"
	"github.com/valandreev/mediasync/pkg/media"
)

const (
	// DefaultTTL is how long an entry stays visible to lookups after it was written.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultSoftThresholdPercent is the share of MaxSize eviction compacts down to.
	DefaultSoftThresholdPercent = 80

	sourceAttr = "user.mediasync.source"
)

// FetchFunc materialises the bytes of source into w.
type FetchFunc func(ctx context.Context, source string, w io.Writer) error

// SpaceHandler is notified when a cache write runs out of disk space.
type SpaceHandler interface {
	HandleENOSPC(ctx context.Context) error
}

// Logger captures structured output for the cache.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls cache behaviour.
type Config struct {
	// Dir is the cache directory. Ignored when WithFilesystem is used.
	Dir string
	// MaxSize is the configured maximum total size in bytes.
	MaxSize              int64
	SoftThresholdPercent int
	TTL                  time.Duration
}

func (c *Config) applyDefaults() {
	if c.SoftThresholdPercent <= 0 || c.SoftThresholdPercent > 100 {
		c.SoftThresholdPercent = DefaultSoftThresholdPercent
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
}

// SoftThreshold is the total size eviction compacts down to.
func (c Config) SoftThreshold() int64 {
	return c.MaxSize * int64(c.SoftThresholdPercent) / 100
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries       int
	Bytes         int64
	SoftThreshold int64
	MaxSize       int64
	TTL           time.Duration
	Oldest        time.Time
}

// Option customises cache construction.
type Option func(*Cache)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithFilesystem stores cache files in fs instead of an osfs rooted at Config.Dir.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Cache) {
		c.fs = fs
	}
}

// WithClock replaces time.Now, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithSpaceHandler registers the handler invoked when a write fails with ENOSPC.
func WithSpaceHandler(h SpaceHandler) Option {
	return func(c *Cache) {
		c.space = h
	}
}

// Cache maps remote source identifiers to durable local copies.
type Cache struct {
	cfg     Config
	fs      billy.Filesystem
	logger  Logger
	now     func() time.Time
	cleaner *cleaner.Cleaner
	space   SpaceHandler

	initMu      sync.Mutex
	initialized atomic.Bool

	mu        sync.RWMutex
	idx       *index.Index
	lastWrite time.Time

	downloads singleflight.Group
}

// New constructs a cache. No filesystem work happens until Initialize.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg.applyDefaults()
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("cache store: max size must be positive, got %d", cfg.MaxSize)
	}

	c := &Cache{
		cfg:    cfg,
		logger: defaultLogger(),
		now:    time.Now,
		idx:    index.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.fs == nil {
		if cfg.Dir == "" {
			return nil, errors.New("cache store: cache directory is required")
		}
		c.fs = osfs.New(cfg.Dir)
	}

	cl, err := cleaner.New(c.fs, cleaner.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	c.cleaner = cl
	return c, nil
}

// Initialize ensures the cache directory exists and, when the index is empty,
// rebuilds it from the files found there. Concurrent and repeated calls
// collapse into one effective run; a failed run is retried by the next call.
func (c *Cache) Initialize(ctx context.Context) error {
	if c.initialized.Load() {
		return nil
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.fs.MkdirAll(".", 0o755); err != nil {
		return fmt.Errorf("%w: create cache directory: %v", media.ErrIO, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx.Len() == 0 {
		if err := c.scanLocked(ctx); err != nil {
			return err
		}
	}
	c.initialized.Store(true)
	return nil
}

func (c *Cache) scanLocked(ctx context.Context) error {
	infos, err := c.fs.ReadDir(".")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: scan cache directory: %v", media.ErrIO, err)
	}

	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := info.Name()
		if info.IsDir() {
			continue
		}
		if files.IsStaging(name) {
			if err := c.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warnf("cache: remove leftover staging file %s: %v", name, err)
			}
			continue
		}
		if !media.IsCacheKey(name) {
			c.logger.Debugf("cache: indexing foreign file %s", name)
		}
		c.idx.Put(index.Entry{
			Key:       name,
			LocalPath: name,
			WriteTime: info.ModTime(),
			Size:      info.Size(),
			Source:    c.readSource(name),
		})
	}

	if n := c.idx.Len(); n > 0 {
		c.logger.Infof("cache: rebuilt index with %d entries (%s)", n, media.FormatBytes(c.idx.TotalSize()))
	}
	return nil
}

func (c *Cache) ensureInit(ctx context.Context) bool {
	if err := c.Initialize(ctx); err != nil {
		c.logger.Warnf("cache: initialize failed: %v", err)
		return false
	}
	return true
}

// Get returns the local path cached for source. Expired entries are reported
// as misses but stay on disk; entries whose file vanished are dropped.
func (c *Cache) Get(ctx context.Context, source string) (string, bool) {
	if !c.ensureInit(ctx) {
		return "", false
	}
	key := media.CacheKey(source)

	c.mu.RLock()
	entry, ok := c.idx.Get(key)
	c.mu.RUnlock()
	if !ok {
		return "", false
	}

	if entry.Age(c.now()) >= c.cfg.TTL {
		return "", false
	}

	if _, err := c.fs.Stat(entry.LocalPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.dropStale(entry)
		} else {
			c.logger.Warnf("cache: stat %s: %v", entry.LocalPath, err)
		}
		return "", false
	}
	return c.absPath(entry.LocalPath), true
}

// dropStale removes entry unless it was replaced since it was read.
func (c *Cache) dropStale(entry index.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.idx.Get(entry.Key)
	if !ok || !current.WriteTime.Equal(entry.WriteTime) {
		return
	}
	c.idx.Delete(entry.Key)
	c.logger.Debugf("cache: dropped stale entry %s", entry.Key)
}

// Set copies localPath into the cache under source's key and runs eviction.
// The index is only updated once the copy is committed.
func (c *Cache) Set(ctx context.Context, source, localPath string) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	key := media.CacheKey(source)

	size, err := c.writeRetryingENOSPC(ctx, key, func(w io.Writer) error {
		src, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		c.logger.Warnf("cache: store %s failed: %v", source, err)
		return fmt.Errorf("%w: cache %s: %v", media.ErrIO, source, err)
	}

	c.insert(ctx, key, source, size)
	return nil
}

// Download returns the cached path for source, fetching it on a miss. Any
// failure yields source unchanged so callers can fall back to the original.
func (c *Cache) Download(ctx context.Context, source string, fetch FetchFunc) string {
	if path, ok := c.Get(ctx, source); ok {
		return path
	}
	if fetch == nil {
		return source
	}
	key := media.CacheKey(source)

	v, err, _ := c.downloads.Do(key, func() (any, error) {
		size, err := c.writeRetryingENOSPC(ctx, key, func(w io.Writer) error {
			return fetch(ctx, source, w)
		})
		if err != nil {
			return "", err
		}
		info, err := c.fs.Stat(key)
		if err != nil {
			return "", fmt.Errorf("verify fetched file: %w", err)
		}
		if info.Size() != size {
			c.logger.Debugf("cache: fetched %s reports %d bytes, staged %d", key, info.Size(), size)
		}
		c.insert(ctx, key, source, info.Size())
		return c.absPath(key), nil
	})
	if err != nil {
		c.logger.Warnf("cache: download %s failed: %v", source, err)
		return source
	}
	return v.(string)
}

// writeRetryingENOSPC stages write into key, giving the space handler one
// chance to reclaim room when the disk is full.
func (c *Cache) writeRetryingENOSPC(ctx context.Context, key string, write func(io.Writer) error) (int64, error) {
	size, err := c.write(key, write)
	if err == nil || c.space == nil || !errors.Is(err, syscall.ENOSPC) {
		return size, err
	}

	c.logger.Warnf("cache: out of space writing %s, attempting recovery", key)
	if herr := c.space.HandleENOSPC(ctx); herr != nil {
		return 0, fmt.Errorf("%v (recovery: %v)", err, herr)
	}
	return c.write(key, write)
}

func (c *Cache) write(key string, write func(io.Writer) error) (int64, error) {
	container, err := files.OpenContainer(c.fs, key)
	if err != nil {
		return 0, err
	}
	if err := write(container); err != nil {
		_ = container.Abort()
		return 0, err
	}
	size := container.Size()
	if err := container.Close(); err != nil {
		return 0, err
	}
	return size, nil
}

func (c *Cache) insert(ctx context.Context, key, source string, size int64) {
	c.writeSource(key, source)

	c.mu.Lock()
	defer c.mu.Unlock()

	written := c.now()
	if !written.After(c.lastWrite) {
		written = c.lastWrite.Add(time.Nanosecond)
	}
	c.lastWrite = written

	c.idx.Put(index.Entry{
		Key:       key,
		LocalPath: key,
		WriteTime: written,
		Size:      size,
		Source:    source,
	})
	c.evictLocked(ctx, key)
}

func (c *Cache) evictLocked(ctx context.Context, keep string) {
	_, err := c.cleaner.RunOnce(ctx, c.idx, cleaner.Trigger{
		Reason: cleaner.TriggerReasonWrite,
		Target: c.cfg.SoftThreshold(),
		Keep:   keep,
	})
	if err != nil {
		c.logger.Debugf("cache: eviction incomplete: %v", err)
	}
}

// Clear removes every cached file and resets the index.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	infos, err := c.fs.ReadDir(".")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: list cache directory: %v", media.ErrIO, err)
	}
	var errs []error
	for _, info := range infos {
		if err := util.RemoveAll(c.fs, info.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.fs.MkdirAll(".", 0o755); err != nil {
		errs = append(errs, err)
	}
	c.idx.Reset()

	if err := errors.Join(errs...); err != nil {
		c.logger.Warnf("cache: clear incomplete: %v", err)
		return fmt.Errorf("%w: clear cache: %v", media.ErrIO, err)
	}
	return nil
}

// CurrentSize returns the total size in bytes of all indexed entries.
func (c *Cache) CurrentSize() uint64 {
	c.ensureInit(context.Background())

	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(c.idx.TotalSize())
}

// Stats returns a snapshot of the index totals.
func (c *Cache) Stats() Stats {
	c.ensureInit(context.Background())

	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		Entries:       c.idx.Len(),
		Bytes:         c.idx.TotalSize(),
		SoftThreshold: c.cfg.SoftThreshold(),
		MaxSize:       c.cfg.MaxSize,
		TTL:           c.cfg.TTL,
	}
	if oldest, ok := c.idx.Oldest(); ok {
		s.Oldest = oldest.WriteTime
	}
	return s
}

// Entries lists indexed entries oldest first.
func (c *Cache) Entries() []index.Entry {
	c.ensureInit(context.Background())

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idx.Snapshot()
}

// Remove drops the entry cached for source and deletes its file.
func (c *Cache) Remove(ctx context.Context, source string) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	key := media.CacheKey(source)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fs.Remove(key); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", media.ErrIO, key, err)
	}
	if _, ok := c.idx.Delete(key); !ok {
		return media.ErrNotFound
	}
	return nil
}

// Compact evicts oldest entries until the cache fits trigger.Target. A zero
// target on a manual trigger means the soft threshold.
func (c *Cache) Compact(ctx context.Context, trigger cleaner.Trigger) (cleaner.Report, error) {
	if err := c.Initialize(ctx); err != nil {
		return cleaner.Report{}, err
	}
	if trigger.Reason == cleaner.TriggerReasonManual && trigger.Target <= 0 {
		trigger.Target = c.cfg.SoftThreshold()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleaner.RunOnce(ctx, c.idx, trigger)
}

// Dir returns the root of the cache filesystem.
func (c *Cache) Dir() string {
	return c.fs.Root()
}

func (c *Cache) absPath(name string) string {
	return filepath.Join(c.fs.Root(), filepath.FromSlash(name))
}

// writeSource records source as an extended attribute. Best effort: many
// filesystems and all in-memory ones do not support it.
func (c *Cache) writeSource(key, source string) {
	if err := xattr.Set(c.absPath(key), sourceAttr, []byte(source)); err != nil {
		c.logger.Debugf("cache: xattr on %s unavailable: %v", key, err)
	}
}

func (c *Cache) readSource(key string) string {
	data, err := xattr.Get(c.absPath(key), sourceAttr)
	if err != nil {
		return ""
	}
	return string(data)
}

func defaultLogger() Logger {
	return log.GetLogger("cache-store")
}
