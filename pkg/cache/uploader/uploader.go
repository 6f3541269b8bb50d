package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache/index"
	"github.com/valandreev/mediasync/pkg/media"
)

const (
	DefaultMaxRetries         = 3
	DefaultTimeout            = 30 * time.Second
	DefaultBaseRetryDelay     = time.Second
	DefaultMaxRetryDelay      = 5 * time.Second
	DefaultCompressionQuality = 0.8
	DefaultMaxWidth           = 1080
)

// Compressor resizes and recompresses one image.
type Compressor interface {
	Compress(ctx context.Context, path string, quality float64, maxWidth int) (media.Compressed, error)
}

// Transfer sends local bytes to the remote store, reporting progress in [0,100].
type Transfer interface {
	Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error)
}

// ProgressFunc receives the upload progress as a fraction in [0,1].
type ProgressFunc func(fraction float64)

// Logger captures structured log output for uploader operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Sleeper waits between attempts. Implementations return early with ctx.Err()
// when ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Metrics captures uploader telemetry.
type Metrics interface {
	RecordQueued(kind media.Kind)
	RecordStarted(kind media.Kind)
	RecordRetried(kind media.Kind)
	RecordCompleted(kind media.Kind, bytes int64, elapsed time.Duration)
	RecordFailed(kind media.Kind, reason string)
}

// Config controls pipeline defaults. Per-call Options override them.
type Config struct {
	MaxConcurrentUploads int
	MaxRetries           int
	Timeout              time.Duration
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	MaxUploadBytes       int64
	CompressionQuality   float64
	MaxWidth             int
}

// Options tune a single upload. Zero values fall back to Config.
type Options struct {
	MaxRetries int
	Timeout    time.Duration
	MaxSize    int64
	Quality    float64
	MaxWidth   int
	// Duration is attached to video and voice note results.
	Duration time.Duration
	// Name overrides the remote object name; defaults to a fresh uuid plus the file extension.
	Name     string
	Progress ProgressFunc
}

// Option customises pipeline construction.
type Option func(*Pipeline)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithSleeper overrides the backoff wait (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(p *Pipeline) {
		p.sleeper = sleeper
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithJournal records the outcome of every Upload call.
func WithJournal(journal index.Journal) Option {
	return func(p *Pipeline) {
		p.journal = journal
	}
}

// Pipeline turns local media into confirmed remote copies.
type Pipeline struct {
	cfg        Config
	transfer   Transfer
	compressor Compressor
	journal    index.Journal
	logger     Logger
	sleeper    Sleeper
	metrics    Metrics
	slots      *semaphore.Weighted

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

// New constructs a Pipeline with the provided configuration.
func New(cfg Config, transfer Transfer, compressor Compressor, opts ...Option) (*Pipeline, error) {
	if transfer == nil {
		return nil, errors.New("cache uploader: transfer is required")
	}
	if compressor == nil {
		return nil, errors.New("cache uploader: compressor is required")
	}

	cfg = applyDefaults(cfg)

	p := &Pipeline{
		cfg:        cfg,
		transfer:   transfer,
		compressor: compressor,
		logger:     defaultLogger(),
		sleeper:    realSleeper{},
		metrics:    noopMetrics{},
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentUploads)),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = defaultLogger()
	}
	if p.sleeper == nil {
		p.sleeper = realSleeper{}
	}
	if p.metrics == nil {
		p.metrics = noopMetrics{}
	}

	return p, nil
}

// Upload validates, optionally compresses and transfers localPath. Photos are
// compressed once; only the transfer is retried.
func (p *Pipeline) Upload(ctx context.Context, localPath string, kind media.Kind, opts Options) (media.UploadResult, error) {
	opts = p.resolve(opts)
	started := time.Now()

	p.metrics.RecordQueued(kind)
	record := p.journalAdd(ctx, localPath, kind)

	result, err := p.upload(ctx, localPath, kind, opts, record)

	p.journalFinish(ctx, record, result, err)
	if err != nil {
		reason := string(media.KindOf(err))
		p.metrics.RecordFailed(kind, reason)
		p.logger.Warnf("upload %s (%s) failed: %v", localPath, kind, err)
		return result, err
	}

	p.metrics.RecordCompleted(kind, result.Size, time.Since(started))
	p.logger.Infof("uploaded %s (%s, %s) to %s in %d attempt(s)", localPath, kind,
		media.FormatBytes(result.Size), result.URI, result.Attempts)
	return result, nil
}

// UploadVoiceNote uploads a voice recording unchanged with its duration attached.
func (p *Pipeline) UploadVoiceNote(ctx context.Context, localPath string, duration time.Duration, opts Options) (media.UploadResult, error) {
	opts.Duration = duration
	return p.Upload(ctx, localPath, media.KindVoiceNote, opts)
}

// Validate reports whether localPath may be uploaded as kind.
func (p *Pipeline) Validate(localPath string, kind media.Kind, maxSize int64) bool {
	return p.ValidateErr(localPath, kind, maxSize) == nil
}

// ValidateErr is Validate returning the reason for rejection.
func (p *Pipeline) ValidateErr(localPath string, kind media.Kind, maxSize int64) error {
	if maxSize <= 0 {
		maxSize = p.cfg.MaxUploadBytes
	}
	_, err := validate(localPath, kind, maxSize)
	return err
}

func validate(localPath string, kind media.Kind, maxSize int64) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown media kind %q", media.ErrValidationFailed, kind)
	}
	return media.CheckFile(localPath, maxSize)
}

func (p *Pipeline) upload(ctx context.Context, localPath string, kind media.Kind, opts Options, record string) (media.UploadResult, error) {
	result := media.UploadResult{Kind: kind}

	size, err := validate(localPath, kind, opts.MaxSize)
	if err != nil {
		return result, err
	}

	req := media.TransferRequest{
		Path: localPath,
		Size: size,
		Kind: kind,
		Name: opts.Name,
	}

	switch kind {
	case media.KindPhoto:
		compressed, err := p.compress(ctx, localPath, opts)
		if err != nil {
			return result, err
		}
		if compressed.Path != localPath {
			defer p.removeArtifact(compressed.Path)
		}
		req.Path = compressed.Path
		req.Size = compressed.Size
		result.Width = compressed.Width
		result.Height = compressed.Height
	case media.KindVideo, media.KindVoiceNote:
		result.Duration = opts.Duration
	}
	// named after compression so the extension matches the bytes sent
	if req.Name == "" {
		req.Name = uuid.NewString() + filepath.Ext(req.Path)
	}

	p.journalUpdate(ctx, record, func(rec index.UploadRecord) index.UploadRecord {
		rec.Status = index.UploadStatusInProgress
		return rec
	})

	sent, attempts, err := p.sendWithRetry(ctx, req, opts)
	result.Attempts = attempts
	if err != nil {
		return result, err
	}

	result.URI = sent.URI
	result.Size = sent.Size
	if result.Size == 0 {
		result.Size = req.Size
	}
	return result, nil
}

func (p *Pipeline) compress(ctx context.Context, localPath string, opts Options) (media.Compressed, error) {
	compressed, err := p.compressor.Compress(ctx, localPath, opts.Quality, opts.MaxWidth)
	if err != nil {
		if ctx.Err() != nil {
			return media.Compressed{}, fmt.Errorf("%w: %v", media.ErrCancelled, ctx.Err())
		}
		if errors.Is(err, media.ErrCompressionFailed) {
			return media.Compressed{}, err
		}
		return media.Compressed{}, fmt.Errorf("%w: %v", media.ErrCompressionFailed, err)
	}
	if compressed.Path == "" {
		return media.Compressed{}, fmt.Errorf("%w: compressor returned no output", media.ErrCompressionFailed)
	}
	return compressed, nil
}

func (p *Pipeline) removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warnf("remove compressed artifact %s: %v", path, err)
	}
}

// PauseUploads holds new transfer attempts until ResumeUploads. Attempts
// already running are not interrupted.
func (p *Pipeline) PauseUploads(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.paused {
		p.paused = true
		p.resumed = make(chan struct{})
		p.logger.Infof("uploads paused")
	}
	return nil
}

// ResumeUploads releases attempts held by PauseUploads.
func (p *Pipeline) ResumeUploads(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused {
		p.paused = false
		close(p.resumed)
		p.logger.Infof("uploads resumed")
	}
	return nil
}

func (p *Pipeline) waitResumed(ctx context.Context) error {
	p.mu.Lock()
	if !p.paused {
		p.mu.Unlock()
		return nil
	}
	resumed := p.resumed
	p.mu.Unlock()

	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) resolve(opts Options) Options {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = p.cfg.MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = p.cfg.Timeout
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = p.cfg.MaxUploadBytes
	}
	if opts.Quality <= 0 || opts.Quality > 1 {
		opts.Quality = p.cfg.CompressionQuality
	}
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = p.cfg.MaxWidth
	}
	return opts
}

func (p *Pipeline) journalAdd(ctx context.Context, localPath string, kind media.Kind) string {
	if p.journal == nil {
		return ""
	}
	rec, err := p.journal.AddUpload(ctx, index.UploadRecord{
		ID:         uuid.NewString(),
		SourcePath: localPath,
		Kind:       kind,
		Status:     index.UploadStatusQueued,
	})
	if err != nil {
		p.logger.Errorf("journal upload %s: %v", localPath, err)
		return ""
	}
	return rec.ID
}

func (p *Pipeline) journalUpdate(ctx context.Context, id string, fn func(index.UploadRecord) index.UploadRecord) {
	if p.journal == nil || id == "" {
		return
	}
	// the outcome is recorded even when the caller's context is already cancelled
	if _, err := p.journal.UpdateUpload(context.WithoutCancel(ctx), id, fn); err != nil {
		p.logger.Errorf("update journal record %s: %v", id, err)
	}
}

func (p *Pipeline) journalFinish(ctx context.Context, id string, result media.UploadResult, uploadErr error) {
	p.journalUpdate(ctx, id, func(rec index.UploadRecord) index.UploadRecord {
		rec.Attempts = result.Attempts
		if uploadErr != nil {
			rec.Status = index.UploadStatusFailed
			rec.LastError = uploadErr.Error()
			return rec
		}
		rec.Status = index.UploadStatusComplete
		rec.LastError = ""
		rec.RemoteURI = result.URI
		return rec
	})
}

func applyDefaults(cfg Config) Config {
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = media.DefaultMaxUploadBytes
	}
	if cfg.CompressionQuality <= 0 || cfg.CompressionQuality > 1 {
		cfg.CompressionQuality = DefaultCompressionQuality
	}
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = DefaultMaxWidth
	}
	return cfg
}

func defaultLogger() Logger {
	return log.GetLogger("cache-uploader")
}

// realSleeper waits on a timer or ctx, whichever comes first.
type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordQueued(media.Kind) {}

func (noopMetrics) RecordStarted(media.Kind) {}

func (noopMetrics) RecordRetried(media.Kind) {}

func (noopMetrics) RecordCompleted(media.Kind, int64, time.Duration) {}

func (noopMetrics) RecordFailed(media.Kind, string) {}
