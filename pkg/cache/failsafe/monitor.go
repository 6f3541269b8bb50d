package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/disk"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache/cleaner"
	"github.com/valandreev/mediasync/pkg/media"
)

// ErrRecoveryFailed indicates the cache could not reclaim sufficient space and manual intervention is required.
var ErrRecoveryFailed = errors.New("cache failsafe: recovery failed")

// ErrRecoveryInProgress signals that a recovery sequence is already underway.
var ErrRecoveryInProgress = errors.New("cache failsafe: recovery in progress")

// Logger defines the logging surface used by the monitor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Cleaner compacts the cache when instructed by the monitor.
type Cleaner interface {
	Compact(ctx context.Context, trigger cleaner.Trigger) (cleaner.Report, error)
}

// UploaderController controls the uploader concurrency during recovery.
type UploaderController interface {
	PauseUploads(ctx context.Context) error
	ResumeUploads(ctx context.Context) error
}

// DiskUsage reports capacity and free space of the filesystem holding path.
type DiskUsage interface {
	Stat(path string) (total, free uint64, err error)
}

// Config controls recovery thresholds.
type Config struct {
	CacheDir string
	// EmergencyTarget is the cache size compacted down to during recovery.
	EmergencyTarget int64
	// MinFreePercent of the disk must be free after recovery; 0 disables the check.
	MinFreePercent int
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithDiskUsage swaps the disk usage inspector (primarily for tests).
func WithDiskUsage(usage DiskUsage) Option {
	return func(m *Monitor) {
		m.disk = usage
	}
}

// Monitor coordinates ENOSPC recovery by pausing uploads and compacting the cache.
type Monitor struct {
	cfg      Config
	cleaner  Cleaner
	uploader UploaderController
	disk     DiskUsage
	logger   Logger

	mu         sync.Mutex
	recovering bool
}

// NewMonitor constructs a Monitor instance.
func NewMonitor(cfg Config, cleaner Cleaner, uploader UploaderController, opts ...Option) (*Monitor, error) {
	if cleaner == nil {
		return nil, errors.New("cache failsafe: cleaner is required")
	}
	if uploader == nil {
		return nil, errors.New("cache failsafe: uploader controller is required")
	}
	if cfg.MinFreePercent < 0 || cfg.MinFreePercent > 100 {
		return nil, fmt.Errorf("cache failsafe: min free percent must be within [0,100], got %d", cfg.MinFreePercent)
	}
	if cfg.EmergencyTarget < 0 {
		cfg.EmergencyTarget = 0
	}

	m := &Monitor{
		cfg:      cfg,
		cleaner:  cleaner,
		uploader: uploader,
		disk:     systemDisk{},
		logger:   defaultLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = defaultLogger()
	}
	if m.disk == nil {
		m.disk = systemDisk{}
	}

	return m, nil
}

// HandleENOSPC attempts to recover from an ENOSPC event by pausing uploads and compacting the cache.
func (m *Monitor) HandleENOSPC(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.beginRecovery() {
		return ErrRecoveryInProgress
	}
	defer m.endRecovery()

	if err := m.uploader.PauseUploads(ctx); err != nil {
		return fmt.Errorf("cache failsafe: pause uploads: %w", err)
	}

	report, err := m.cleaner.Compact(ctx, cleaner.Trigger{
		Reason: cleaner.TriggerReasonENOSPC,
		Target: m.cfg.EmergencyTarget,
	})
	if err != nil && !errors.Is(err, cleaner.ErrCapacityNotReduced) {
		if resumeErr := m.uploader.ResumeUploads(ctx); resumeErr != nil {
			m.logger.Warnf("failsafe: resume uploads after error failed: %v", resumeErr)
		}
		return fmt.Errorf("cache failsafe: compact: %w", err)
	}

	m.logger.Infof("failsafe: ENOSPC recovery freed %s", media.FormatBytes(report.BytesFreed))

	if err := m.checkFreeSpace(); err != nil {
		// uploads stay paused until an operator frees space
		return err
	}

	if err := m.uploader.ResumeUploads(ctx); err != nil {
		return fmt.Errorf("cache failsafe: resume uploads: %w", err)
	}

	return nil
}

func (m *Monitor) checkFreeSpace() error {
	if m.cfg.MinFreePercent == 0 || m.cfg.CacheDir == "" {
		return nil
	}
	total, free, err := m.disk.Stat(m.cfg.CacheDir)
	if err != nil {
		m.logger.Warnf("failsafe: disk usage unavailable for %s: %v", m.cfg.CacheDir, err)
		return nil
	}
	required := total * uint64(m.cfg.MinFreePercent) / 100
	if free < required {
		return fmt.Errorf("%w: %s free, need %s", ErrRecoveryFailed,
			media.FormatBytes(int64(free)), media.FormatBytes(int64(required)))
	}
	return nil
}

func (m *Monitor) beginRecovery() bool {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return false
	}
	m.recovering = true
	m.mu.Unlock()
	return true
}

func (m *Monitor) endRecovery() {
	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}

type systemDisk struct{}

func (systemDisk) Stat(path string) (uint64, uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	return usage.Total, usage.Free, nil
}

func defaultLogger() Logger {
	return log.GetLogger("cache-failsafe")
}
