package cleaner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache/index"
)

// ErrCapacityNotReduced indicates that the target size is still exceeded after a run.
var ErrCapacityNotReduced = errors.New("cache cleaner: capacity not reduced")

// TriggerReason represents the source motivating a cleaner run.
type TriggerReason string

const (
	// TriggerReasonWrite is the compaction that follows every successful cache write.
	TriggerReasonWrite TriggerReason = "write"
	// TriggerReasonENOSPC is an emergency triggered by an out-of-space condition.
	TriggerReasonENOSPC TriggerReason = "enospc"
	// TriggerReasonManual is an operator-requested compaction.
	TriggerReasonManual TriggerReason = "manual"
)

// Trigger describes a request to execute the cleaner.
type Trigger struct {
	Reason TriggerReason
	// Target is the total size the run compacts down to.
	Target int64
	// Keep names an entry the run must not evict, usually the one just written.
	Keep string
}

// Report summarises a cleaner run.
type Report struct {
	Trigger     Trigger
	TotalBefore int64
	TotalAfter  int64
	BytesFreed  int64
	Evicted     []string
	Skipped     []string
	Emergency   bool
}

// Logger captures structured output for the cleaner.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises cleaner construction.
type Option func(*Cleaner)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// Cleaner evicts the oldest-written cache entries until the cache fits a target size.
//
// A Cleaner does not lock the index; callers hold whatever lock guards idx for the whole run.
type Cleaner struct {
	fs     billy.Filesystem
	logger Logger
}

// New constructs a cleaner removing files from fs.
func New(fs billy.Filesystem, opts ...Option) (*Cleaner, error) {
	if fs == nil {
		return nil, errors.New("cache cleaner: filesystem is required")
	}

	c := &Cleaner{
		fs:     fs,
		logger: defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = defaultLogger()
	}
	return c, nil
}

// RunOnce evicts entries oldest-first until idx.TotalSize() <= trigger.Target.
//
// Entries whose file cannot be removed are logged, left in the index and skipped.
// trigger.Keep is never evicted, so a single entry larger than the target survives.
func (c *Cleaner) RunOnce(ctx context.Context, idx *index.Index, trigger Trigger) (Report, error) {
	report := Report{
		Trigger:     trigger,
		Emergency:   trigger.Reason == TriggerReasonENOSPC,
		TotalBefore: idx.TotalSize(),
	}
	report.TotalAfter = report.TotalBefore

	if report.TotalBefore <= trigger.Target {
		return report, nil
	}

	for _, entry := range idx.Snapshot() {
		if err := ctx.Err(); err != nil {
			report.TotalAfter = idx.TotalSize()
			return report, err
		}
		if idx.TotalSize() <= trigger.Target {
			break
		}
		if entry.Key == trigger.Keep {
			continue
		}

		if err := c.evict(entry); err != nil {
			c.logger.Errorf("cleaner: evict %s failed: %v", entry.Key, err)
			report.Skipped = append(report.Skipped, entry.Key)
			continue
		}

		idx.Delete(entry.Key)
		report.BytesFreed += entry.Size
		report.Evicted = append(report.Evicted, entry.Key)
	}

	report.TotalAfter = idx.TotalSize()
	if len(report.Evicted) > 0 {
		c.logger.Debugf("cleaner: %s run evicted %d entries, %d -> %d bytes (target %d)",
			trigger.Reason, len(report.Evicted), report.TotalBefore, report.TotalAfter, trigger.Target)
	}

	if report.TotalAfter > trigger.Target {
		return report, fmt.Errorf("%w: %d bytes remain above target %d", ErrCapacityNotReduced, report.TotalAfter, trigger.Target)
	}
	return report, nil
}

func (c *Cleaner) evict(entry index.Entry) error {
	if err := c.fs.Remove(entry.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func defaultLogger() Logger {
	return log.GetLogger("cache-cleaner")
}
