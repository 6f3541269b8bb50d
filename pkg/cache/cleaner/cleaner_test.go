package cleaner_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/valandreev/mediasync/pkg/cache/cleaner"
	"github.com/valandreev/mediasync/pkg/cache/index"
)

func TestCleanerEvictsOldestToMeetTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := memfs.New()
	idx := index.New()
	base := time.Unix(1_700_000_000, 0)

	putFile(t, fs, idx, "a.bin", 40, base)
	putFile(t, fs, idx, "b.bin", 30, base.Add(time.Minute))
	putFile(t, fs, idx, "c.bin", 20, base.Add(2*time.Minute))

	c := newCleaner(t, fs)

	report, err := c.RunOnce(ctx, idx, cleaner.Trigger{Reason: cleaner.TriggerReasonWrite, Target: 60})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if report.TotalBefore != 90 || report.TotalAfter != 50 || report.BytesFreed != 40 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "a.bin" {
		t.Fatalf("expected evicted [a.bin], got %v", report.Evicted)
	}
	if _, err := fs.Stat("a.bin"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected a.bin removed, got err=%v", err)
	}
	if _, ok := idx.Get("a.bin"); ok {
		t.Fatalf("expected index entry removed")
	}
	for _, name := range []string{"b.bin", "c.bin"} {
		if _, err := fs.Stat(name); err != nil {
			t.Fatalf("expected %s to remain, err=%v", name, err)
		}
	}
}

func TestCleanerNoopBelowTarget(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	idx := index.New()
	putFile(t, fs, idx, "a.bin", 10, time.Unix(100, 0))

	report, err := newCleaner(t, fs).RunOnce(context.Background(), idx, cleaner.Trigger{Reason: cleaner.TriggerReasonWrite, Target: 10})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Evicted) != 0 || idx.Len() != 1 {
		t.Fatalf("expected no eviction, got %+v", report)
	}
}

func TestCleanerSkipsFailedRemovals(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := &failingRemoveFS{Filesystem: memfs.New(), fail: "a.bin"}
	idx := index.New()
	base := time.Unix(1_700_000_000, 0)

	putFile(t, fs, idx, "a.bin", 50, base)
	putFile(t, fs, idx, "b.bin", 50, base.Add(time.Second))
	putFile(t, fs, idx, "c.bin", 50, base.Add(2*time.Second))

	report, err := newCleaner(t, fs).RunOnce(ctx, idx, cleaner.Trigger{Reason: cleaner.TriggerReasonWrite, Target: 100})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if len(report.Skipped) != 1 || report.Skipped[0] != "a.bin" {
		t.Fatalf("expected a.bin skipped, got %v", report.Skipped)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "b.bin" {
		t.Fatalf("expected b.bin evicted after skip, got %v", report.Evicted)
	}
	if _, ok := idx.Get("a.bin"); !ok {
		t.Fatalf("expected a.bin to stay indexed while its file exists")
	}
}

func TestCleanerReportsCapacityNotReduced(t *testing.T) {
	t.Parallel()

	fs := &failingRemoveFS{Filesystem: memfs.New(), fail: "a.bin"}
	idx := index.New()
	putFile(t, fs, idx, "a.bin", 500, time.Unix(100, 0))

	report, err := newCleaner(t, fs).RunOnce(context.Background(), idx, cleaner.Trigger{Reason: cleaner.TriggerReasonENOSPC, Target: 100})
	if !errors.Is(err, cleaner.ErrCapacityNotReduced) {
		t.Fatalf("expected ErrCapacityNotReduced, got %v", err)
	}
	if !report.Emergency {
		t.Fatalf("expected emergency flag set")
	}
	if report.TotalAfter != 500 {
		t.Fatalf("expected usage unchanged, got %d", report.TotalAfter)
	}
}

func TestCleanerDropsEntriesWithMissingFiles(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	idx := index.New()
	idx.Put(index.Entry{Key: "ghost.bin", LocalPath: "ghost.bin", Size: 70, WriteTime: time.Unix(1, 0)})
	putFile(t, fs, idx, "b.bin", 20, time.Unix(2, 0))

	report, err := newCleaner(t, fs).RunOnce(context.Background(), idx, cleaner.Trigger{Reason: cleaner.TriggerReasonManual, Target: 50})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "ghost.bin" {
		t.Fatalf("expected ghost entry evicted, got %v", report.Evicted)
	}
}

func TestCleanerStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	idx := index.New()
	putFile(t, fs, idx, "a.bin", 50, time.Unix(1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newCleaner(t, fs).RunOnce(ctx, idx, cleaner.Trigger{Reason: cleaner.TriggerReasonWrite}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected no eviction after cancellation")
	}
}

func newCleaner(t *testing.T, fs billy.Filesystem) *cleaner.Cleaner {
	t.Helper()

	c, err := cleaner.New(fs, cleaner.WithLogger(noopLogger{}))
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	return c
}

func putFile(t *testing.T, fs billy.Filesystem, idx *index.Index, name string, size int, written time.Time) {
	t.Helper()

	if err := util.WriteFile(fs, name, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	idx.Put(index.Entry{Key: name, LocalPath: name, Size: int64(size), WriteTime: written})
}

type failingRemoveFS struct {
	billy.Filesystem
	fail string
}

func (f *failingRemoveFS) Remove(name string) error {
	if name == f.fail {
		return errors.New("device busy")
	}
	return f.Filesystem.Remove(name)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

func TestCleanerKeepsProtectedEntry(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	idx := index.New()
	putFile(t, fs, idx, "old.bin", 100, time.Unix(1, 0))
	putFile(t, fs, idx, "big.bin", 900, time.Unix(2, 0))

	report, err := newCleaner(t, fs).RunOnce(context.Background(), idx, cleaner.Trigger{
		Reason: cleaner.TriggerReasonWrite,
		Target: 800,
		Keep:   "big.bin",
	})
	if !errors.Is(err, cleaner.ErrCapacityNotReduced) {
		t.Fatalf("expected ErrCapacityNotReduced, got %v", err)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != "old.bin" {
		t.Fatalf("expected old.bin evicted, got %v", report.Evicted)
	}
	if _, ok := idx.Get("big.bin"); !ok {
		t.Fatalf("expected protected entry to remain")
	}
}
