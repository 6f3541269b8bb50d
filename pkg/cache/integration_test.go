package cache_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/valandreev/mediasync/pkg/cache/failsafe"
	"github.com/valandreev/mediasync/pkg/cache/index"
	indexbbolt "github.com/valandreev/mediasync/pkg/cache/index/bbolt"
	"github.com/valandreev/mediasync/pkg/cache/store"
	"github.com/valandreev/mediasync/pkg/cache/uploader"
	"github.com/valandreev/mediasync/pkg/compress"
	"github.com/valandreev/mediasync/pkg/media"
)

// remote is an in-memory object store shared by the uploader and the cache.
type remote struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (r *remote) Send(ctx context.Context, req media.TransferRequest, progress func(float64)) (media.TransferResult, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return media.TransferResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	uri := "remote://" + req.Name
	r.objects[uri] = data
	progress(100)
	return media.TransferResult{URI: uri, Size: int64(len(data))}, nil
}

func (r *remote) Fetch(ctx context.Context, source string, w io.Writer) error {
	r.mu.Lock()
	data, ok := r.objects[source]
	r.mu.Unlock()
	if !ok {
		return media.ErrNotFound
	}
	_, err := w.Write(data)
	return err
}

type roomyDisk struct{}

func (roomyDisk) Stat(string) (uint64, uint64, error) { return 1000, 500, nil }

func writePhoto(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capture.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create photo: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode photo: %v", err)
	}
	return path
}

func TestUploadCacheAndRecoveryIntegration(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	journal, err := indexbbolt.Open(filepath.Join(baseDir, "uploads.db"), indexbbolt.Options{})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	rem := &remote{objects: make(map[string][]byte)}
	pipeline, err := uploader.New(uploader.Config{MaxWidth: 64}, rem, compress.NewJPEG(baseDir), uploader.WithJournal(journal))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	c, err := store.New(store.Config{Dir: filepath.Join(baseDir, "cache"), MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	monitor, err := failsafe.NewMonitor(failsafe.Config{CacheDir: baseDir, MinFreePercent: 10}, c, pipeline,
		failsafe.WithDiskUsage(roomyDisk{}))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	// Photo goes through compression, transfer and the journal.
	res, err := pipeline.Upload(ctx, writePhoto(t, 256, 128), media.KindPhoto, uploader.Options{})
	if err != nil {
		t.Fatalf("upload photo: %v", err)
	}
	if res.Width != 64 || res.Height != 32 {
		t.Fatalf("photo not downscaled: %dx%d", res.Width, res.Height)
	}
	records, err := journal.ListUploads(ctx)
	if err != nil {
		t.Fatalf("list uploads: %v", err)
	}
	if len(records) != 1 || records[0].Status != index.UploadStatusComplete || records[0].RemoteURI != res.URI {
		t.Fatalf("unexpected journal: %+v", records)
	}

	// The uploaded object is downloaded once and then served locally.
	local := c.Download(ctx, res.URI, rem.Fetch)
	if local == res.URI {
		t.Fatalf("download failed")
	}
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if !bytes.Equal(got, rem.objects[res.URI]) {
		t.Fatalf("cached bytes differ from remote")
	}
	if cached, ok := c.Get(ctx, res.URI); !ok || cached != local {
		t.Fatalf("expected cache hit at %s, got %s %v", local, cached, ok)
	}

	// Emergency recovery empties the cache and leaves uploads running.
	if err := monitor.HandleENOSPC(ctx); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if c.CurrentSize() != 0 {
		t.Fatalf("expected empty cache after recovery, got %d", c.CurrentSize())
	}
	if _, ok := c.Get(ctx, res.URI); ok {
		t.Fatalf("entry survived emergency compaction")
	}

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(clip, []byte("video"), 0o600); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	if _, err := pipeline.Upload(ctx, clip, media.KindVideo, uploader.Options{}); err != nil {
		t.Fatalf("upload after recovery: %v", err)
	}
}

func TestRecoveryFailureKeepsUploadsPaused(t *testing.T) {
	ctx := context.Background()
	rem := &remote{objects: make(map[string][]byte)}
	pipeline, err := uploader.New(uploader.Config{}, rem, compress.NewJPEG(""))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	c, err := store.New(store.Config{Dir: t.TempDir(), MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	monitor, err := failsafe.NewMonitor(failsafe.Config{MinFreePercent: 90}, c, pipeline,
		failsafe.WithDiskUsage(roomyDisk{}))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}

	if err := monitor.HandleENOSPC(ctx); !errors.Is(err, failsafe.ErrRecoveryFailed) {
		t.Fatalf("expected ErrRecoveryFailed, got %v", err)
	}

	clip := filepath.Join(t.TempDir(), "clip.mp4")
	if err := os.WriteFile(clip, []byte("video"), 0o600); err != nil {
		t.Fatalf("write clip: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := pipeline.Upload(cancelled, clip, media.KindVideo, uploader.Options{}); !errors.Is(err, media.ErrCancelled) {
		t.Fatalf("expected paused upload to be cancelled, got %v", err)
	}
	if _, err := pipeline.Upload(ctx, clip, media.KindVideo, uploader.Options{MaxRetries: 1, Timeout: 50 * time.Millisecond}); !errors.Is(err, media.ErrTimeout) {
		t.Fatalf("expected paused upload to time out, got %v", err)
	}
	if err := pipeline.ResumeUploads(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := pipeline.Upload(ctx, clip, media.KindVideo, uploader.Options{}); err != nil {
		t.Fatalf("upload after resume: %v", err)
	}
}
