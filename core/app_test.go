// Copyright 2025 The mediasync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/mediasync/pkg/cache"
	"github.com/valandreev/mediasync/pkg/cache/failsafe"
	"github.com/valandreev/mediasync/pkg/cache/index"
	"github.com/valandreev/mediasync/pkg/cache/index/indextest"
	"github.com/valandreev/mediasync/pkg/cache/uploader"
	"github.com/valandreev/mediasync/pkg/media"
)

// memBackend keeps objects in memory and can be told to fail sends.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	failing bool
	fetches int
}

func newMemBackend() *memBackend {
	return &memBackend{objects: make(map[string][]byte)}
}

func (m *memBackend) Send(ctx context.Context, req media.TransferRequest, progress func(float64)) (media.TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return media.TransferResult{}, errors.New("backend unavailable")
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return media.TransferResult{}, err
	}
	uri := "mem://" + req.Name
	m.objects[uri] = data
	if progress != nil {
		progress(100)
	}
	return media.TransferResult{URI: uri, Size: int64(len(data))}, nil
}

func (m *memBackend) Fetch(ctx context.Context, source string, w io.Writer) error {
	m.mu.Lock()
	m.fetches++
	data, ok := m.objects[source]
	m.mu.Unlock()
	if !ok {
		return media.ErrNotFound
	}
	_, err := w.Write(data)
	return err
}

func (m *memBackend) setFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

type plentyDisk struct{}

func (plentyDisk) Stat(string) (uint64, uint64, error) { return 100, 90, nil }

func loadTestConfig(t *testing.T, extra string) *cache.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "version: 1\ncache:\n  dir: " + filepath.Join(dir, "cache") + "\n  max_size_mb: 1\n" +
		"upload:\n  max_retries: 1\n  base_retry_ms: 1\n  max_retry_ms: 1\n" +
		"fail_safe:\n  enable: true\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := cache.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T) (*App, *memBackend, *indextest.MemoryJournal) {
	t.Helper()
	backend := newMemBackend()
	journal := indextest.NewMemoryJournal()
	app, err := NewApp(context.Background(), loadTestConfig(t, ""), Deps{
		Backend: backend,
		Journal: journal,
		Disk:    plentyDisk{},
		HomeDir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app, backend, journal
}

func writeMedia(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestAppUploadThenDownloadThroughCache(t *testing.T) {
	ctx := context.Background()
	app, backend, _ := newTestApp(t)

	res, err := app.Pipeline.Upload(ctx, writeMedia(t, "clip.mp4", "video-bytes"), media.KindVideo, uploader.Options{Name: "clip.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "mem://clip.mp4", res.URI)

	local := app.Download(ctx, res.URI)
	require.NotEqual(t, res.URI, local)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))

	// second call is served from the cache
	assert.Equal(t, local, app.Download(ctx, res.URI))
	assert.Equal(t, 1, backend.fetches)
	assert.Equal(t, uint64(len("video-bytes")), app.Cache.CurrentSize())
}

func TestAppDownloadMissReturnsSource(t *testing.T) {
	app, _, _ := newTestApp(t)
	assert.Equal(t, "mem://missing.jpg", app.Download(context.Background(), "mem://missing.jpg"))
}

func TestAppRetryFailedUpload(t *testing.T) {
	ctx := context.Background()
	app, backend, journal := newTestApp(t)

	backend.setFailing(true)
	path := writeMedia(t, "note.m4a", "voice")
	_, err := app.Pipeline.UploadVoiceNote(ctx, path, 0, uploader.Options{})
	require.Error(t, err)

	records, err := app.Uploads(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	failed := records[0]
	assert.Equal(t, index.UploadStatusFailed, failed.Status)

	backend.setFailing(false)
	res, err := app.RetryUpload(ctx, failed.ID, uploader.Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.URI, "mem://"))
	assert.Equal(t, media.KindVoiceNote, res.Kind)

	records, err = journal.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotEqual(t, failed.ID, records[0].ID)
	assert.Equal(t, index.UploadStatusComplete, records[0].Status)

	_, err = app.RetryUpload(ctx, records[0].ID, uploader.Options{})
	assert.True(t, errors.Is(err, media.ErrValidationFailed))
}

func TestAppForgetUpload(t *testing.T) {
	ctx := context.Background()
	app, backend, _ := newTestApp(t)
	backend.setFailing(true)
	_, err := app.Pipeline.Upload(ctx, writeMedia(t, "v.mp4", "x"), media.KindVideo, uploader.Options{})
	require.Error(t, err)

	records, err := app.Uploads(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, app.ForgetUpload(ctx, records[0].ID))
	records, err = app.Uploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.True(t, errors.Is(app.ForgetUpload(ctx, "nope"), media.ErrNotFound))
}

func TestAppPruneUploads(t *testing.T) {
	ctx := context.Background()
	app, backend, _ := newTestApp(t)

	_, err := app.Pipeline.Upload(ctx, writeMedia(t, "ok.mp4", "x"), media.KindVideo, uploader.Options{})
	require.NoError(t, err)
	backend.setFailing(true)
	_, err = app.Pipeline.Upload(ctx, writeMedia(t, "bad.mp4", "y"), media.KindVideo, uploader.Options{})
	require.Error(t, err)

	n, err := app.PruneUploads(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = app.PruneUploads(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := app.Uploads(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, index.UploadStatusFailed, records[0].Status)

	_, err = app.PruneUploads(ctx, 0, index.UploadStatusInProgress)
	assert.True(t, errors.Is(err, media.ErrValidationFailed))
}

func TestAppWithoutJournal(t *testing.T) {
	app, err := NewApp(context.Background(), loadTestConfig(t, ""), Deps{Backend: newMemBackend(), HomeDir: t.TempDir()})
	require.NoError(t, err)
	defer app.Close()

	_, err = app.Uploads(context.Background())
	assert.True(t, errors.Is(err, ErrNoJournal))
	_, err = app.PruneUploads(context.Background(), time.Hour)
	assert.True(t, errors.Is(err, ErrNoJournal))
}

func TestAppOpensBboltJournal(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "uploads.db")
	cfg := loadTestConfig(t, "journal:\n  path: "+journalPath+"\n")
	app, err := NewApp(context.Background(), cfg, Deps{Backend: newMemBackend(), HomeDir: t.TempDir()})
	require.NoError(t, err)

	_, err = app.Pipeline.Upload(context.Background(), writeMedia(t, "v.mp4", "x"), media.KindVideo, uploader.Options{})
	require.NoError(t, err)
	records, err := app.Uploads(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, app.Close())
	_, err = os.Stat(journalPath)
	require.NoError(t, err)
}

func TestAppRegistersMetrics(t *testing.T) {
	ctx := context.Background()
	app, _, _ := newTestApp(t)
	_, err := app.Pipeline.Upload(ctx, writeMedia(t, "v.mp4", "abc"), media.KindVideo, uploader.Options{})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(app.Registry, "mediasync_cache_max_size_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(app.Registry)
	require.NoError(t, err)
	assert.Greater(t, count, 4)
}

func TestSpaceHandlerWithoutMonitor(t *testing.T) {
	err := (&spaceHandler{}).HandleENOSPC(context.Background())
	assert.True(t, errors.Is(err, failsafe.ErrRecoveryFailed))
}
