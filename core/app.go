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
	"fmt"
	"io"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache"
	"github.com/valandreev/mediasync/pkg/cache/failsafe"
	"github.com/valandreev/mediasync/pkg/cache/index"
	indexbbolt "github.com/valandreev/mediasync/pkg/cache/index/bbolt"
	"github.com/valandreev/mediasync/pkg/cache/metrics"
	"github.com/valandreev/mediasync/pkg/cache/store"
	"github.com/valandreev/mediasync/pkg/cache/uploader"
	"github.com/valandreev/mediasync/pkg/compress"
	"github.com/valandreev/mediasync/pkg/media"
)

var appLog = log.GetLogger("app")

// ErrNoJournal is returned by journal operations when journal.path is unset.
var ErrNoJournal = errors.New("upload journal is not configured")

// App owns every long lived component built from one config file.
type App struct {
	Config   *cache.Config
	Cache    *store.Cache
	Pipeline *uploader.Pipeline
	Monitor  *failsafe.Monitor
	Registry *prometheus.Registry

	backend Backend
	journal index.Journal
	closers []io.Closer
}

// Deps replaces collaborators in tests. Zero values use the real ones.
type Deps struct {
	Backend    Backend
	Compressor uploader.Compressor
	Journal    index.Journal
	Disk       failsafe.DiskUsage
	HomeDir    string
}

// spaceHandler breaks the construction cycle between the cache, which reports
// ENOSPC, and the monitor, which compacts the cache.
type spaceHandler struct {
	monitor *failsafe.Monitor
}

func (h *spaceHandler) HandleENOSPC(ctx context.Context) error {
	if h.monitor == nil {
		return failsafe.ErrRecoveryFailed
	}
	return h.monitor.HandleENOSPC(ctx)
}

func NewApp(ctx context.Context, cfg *cache.Config, deps Deps) (*App, error) {
	app := &App{Config: cfg, Registry: prometheus.NewRegistry()}

	home := deps.HomeDir
	if home == "" {
		var err error
		if home, err = homedir.Dir(); err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
	}

	app.backend = deps.Backend
	if app.backend == nil {
		lazy := newLazyBackend(ctx, cfg)
		app.backend = lazy
		app.closers = append(app.closers, lazy)
	}

	app.journal = deps.Journal
	if app.journal == nil {
		if path := cfg.EffectiveJournalPath(); path != "" {
			j, err := indexbbolt.Open(path, indexbbolt.Options{Timeout: time.Second})
			if err != nil {
				return nil, fmt.Errorf("open upload journal: %w", err)
			}
			app.journal = j
			app.closers = append(app.closers, j)
		}
	}

	uploadMetrics, err := metrics.NewUploads(app.Registry)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("register upload metrics: %w", err)
	}

	compressor := deps.Compressor
	if compressor == nil {
		compressor = compress.NewJPEG("")
	}

	pipelineOpts := []uploader.Option{uploader.WithMetrics(uploadMetrics)}
	if app.journal != nil {
		pipelineOpts = append(pipelineOpts, uploader.WithJournal(app.journal))
	}
	app.Pipeline, err = uploader.New(cfg.PipelineConfig(), app.backend, compressor, pipelineOpts...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create upload pipeline: %w", err)
	}

	handler := &spaceHandler{}
	var storeOpts []store.Option
	if cfg.FailSafe.Enable {
		storeOpts = append(storeOpts, store.WithSpaceHandler(handler))
	}
	app.Cache, err = store.New(cfg.StoreConfig(home), storeOpts...)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("create content cache: %w", err)
	}

	if cfg.FailSafe.Enable {
		var monitorOpts []failsafe.Option
		if deps.Disk != nil {
			monitorOpts = append(monitorOpts, failsafe.WithDiskUsage(deps.Disk))
		}
		app.Monitor, err = failsafe.NewMonitor(cfg.MonitorConfig(home), app.Cache, app.Pipeline, monitorOpts...)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create failsafe monitor: %w", err)
		}
		handler.monitor = app.Monitor
	}

	if err := metrics.RegisterCache(app.Registry, app.cacheSnapshot); err != nil {
		app.Close()
		return nil, fmt.Errorf("register cache metrics: %w", err)
	}

	appLog.Debugf("app ready: cache=%s backend=%s journal=%t failsafe=%t",
		app.Cache.Dir(), cfg.Backend.Kind, app.journal != nil, cfg.FailSafe.Enable)
	return app, nil
}

func (a *App) cacheSnapshot() metrics.CacheSnapshot {
	s := a.Cache.Stats()
	return metrics.CacheSnapshot{
		Entries:       s.Entries,
		Bytes:         s.Bytes,
		SoftThreshold: s.SoftThreshold,
		MaxSize:       s.MaxSize,
	}
}

// Download returns a local path for source, fetching it from the backend on
// a cache miss. On failure source itself is returned.
func (a *App) Download(ctx context.Context, source string) string {
	return a.Cache.Download(ctx, source, a.backend.Fetch)
}

// Uploads lists journal records oldest first.
func (a *App) Uploads(ctx context.Context) ([]index.UploadRecord, error) {
	if a.journal == nil {
		return nil, ErrNoJournal
	}
	return a.journal.ListUploads(ctx)
}

// RetryUpload re-invokes a failed journal record. The pipeline records the new
// call under a fresh ID, so the old record is dropped once the retry succeeds.
func (a *App) RetryUpload(ctx context.Context, id string, opts uploader.Options) (media.UploadResult, error) {
	rec, err := a.findUpload(ctx, id)
	if err != nil {
		return media.UploadResult{}, err
	}
	if rec.Status != index.UploadStatusFailed {
		return media.UploadResult{}, fmt.Errorf("%w: upload %s is %s, only failed uploads can be retried",
			media.ErrValidationFailed, id, rec.Status)
	}

	res, err := a.Pipeline.Upload(ctx, rec.SourcePath, rec.Kind, opts)
	if err != nil {
		return res, err
	}
	if delErr := a.journal.DeleteUpload(ctx, id); delErr != nil {
		appLog.Warnf("drop retried upload %s: %v", id, delErr)
	}
	return res, nil
}

// ForgetUpload removes a journal record.
func (a *App) ForgetUpload(ctx context.Context, id string) error {
	if _, err := a.findUpload(ctx, id); err != nil {
		return err
	}
	return a.journal.DeleteUpload(ctx, id)
}

// PruneUploads drops journal records with one of statuses that have not
// changed for olderThan. No statuses means completed uploads only.
func (a *App) PruneUploads(ctx context.Context, olderThan time.Duration, statuses ...index.UploadStatus) (int, error) {
	if a.journal == nil {
		return 0, ErrNoJournal
	}
	pruner, ok := a.journal.(index.Pruner)
	if !ok {
		return 0, fmt.Errorf("%w: journal does not support pruning", media.ErrValidationFailed)
	}
	for _, s := range statuses {
		if s == index.UploadStatusQueued || s == index.UploadStatusInProgress {
			return 0, fmt.Errorf("%w: cannot prune %s uploads", media.ErrValidationFailed, s)
		}
	}
	n, err := pruner.PruneUploads(ctx, time.Now().Add(-olderThan), statuses...)
	if err != nil {
		return 0, err
	}
	appLog.Infof("pruned %d upload records older than %s", n, olderThan)
	return n, nil
}

func (a *App) findUpload(ctx context.Context, id string) (index.UploadRecord, error) {
	records, err := a.Uploads(ctx)
	if err != nil {
		return index.UploadRecord{}, err
	}
	for _, rec := range records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return index.UploadRecord{}, fmt.Errorf("%w: upload %s", media.ErrNotFound, id)
}

// Close releases the journal and backend clients.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
