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
	"fmt"
	"io"
	"sync"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/cache"
	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer"
	"github.com/valandreev/mediasync/pkg/transfer/azure"
	"github.com/valandreev/mediasync/pkg/transfer/gcs"
	"github.com/valandreev/mediasync/pkg/transfer/minio"
	"github.com/valandreev/mediasync/pkg/transfer/s3"
)

var backendLog = log.GetLogger("backend")

// Backend is a remote object store: the upload pipeline sends to it and the
// content cache downloads from it.
type Backend interface {
	Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error)
	Fetch(ctx context.Context, source string, w io.Writer) error
}

// TransferOptions derives the shared adapter options from the upload section.
func TransferOptions(cfg *cache.Config) transfer.Options {
	return transfer.Options{
		Prefix:      cfg.Backend.Prefix,
		ChunkSize:   cfg.Upload.ChunkKB * 1024,
		BytesPerSec: cfg.Upload.MaxBytesPerSec,
	}
}

// NewBackend builds the adapter selected by cfg.Backend.Kind.
func NewBackend(ctx context.Context, cfg *cache.Config) (Backend, error) {
	b := cfg.Backend
	opts := TransferOptions(cfg)

	switch b.Kind {
	case cache.BackendS3:
		return s3.New(s3.Config{
			Bucket:    b.Bucket,
			Region:    b.Region,
			Endpoint:  b.Endpoint,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
		}, opts)
	case cache.BackendMinio:
		return minio.New(minio.Config{
			Endpoint:  b.Endpoint,
			Bucket:    b.Bucket,
			Region:    b.Region,
			AccessKey: b.AccessKey,
			SecretKey: b.SecretKey,
			UseSSL:    b.UseSSL,
		}, opts)
	case cache.BackendGCS:
		return gcs.New(ctx, gcs.Config{
			Bucket:          b.Bucket,
			CredentialsFile: b.CredentialsFile,
			Endpoint:        b.Endpoint,
		}, opts)
	case cache.BackendAzure:
		return azure.New(azure.Config{
			Account:    b.Account,
			AccountKey: b.AccountKey,
			Container:  b.Bucket,
			Endpoint:   b.Endpoint,
		}, opts)
	}
	return nil, fmt.Errorf("unknown backend kind %q", b.Kind)
}

// lazyBackend defers client construction to the first remote call so that
// purely local commands work without credentials.
type lazyBackend struct {
	ctx     context.Context
	cfg     *cache.Config
	factory func(ctx context.Context, cfg *cache.Config) (Backend, error)

	once    sync.Once
	backend Backend
	err     error
}

func newLazyBackend(ctx context.Context, cfg *cache.Config) *lazyBackend {
	return &lazyBackend{ctx: context.WithoutCancel(ctx), cfg: cfg, factory: NewBackend}
}

func (l *lazyBackend) get() (Backend, error) {
	l.once.Do(func() {
		l.backend, l.err = l.factory(l.ctx, l.cfg)
		if l.err != nil {
			backendLog.Errorf("init %s backend: %v", l.cfg.Backend.Kind, l.err)
			l.err = media.PermanentError{Err: fmt.Errorf("%w: %w", media.ErrTransferFailed, l.err)}
			return
		}
		backendLog.Debugf("initialised %s backend for bucket %s", l.cfg.Backend.Kind, l.cfg.Backend.Bucket)
	})
	return l.backend, l.err
}

func (l *lazyBackend) Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error) {
	b, err := l.get()
	if err != nil {
		return media.TransferResult{}, err
	}
	return b.Send(ctx, req, progress)
}

func (l *lazyBackend) Fetch(ctx context.Context, source string, w io.Writer) error {
	b, err := l.get()
	if err != nil {
		return err
	}
	return b.Fetch(ctx, source, w)
}

func (l *lazyBackend) Close() error {
	if l.backend == nil {
		return nil
	}
	if c, ok := l.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
