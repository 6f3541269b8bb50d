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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/mediasync/pkg/cache"
	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer/minio"
	"github.com/valandreev/mediasync/pkg/transfer/s3"
)

func TestTransferOptions(t *testing.T) {
	cfg := &cache.Config{
		Backend: cache.BackendConfig{Prefix: "media"},
		Upload:  cache.UploadConfig{ChunkKB: 64, MaxBytesPerSec: 1000},
	}
	opts := TransferOptions(cfg)
	assert.Equal(t, "media", opts.Prefix)
	assert.Equal(t, 64*1024, opts.ChunkSize)
	assert.Equal(t, 1000, opts.BytesPerSec)
}

func TestNewBackendSelectsAdapter(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, &cache.Config{Backend: cache.BackendConfig{Kind: cache.BackendS3, Bucket: "media"}})
	require.NoError(t, err)
	assert.IsType(t, &s3.Backend{}, b)

	b, err = NewBackend(ctx, &cache.Config{Backend: cache.BackendConfig{Kind: cache.BackendMinio, Bucket: "media", Endpoint: "localhost:9000"}})
	require.NoError(t, err)
	assert.IsType(t, &minio.Backend{}, b)

	_, err = NewBackend(ctx, &cache.Config{Backend: cache.BackendConfig{Kind: "ftp"}})
	require.Error(t, err)
}

func TestLazyBackendFailureIsPermanent(t *testing.T) {
	calls := 0
	lazy := &lazyBackend{
		ctx: context.Background(),
		cfg: &cache.Config{Backend: cache.BackendConfig{Kind: cache.BackendS3}},
		factory: func(context.Context, *cache.Config) (Backend, error) {
			calls++
			return nil, errors.New("no credentials")
		},
	}

	_, err := lazy.Send(context.Background(), media.TransferRequest{}, nil)
	assert.True(t, media.IsPermanent(err))
	assert.True(t, errors.Is(err, media.ErrTransferFailed))

	err = lazy.Fetch(context.Background(), "s3://media/a", nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, lazy.Close())
}
