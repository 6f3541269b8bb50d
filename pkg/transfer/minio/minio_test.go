package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer"
)

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config with credentials",
			config: Config{
				Endpoint:  "localhost:9000",
				Bucket:    "media",
				AccessKey: "minioadmin",
				SecretKey: "minioadmin",
			},
		},
		{
			name:   "valid config with client",
			config: Config{Client: &minio.Client{}, Bucket: "media"},
		},
		{
			name:    "missing bucket",
			config:  Config{Endpoint: "localhost:9000"},
			wantErr: true,
			errMsg:  "bucket is required",
		},
		{
			name:    "missing endpoint without client",
			config:  Config{Bucket: "media"},
			wantErr: true,
			errMsg:  "endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewBuildsClient(t *testing.T) {
	b, err := New(Config{Endpoint: "localhost:9000", Bucket: "media"}, transfer.Options{})
	require.NoError(t, err)
	assert.NotNil(t, b.client)
	assert.Equal(t, "media", b.bucket)
}

func TestMapMinioError(t *testing.T) {
	notFound := mapMinioError("get a", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound})
	assert.True(t, errors.Is(notFound, media.ErrNotFound))

	denied := mapMinioError("put a", minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden})
	assert.True(t, media.IsPermanent(denied))
	assert.True(t, errors.Is(denied, media.ErrTransferFailed))

	busy := mapMinioError("put a", minio.ErrorResponse{Code: "SlowDown", StatusCode: http.StatusServiceUnavailable})
	assert.False(t, media.IsPermanent(busy))
	assert.True(t, errors.Is(busy, media.ErrTransferFailed))

	cancelled := mapMinioError("put a", fmt.Errorf("upload: %w", context.Canceled))
	assert.True(t, errors.Is(cancelled, media.ErrCancelled))
}

func TestFetchRejectsForeignSource(t *testing.T) {
	b, err := New(Config{Endpoint: "localhost:9000", Bucket: "media"}, transfer.Options{})
	require.NoError(t, err)

	err = b.Fetch(context.Background(), "s3://media/a.jpg", nil)
	assert.True(t, errors.Is(err, media.ErrValidationFailed))
}
