// Package minio sends media to a MinIO server.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer"
)

const Scheme = "minio"

var minioLog = log.GetLogger("minio")

type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Client replaces the client built from the fields above.
	Client *minio.Client
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Client == nil && c.Endpoint == "" {
		return errors.New("endpoint is required when client is not provided")
	}
	return nil
}

type Backend struct {
	client *minio.Client
	bucket string
	opts   transfer.Options
}

func New(cfg Config, opts transfer.Options) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid minio config: %w", err)
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
	}
	return &Backend{client: client, bucket: cfg.Bucket, opts: opts}, nil
}

// Send streams req.Path with a known size so small files go out in one PUT.
func (b *Backend) Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return media.TransferResult{}, fmt.Errorf("%w: open %s: %w", media.ErrIO, req.Path, err)
	}
	defer f.Close()

	key := b.opts.ObjectKey(req)
	body := transfer.NewProgressReader(ctx, f, req.Size, b.opts, progress)
	info, err := b.client.PutObject(ctx, b.bucket, key, body, req.Size, minio.PutObjectOptions{
		ContentType: media.ContentType(req.Kind, req.Path),
	})
	if err != nil {
		return media.TransferResult{}, mapMinioError("put "+key, err)
	}
	minioLog.Debugf("uploaded %s to %s/%s etag=%s", req.Path, b.bucket, key, info.ETag)

	return media.TransferResult{
		URI:  transfer.URI(Scheme, b.bucket, key),
		Size: info.Size,
	}, nil
}

// Fetch downloads source into w. source is a minio:// URI or a bare key.
func (b *Backend) Fetch(ctx context.Context, source string, w io.Writer) error {
	key, err := transfer.KeyFromSource(Scheme, b.bucket, source)
	if err != nil {
		return err
	}
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return mapMinioError("get "+key, err)
	}
	defer obj.Close()
	if _, err := io.Copy(w, obj); err != nil {
		return mapMinioError("read "+key, err)
	}
	return nil
}

func mapMinioError(op string, err error) error {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return transfer.MapStatus(op, http.StatusNotFound, err)
	}
	return transfer.MapStatus(op, resp.StatusCode, err)
}
