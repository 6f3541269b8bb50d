// Package gcs sends media to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer"
)

const Scheme = "gs"

var gcsLog = log.GetLogger("gcs")

type Config struct {
	Bucket string
	// CredentialsFile is a service account key; empty uses application
	// default credentials.
	CredentialsFile string
	// Endpoint overrides the API endpoint, e.g. for an emulator.
	Endpoint string
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	return nil
}

func (c Config) clientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.CredentialsFile))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	return opts
}

type Backend struct {
	client *storage.Client
	bucket string
	opts   transfer.Options
}

func New(ctx context.Context, cfg Config, opts transfer.Options) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid gcs config: %w", err)
	}
	client, err := storage.NewClient(ctx, cfg.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &Backend{client: client, bucket: cfg.Bucket, opts: opts}, nil
}

// Close releases the underlying client.
func (b *Backend) Close() error {
	return b.client.Close()
}

// Send writes req.Path through a resumable object writer. Progress comes from
// the writer's own callback so only bytes acknowledged by the server count.
func (b *Backend) Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return media.TransferResult{}, fmt.Errorf("%w: open %s: %w", media.ErrIO, req.Path, err)
	}
	defer f.Close()

	key := b.opts.ObjectKey(req)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = media.ContentType(req.Kind, req.Path)
	w.ChunkSize = b.opts.ChunkSize
	reporter := transfer.NewReporter(req.Size, progress)
	w.ProgressFunc = reporter.Report

	// Progress is reported by the writer, the reader only applies the limiter.
	body := transfer.NewProgressReader(ctx, f, req.Size, b.opts, nil)
	if _, err := io.Copy(w, body); err != nil {
		cancel()
		w.Close()
		return media.TransferResult{}, mapGCSError("put "+key, err)
	}
	if err := w.Close(); err != nil {
		return media.TransferResult{}, mapGCSError("put "+key, err)
	}
	reporter.Report(req.Size)

	attrs := w.Attrs()
	size := body.BytesRead()
	if attrs != nil {
		size = attrs.Size
	}
	gcsLog.Debugf("uploaded %s to gs://%s/%s", req.Path, b.bucket, key)

	return media.TransferResult{URI: transfer.URI(Scheme, b.bucket, key), Size: size}, nil
}

// Fetch downloads source into w. source is a gs:// URI or a bare key.
func (b *Backend) Fetch(ctx context.Context, source string, w io.Writer) error {
	key, err := transfer.KeyFromSource(Scheme, b.bucket, source)
	if err != nil {
		return err
	}
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return mapGCSError("get "+key, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return mapGCSError("read "+key, err)
	}
	return nil
}

func mapGCSError(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return transfer.MapStatus(op, http.StatusNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return transfer.MapStatus(op, apiErr.Code, err)
	}
	return transfer.MapStatus(op, 0, err)
}
