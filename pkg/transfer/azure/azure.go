// Package azure sends media to Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer"
)

const Scheme = "azblob"

var azLog = log.GetLogger("azure")

type Config struct {
	Account    string
	AccountKey string
	// Container plays the role of the bucket.
	Container string
	// Endpoint overrides https://<account>.blob.core.windows.net, e.g. for Azurite.
	Endpoint string
}

func (c Config) validate() error {
	if c.Account == "" {
		return errors.New("account is required")
	}
	if c.Container == "" {
		return errors.New("container is required")
	}
	return nil
}

func (c Config) containerURL() (*url.URL, error) {
	base := c.Endpoint
	if base == "" {
		base = fmt.Sprintf("https://%s.blob.core.windows.net", c.Account)
	}
	return url.Parse(strings.TrimRight(base, "/") + "/" + c.Container)
}

type Backend struct {
	container azblob.ContainerURL
	name      string
	opts      transfer.Options
}

func New(cfg Config, opts transfer.Options) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid azure config: %w", err)
	}
	var credential azblob.Credential = azblob.NewAnonymousCredential()
	if cfg.AccountKey != "" {
		shared, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("azure shared key: %w", err)
		}
		credential = shared
	}
	u, err := cfg.containerURL()
	if err != nil {
		return nil, fmt.Errorf("azure container url: %w", err)
	}
	p := azblob.NewPipeline(credential, azblob.PipelineOptions{
		Log: pipeline.LogOptions{
			Log: func(level pipeline.LogLevel, msg string) {
				azLog.Debugf("%v", msg)
			},
			ShouldLog: func(level pipeline.LogLevel) bool {
				return level <= pipeline.LogWarning
			},
		},
	})
	return &Backend{
		container: azblob.NewContainerURL(*u, p),
		name:      cfg.Container,
		opts:      opts,
	}, nil
}

// Send uploads req.Path as a block blob. Blocks are staged in parallel by the
// SDK, so progress comes from its receiver rather than from reads.
func (b *Backend) Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return media.TransferResult{}, fmt.Errorf("%w: open %s: %w", media.ErrIO, req.Path, err)
	}
	defer f.Close()

	if limiter := b.opts.Limiter(); limiter != nil {
		// The SDK reads the file by offset, so throttle up front for the
		// whole payload in burst-sized steps.
		for left := req.Size; left > 0; left -= int64(limiter.Burst()) {
			n := int64(limiter.Burst())
			if left < n {
				n = left
			}
			if err := limiter.WaitN(ctx, int(n)); err != nil {
				return media.TransferResult{}, transfer.MapStatus("throttle", 0, err)
			}
		}
	}

	key := b.opts.ObjectKey(req)
	reporter := transfer.NewReporter(req.Size, progress)
	blob := b.container.NewBlockBlobURL(key)
	_, err = azblob.UploadFileToBlockBlob(ctx, f, blob, azblob.UploadToBlockBlobOptions{
		BlockSize:       blockSize(b.opts.ChunkSize),
		Progress:        pipeline.ProgressReceiver(reporter.Report),
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{ContentType: media.ContentType(req.Kind, req.Path)},
	})
	if err != nil {
		return media.TransferResult{}, mapAzureError("put "+key, err)
	}
	reporter.Report(req.Size)
	azLog.Debugf("uploaded %s to %s", req.Path, blob.String())

	return media.TransferResult{URI: transfer.URI(Scheme, b.name, key), Size: req.Size}, nil
}

// Fetch downloads source into w. source is an azblob:// URI or a bare key.
func (b *Backend) Fetch(ctx context.Context, source string, w io.Writer) error {
	key, err := transfer.KeyFromSource(Scheme, b.name, source)
	if err != nil {
		return err
	}
	blob := b.container.NewBlobURL(key)
	resp, err := blob.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		return mapAzureError("get "+key, err)
	}
	body := resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 3})
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		return mapAzureError("read "+key, err)
	}
	return nil
}

func blockSize(chunk int) int64 {
	const minBlock = 1 << 20
	if int64(chunk) < minBlock {
		return minBlock
	}
	return int64(chunk)
}

func mapAzureError(op string, err error) error {
	var stgErr azblob.StorageError
	if errors.As(err, &stgErr) {
		switch stgErr.ServiceCode() {
		case azblob.ServiceCodeBlobNotFound, azblob.ServiceCodeContainerNotFound:
			return transfer.MapStatus(op, http.StatusNotFound, err)
		}
		if resp := stgErr.Response(); resp != nil {
			return transfer.MapStatus(op, resp.StatusCode, err)
		}
	}
	return transfer.MapStatus(op, 0, err)
}
