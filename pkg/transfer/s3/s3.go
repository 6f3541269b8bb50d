// Package s3 sends media to Amazon S3 or any S3 compatible endpoint.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/valandreev/mediasync/log"
	"github.com/valandreev/mediasync/pkg/media"
	"github.com/valandreev/mediasync/pkg/transfer"
)

const Scheme = "s3"

var s3Log = log.GetLogger("s3")

type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	// Static credentials; empty values use the default AWS credential chain.
	AccessKey string
	SecretKey string
	// PathStyle is required by most non-AWS endpoints.
	PathStyle bool
}

func (c Config) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}

func (c Config) awsConfig() *aws.Config {
	awsConfig := aws.NewConfig()
	region := c.Region
	if region == "" {
		region = "us-east-1"
	}
	awsConfig.WithRegion(region)
	if c.Endpoint != "" {
		awsConfig.WithEndpoint(c.Endpoint)
	}
	if c.PathStyle || c.Endpoint != "" {
		awsConfig.WithS3ForcePathStyle(true)
	}
	if c.AccessKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(c.AccessKey, c.SecretKey, ""))
	}
	return awsConfig
}

type Backend struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	opts     transfer.Options
}

func New(cfg Config, opts transfer.Options) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	sess, err := session.NewSession(cfg.awsConfig())
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	client := s3.New(sess)
	return &Backend{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   cfg.Bucket,
		opts:     opts,
	}, nil
}

// Send uploads req.Path and reports progress as the body is consumed.
func (b *Backend) Send(ctx context.Context, req media.TransferRequest, progress func(percent float64)) (media.TransferResult, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return media.TransferResult{}, fmt.Errorf("%w: open %s: %w", media.ErrIO, req.Path, err)
	}
	defer f.Close()

	key := b.opts.ObjectKey(req)
	body := transfer.NewProgressReader(ctx, f, req.Size, b.opts, progress)
	out, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(media.ContentType(req.Kind, req.Path)),
	})
	if err != nil {
		return media.TransferResult{}, mapAwsError("put "+key, err)
	}
	s3Log.Debugf("uploaded %s to %s", req.Path, out.Location)

	return media.TransferResult{
		URI:  transfer.URI(Scheme, b.bucket, key),
		Size: body.BytesRead(),
	}, nil
}

// Fetch downloads source into w. source is an s3:// URI or a bare key.
func (b *Backend) Fetch(ctx context.Context, source string, w io.Writer) error {
	key, err := transfer.KeyFromSource(Scheme, b.bucket, source)
	if err != nil {
		return err
	}
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return mapAwsError("get "+key, err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return transfer.MapStatus("read "+key, 0, err)
	}
	return nil
}

func mapAwsError(op string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return transfer.MapStatus(op, reqErr.StatusCode(), err)
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case request.CanceledErrorCode:
			return transfer.MapStatus(op, 0, fmt.Errorf("%w: %w", context.Canceled, err))
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket:
			return transfer.MapStatus(op, http.StatusNotFound, err)
		}
	}
	return transfer.MapStatus(op, 0, err)
}
