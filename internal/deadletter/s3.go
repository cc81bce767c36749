package deadletter

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
)

const (
	uploadTimeout  = 30 * time.Second
	uploadAttempts = 4
	backoffInitial = 200 * time.Millisecond
	backoffMax     = 2 * time.Second

	contentType = "application/zstd"
)

// Uploader archives a sealed spool file under name.
type Uploader interface {
	Upload(ctx context.Context, name string, body []byte) error
}

// S3Uploader writes spool files to an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader creates an uploader from cfg. If cfg.Endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Uploader(ctx context.Context, cfg config.DeadLetterS3) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	s3opts := []func(*s3.Options){
		func(o *s3.Options) {
			// Retries are handled by uploadWithRetry.
			o.RetryMaxAttempts = 1
		},
	}
	if cfg.Endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg, s3opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Upload puts body at {prefix}/{name}.
func (u *S3Uploader) Upload(ctx context.Context, name string, body []byte) error {
	key := name
	if u.prefix != "" {
		key = path.Join(u.prefix, name)
	}
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// uploadWithRetry calls u.Upload up to uploadAttempts times with doubling
// delays capped at backoffMax.
func uploadWithRetry(ctx context.Context, u Uploader, name string, body []byte) error {
	delay := backoffInitial
	var err error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if err = u.Upload(ctx, name, body); err == nil {
			return nil
		}
		if attempt == uploadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled after %d attempts: %w", attempt, err)
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", uploadAttempts, err)
}
