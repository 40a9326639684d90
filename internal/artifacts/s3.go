// Package artifacts publishes run images to S3-compatible object storage.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNoBucket is returned when uploads are configured without a bucket.
var ErrNoBucket = errors.New("artifacts: bucket is required")

// Config selects the bucket and how objects are addressed.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint for MinIO / R2; empty = AWS
	Prefix          string // key prefix, e.g. "runs/"
	PublicBaseURL   string // base for returned URLs; empty = derived from endpoint
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Uploader uploads image artifacts and returns their public URLs.
type S3Uploader struct {
	uploader *manager.Uploader
	cfg      Config
}

// NewS3Uploader builds a client from the default AWS credential chain,
// overridden by static keys when both are set.
func NewS3Uploader(ctx context.Context, cfg Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}
	return &S3Uploader{uploader: manager.NewUploader(client), cfg: cfg}, nil
}

// Key returns the object key for a run artifact.
func (u *S3Uploader) Key(runID, name string) string {
	return path.Join(strings.Trim(u.cfg.Prefix, "/"), runID, name)
}

// URL returns the public URL for an object key.
func (u *S3Uploader) URL(key string) string {
	switch {
	case u.cfg.PublicBaseURL != "":
		return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key
	case u.cfg.Endpoint != "":
		return strings.TrimRight(u.cfg.Endpoint, "/") + "/" + u.cfg.Bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
	}
}

// UploadImages uploads names (relative to dir) and returns one URL per name, in order.
func (u *S3Uploader) UploadImages(ctx context.Context, runID, dir string, names []string) ([]string, error) {
	urls := make([]string, 0, len(names))
	for _, name := range names {
		key := u.Key(runID, name)
		if err := u.uploadFile(ctx, filepath.Join(dir, filepath.FromSlash(name)), key); err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		urls = append(urls, u.URL(key))
	}
	slog.Debug("artifacts uploaded", "run", runID, "count", len(urls), "bucket", u.cfg.Bucket)
	return urls, nil
}

func (u *S3Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	return err
}
