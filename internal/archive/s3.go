// Package archive stores complete ingestion rejection reports in an S3-compatible bucket.
//
// The synchronous ingestion response only carries a bounded sample of errors; the full report
// is written here as one JSON object per run and referenced by its key.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aquifer-io/aquifer/internal/config"
	"github.com/aquifer-io/aquifer/internal/ingestion"
)

const (
	defaultRegion = "us-east-1"
	defaultPrefix = "ingestion-reports"
	contentType   = "application/json"
)

var (
	// ErrBucketRequired is returned when the archive is enabled without a bucket.
	ErrBucketRequired = errors.New("archive bucket is required")

	// ErrNilReport is returned when Archive is called without a report.
	ErrNilReport = errors.New("report cannot be nil")

	_ ingestion.RejectionArchive = (*S3Archive)(nil)
)

type (
	// Config holds S3 settings. Credentials fall back to the default AWS chain when the static
	// pair is empty.
	Config struct {
		Bucket          string
		Prefix          string
		Region          string
		Endpoint        string // optional; S3-compatible endpoint such as MinIO
		PathStyle       bool
		AccessKeyID     string
		SecretAccessKey string
	}

	// S3Archive writes rejection reports with PutObject.
	S3Archive struct {
		client *s3.Client
		bucket string
		prefix string
		logger *slog.Logger
	}

	// Option configures the S3 client.
	Option func(*s3.Options)
)

// LoadConfig reads archive settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Bucket:          config.GetEnvStr("AQUIFER_ARCHIVE_BUCKET", ""),
		Prefix:          config.GetEnvStr("AQUIFER_ARCHIVE_PREFIX", defaultPrefix),
		Region:          config.GetEnvStr("AQUIFER_ARCHIVE_REGION", defaultRegion),
		Endpoint:        config.GetEnvStr("AQUIFER_ARCHIVE_ENDPOINT", ""),
		PathStyle:       config.GetEnvBool("AQUIFER_ARCHIVE_PATH_STYLE", false),
		AccessKeyID:     config.GetEnvStr("AQUIFER_ARCHIVE_ACCESS_KEY_ID", ""),
		SecretAccessKey: config.GetEnvStr("AQUIFER_ARCHIVE_SECRET_ACCESS_KEY", ""),
	}
}

// Enabled reports whether a bucket is configured.
func (c *Config) Enabled() bool {
	return strings.TrimSpace(c.Bucket) != ""
}

// Validate checks the configuration of an enabled archive.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return ErrBucketRequired
	}

	return nil
}

// WithHTTPClient replaces the HTTP client used by the S3 SDK.
func WithHTTPClient(client aws.HTTPClient) Option {
	return func(o *s3.Options) {
		o.HTTPClient = client
	}
}

// NewS3Archive builds an S3 client from cfg.
func NewS3Archive(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*S3Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle

		// S3-compatible stores reject aws-chunked uploads with checksum trailers.
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}

		for _, opt := range opts {
			opt(o)
		}
	})

	return &S3Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Archive uploads report as JSON and returns its object key:
// <prefix>/<kind>/<yyyy>/<mm>/<dd>/<run_id>.json.
func (a *S3Archive) Archive(ctx context.Context, report *ingestion.Report) (string, error) {
	if report == nil {
		return "", ErrNilReport
	}

	body, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	key := objectKey(a.prefix, report)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"run-id":     report.RunID,
			"kind":       string(report.Kind),
			"rejections": fmt.Sprintf("%d", len(report.Rejections)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	a.logger.InfoContext(ctx, "Rejection report archived",
		slog.String("bucket", a.bucket),
		slog.String("key", key),
		slog.Int("rejections", len(report.Rejections)),
		slog.Bool("truncated", report.Truncated),
	)

	return key, nil
}

func objectKey(prefix string, report *ingestion.Report) string {
	day := report.StartedAt.UTC().Format("2006/01/02")

	return path.Join(prefix, string(report.Kind), day, report.RunID+".json")
}
