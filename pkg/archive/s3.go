// Package archive uploads frozen segment files to S3-compatible object
// storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/cluso-segkv/pkg/logging"
)

// PutObjectAPI is the slice of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config describes the destination bucket. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain
// applies.
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Archiver uploads segment files as objects named <prefix><file name>.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	logger logging.Logger
}

// New builds an archiver with a real S3 client.
func New(ctx context.Context, cfg Config, logger logging.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
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
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient builds an archiver around an existing client.
func NewWithClient(client PutObjectAPI, bucket, prefix string, logger logging.Logger) *S3Archiver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.With(logging.Component("archive")),
	}
}

// ObjectKey is the object name a segment file is stored under.
func (a *S3Archiver) ObjectKey(segmentPath string) string {
	name := filepath.Base(segmentPath)
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Archive uploads the file at segmentPath and returns its size. Frozen
// segments never change, so a retry uploads identical bytes.
func (a *S3Archiver) Archive(ctx context.Context, segmentPath string) (int64, error) {
	f, err := os.Open(segmentPath)
	if err != nil {
		return 0, fmt.Errorf("archive: open %s: %w", segmentPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("archive: stat %s: %w", segmentPath, err)
	}
	size := info.Size()
	key := a.ObjectKey(segmentPath)

	timer := logging.StartTimer(a.logger, "segment archived",
		logging.Segment(filepath.Base(segmentPath)),
		logging.String("bucket", a.bucket),
		logging.String("object", key))

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"segkv-segment": filepath.Base(segmentPath),
			"segkv-size":    strconv.FormatInt(size, 10),
		},
	})
	if err != nil {
		timer.EndError(err)
		return 0, fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	timer.End(logging.Int64("bytes", size))
	return size, nil
}
