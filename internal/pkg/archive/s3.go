package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

// ErrDisabled is returned by NewS3Sink when archiving is switched off.
var ErrDisabled = errors.New("archive: S3 archiving is disabled")

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Sink writes archive objects to one bucket under a key prefix.
type S3Sink struct {
	api    objectAPI
	bucket string
	prefix string
}

// NewS3Sink creates the S3 client and checks that the bucket is reachable.
func NewS3Sink(ctx context.Context, cfg *Config) (*S3Sink, error) {
	if !cfg.IsEnabled() {
		return nil, ErrDisabled
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible stores (MinIO, B2) want path-style URLs
			o.UsePathStyle = true
		}
	})

	sink := newS3Sink(client, cfg.BucketName, cfg.Prefix)
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Infof("[Archive] Writing archives to s3://%s/%s", cfg.BucketName, cfg.Prefix)
	return sink, nil
}

func newS3Sink(api objectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{api: api, bucket: bucket, prefix: prefix}
}

// Put stores body at prefix+key as JSON Lines.
func (s *S3Sink) Put(ctx context.Context, key string, body []byte) error {
	objectKey := s.prefix + key
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/x-ndjson"),
		ContentLength: aws.Int64(int64(len(body))),
		Metadata: map[string]string{
			"upload-source": "paysync-archive",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	log.Infof("[Archive] Uploaded s3://%s/%s (%d bytes)", s.bucket, objectKey, len(body))
	return nil
}
