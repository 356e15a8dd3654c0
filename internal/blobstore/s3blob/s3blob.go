// Package s3blob implements blobstore.Store on aws-sdk-go-v2's S3 client,
// with a custom endpoint resolver so it can point at R2/MinIO as well as
// AWS (spec §4.2 object storage, §6.2 "S3-compatible PUT/GET"). Grounded
// on the aws-sdk-go-v2 config/credentials wiring style used for DynamoDB
// in hustshawn-agentic-tenancy's internal/registry package.
package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/basket/tgway/internal/config"
)

// Store puts/gets blobs in one S3-compatible bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from S3Config (spec §6.3 AWS_*/S3_* env vars).
// Endpoint and ForcePathStyle are set so the same code works against
// AWS S3, Cloudflare R2, or a local MinIO instance.
func New(ctx context.Context, cfg config.S3Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
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
			o.BaseEndpoint = awssdk.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Put uploads r to key (spec §4.2 "upload the blob to object storage").
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	var body io.ReadSeeker
	switch v := r.(type) {
	case io.ReadSeeker:
		body = v
	default:
		buf, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("buffer blob %s: %w", key, err)
		}
		body = bytes.NewReader(buf)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        awssdk.String(s.bucket),
		Key:           awssdk.String(key),
		Body:          body,
		ContentLength: awssdk.Int64(size),
		ContentType:   awssdk.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

// Get reads key back (spec §4.3 step 1, "Read the blob from object storage").
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return out.Body, nil
}
