// Package storage holds uploaded purchase-order documents in an
// S3-compatible object store: MinIO in development, any S3 endpoint in
// production. Upload rows reference objects by storage key; the parsing
// stage fetches the bytes back through the same store.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
)

// ErrNotFound reports a missing object. A workflow hitting this has a data
// problem, not an outage; retrying the same key cannot help.
var ErrNotFound = errors.New("object not found")

// ObjectStore reads and writes document objects in one bucket.
type ObjectStore struct {
	client   S3Client
	uploader *manager.Uploader
	bucket   string
	log      *logrus.Entry
}

// New dials the configured endpoint. Path-style addressing is required
// for MinIO; an empty endpoint falls through to the real AWS resolver.
func New(ctx context.Context, cfg config.StorageConfig) (*ObjectStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), 5)
		}),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store configuration: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wires a pre-built client; tests pass the mock.
func NewWithClient(client S3Client, bucket string) *ObjectStore {
	return &ObjectStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		log:      poflow.Component("storage"),
	}
}

// EnsureBucket creates the bucket when it does not exist yet. This is the
// MinIO development path; production buckets are provisioned outside.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}
	if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return poflow.Transient("storage.EnsureBucket", fmt.Errorf("failed to create bucket %s: %w", s.bucket, err))
	}
	s.log.WithField("bucket", s.bucket).Info("created storage bucket")
	return nil
}

// Put stores one document under key. The content md5 rides along as
// object metadata (x-amz-meta-md5) so replaced uploads are detectable.
func (s *ObjectStore) Put(ctx context.Context, key, contentType string, data []byte) error {
	sum := md5.Sum(data)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"md5": fmt.Sprintf("%x", sum),
		},
	})
	if err != nil {
		return poflow.Transient("storage.Put", fmt.Errorf("failed to store object %s: %w", key, err))
	}
	s.log.WithFields(logrus.Fields{
		"key":  key,
		"size": len(data),
	}).Debug("stored object")
	return nil
}

// Fetch loads a document's bytes by storage key.
func (s *ObjectStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, poflow.Business("storage.Fetch", fmt.Errorf("object %s: %w", key, ErrNotFound))
		}
		return nil, poflow.Transient("storage.Fetch", fmt.Errorf("failed to fetch object %s: %w", key, err))
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, poflow.Transient("storage.Fetch", fmt.Errorf("failed to read object %s: %w", key, err))
	}
	return data, nil
}
