package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is an in-memory S3Client for tests.
type MockS3Client struct {
	Objects map[string]*MockS3Object
	Buckets map[string]bool

	// Err, when set, is returned from every operation.
	Err error

	PutObjectCalled    bool
	GetObjectCalled    bool
	HeadBucketCalled   bool
	CreateBucketCalled bool

	LastBucket   string
	LastKey      string
	LastMetadata map[string]string
}

// MockS3Object is one stored object with its metadata.
type MockS3Object struct {
	Key         string
	Content     []byte
	ContentType string
	Metadata    map[string]string
}

// NewMockS3Client creates an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

func (m *MockS3Client) HeadBucket(_ context.Context, params *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	m.HeadBucketCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil && m.Buckets[*params.Bucket] {
		return &s3.HeadBucketOutput{}, nil
	}
	return nil, &types.NoSuchBucket{}
}

func (m *MockS3Client) CreateBucket(_ context.Context, params *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	m.CreateBucketCalled = true
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
		m.Buckets[*params.Bucket] = true
	}
	return &s3.CreateBucketOutput{}, nil
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastKey = *params.Key
	}
	m.LastMetadata = params.Metadata
	if m.Err != nil {
		return nil, m.Err
	}

	var content []byte
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, err
		}
		content = data
	}
	contentType := ""
	if params.ContentType != nil {
		contentType = *params.ContentType
	}
	if params.Key != nil {
		m.Objects[*params.Key] = &MockS3Object{
			Key:         *params.Key,
			Content:     content,
			ContentType: contentType,
			Metadata:    params.Metadata,
		}
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if params.Key != nil {
		m.LastKey = *params.Key
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(bytes.NewReader(obj.Content)),
				ContentLength: aws.Int64(int64(len(obj.Content))),
				Metadata:      obj.Metadata,
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}

// The multipart operations exist to satisfy the upload manager's client
// contract; document-sized bodies never reach them.

func (m *MockS3Client) UploadPart(_ context.Context, _ *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return &s3.UploadPartOutput{ETag: aws.String("mock")}, nil
}

func (m *MockS3Client) CreateMultipartUpload(_ context.Context, _ *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mock")}, nil
}

func (m *MockS3Client) CompleteMultipartUpload(_ context.Context, _ *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *MockS3Client) AbortMultipartUpload(_ context.Context, _ *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}
