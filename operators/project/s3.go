package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"medquery-go/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectTooLarge = errors.New("object exceeds the download limit")

// ObjectStore fetches and stores source files in a bucket.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

var (
	_ = (ObjectStore)(&MinioStore{})
	_ = (ObjectStore)(&S3Store{})
)

// NewObjectStore picks the client named by the storage backend.
func NewObjectStore(backend string, useSSL bool, secrets config.Secrets) (ObjectStore, error) {
	switch backend {
	case "minio":
		return NewMinioStore(secrets, useSSL)
	case "s3":
		return NewS3Store(secrets, useSSL), nil
	default:
		return nil, fmt.Errorf("no object store for backend %q", backend)
	}
}

// MinioStore talks to any S3 compatible endpoint through minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(secrets config.Secrets, useSSL bool) (*MinioStore, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(secrets.EndpointURL, "https://"), "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(secrets.AccessKey, secrets.SecretKey, ""),
		Secure: useSSL,
		Region: secrets.Region,
	})
	if err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: secrets.BucketName}, nil
}

func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key here rather than on first read
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s/%s: %w", m.bucket, key, err)
	}
	return obj, nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// S3Store uses the AWS SDK. An ENDPOINT_URL switches it to path-style addressing for
// S3 compatible services.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(secrets config.Secrets, useSSL bool) *S3Store {
	accessKey, secretKey := secrets.AccessKey, secrets.SecretKey
	opts := s3.Options{
		Region: secrets.Region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: accessKey, SecretAccessKey: secretKey, Source: "environment"}, nil
		})),
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if secrets.EndpointURL != "" {
		endpoint := secrets.EndpointURL
		if !strings.Contains(endpoint, "://") {
			scheme := "https://"
			if !useSSL {
				scheme = "http://"
			}
			endpoint = scheme + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return &S3Store{client: s3.New(opts), bucket: secrets.BucketName}
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.bucket, key, err)
	}
	return out.Body, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	return err
}

// DownloadLimited reads the whole object, failing once more than limit bytes arrive.
// A limit <= 0 disables the check.
func DownloadLimited(ctx context.Context, store ObjectStore, key string, limit int64) ([]byte, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	if limit > 0 && int64(len(content)) > limit {
		return nil, fmt.Errorf("%s: %w (%d bytes)", key, ErrObjectTooLarge, limit)
	}
	return content, nil
}
