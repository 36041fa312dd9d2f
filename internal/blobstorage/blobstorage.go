package blobstorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when a blob does not exist in the store.
var ErrNotFound = errors.New("blob not found")

type Config struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// S3BlobStorage stores attachment bodies in an S3-compatible object store.
// A disabled instance is valid; callers fall back to inline database
// storage when IsEnabled reports false.
type S3BlobStorage struct {
	client  *s3.Client
	bucket  string
	enabled bool
}

func NewS3BlobStorage(cfg Config) (*S3BlobStorage, error) {
	if !cfg.Enabled {
		return &S3BlobStorage{}, nil
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob storage is enabled but no bucket is configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3BlobStorage{client: client, bucket: cfg.Bucket, enabled: true}, nil
}

func (s *S3BlobStorage) IsEnabled() bool {
	return s != nil && s.enabled
}

// Store uploads a blob under the given id, overwriting any previous object.
func (s *S3BlobStorage) Store(ctx context.Context, id string, content []byte) error {
	if !s.IsEnabled() {
		return fmt.Errorf("blob storage is disabled")
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("failed to store blob %s: %w", id, err)
	}
	return nil
}

// CreateReadStream opens the blob for streaming. The caller must close the
// returned reader.
func (s *S3BlobStorage) CreateReadStream(ctx context.Context, id string) (io.ReadCloser, error) {
	if !s.IsEnabled() {
		return nil, fmt.Errorf("blob storage is disabled")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve blob %s: %w", id, err)
	}
	return out.Body, nil
}

// Retrieve reads the whole blob into memory.
func (s *S3BlobStorage) Retrieve(ctx context.Context, id string) ([]byte, error) {
	body, err := s.CreateReadStream(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	return io.ReadAll(body)
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *S3BlobStorage) Delete(ctx context.Context, id string) error {
	if !s.IsEnabled() {
		return fmt.Errorf("blob storage is disabled")
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", id, err)
	}
	return nil
}
