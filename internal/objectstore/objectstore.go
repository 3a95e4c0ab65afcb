// Package objectstore is the Object Store Adapter (C3): puts generated
// artifacts into an S3-compatible bucket and mints presigned GET URLs for
// clients, via aws-sdk-go-v2. It is grounded on the original service's
// MinIO-backed storage_client.py, translated into the Go SDK's equivalent
// PutObject/presign-client operations.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"imageforge/internal/metrics"
)

// Config configures a Store. Endpoint is the MinIO/S3-compatible base URL;
// leave it empty to use AWS's default endpoint resolution.
type Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// Store is the Object Store Adapter.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// New builds a Store from cfg, resolving a custom endpoint when one is set
// (the MinIO case) and falling back to standard AWS resolution otherwise.
func New(ctx context.Context, cfg Config) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// EnsureBucket creates the configured bucket if it does not already exist,
// mirroring storage_client.py's _ensure_bucket startup check.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("objectstore: create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// PutBytes uploads data under key with the given content type, returning
// nil on success. It records imageforge_artifact_upload_total
// the way the worker pipeline needs for partial-success accounting (spec §4.2).
func (s *Store) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		metrics.ArtifactUploadTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	metrics.ArtifactUploadTotal.WithLabelValues("success").Inc()
	return nil
}

// PutJSON marshals v and uploads it as application/json, used for the
// per-job metadata object alongside each artifact.
func (s *Store) PutJSON(ctx context.Context, key string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("objectstore: marshal json for %s: %w", key, err)
	}
	return s.PutBytes(ctx, key, payload, "application/json")
}

// PresignGet returns a time-limited GET URL for key, the mechanism clients
// use to fetch artifacts directly from storage (spec §6.3's artifact URLs).
func (s *Store) PresignGet(ctx context.Context, key string, ttlSeconds int64) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(secondsToDuration(ttlSeconds)))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}

// HealthCheck reports whether the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("objectstore: health check: %w", err)
	}
	return nil
}
