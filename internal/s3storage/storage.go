// Package s3storage is the MinIO/S3 blob-store backend. Pages and raw
// archives live in separate buckets; every key write is atomic on its own,
// so chapter-level atomicity is the orchestrator's compensation, not a
// staging swap.
package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"mangrove/internal/config"
)

// Store wraps MinIO interactions for raw archives and published pages.
type Store struct {
	client      *minio.Client
	rawBucket   string
	pagesBucket string
	region      string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{
		client:      client,
		rawBucket:   cfg.RawBucket,
		pagesBucket: cfg.PagesBucket,
		region:      cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the raw/pages buckets exist before use.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.rawBucket, s.pagesBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// PutObject stores one page object under its deterministic key.
func (s *Store) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.pagesBucket, key, bytes.NewReader(data), int64(len(data)), opts); err != nil {
		return fmt.Errorf("put page object %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes one page object (compensation path).
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.pagesBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete page object %s: %w", key, err)
	}
	return nil
}

// ListObjects returns the page keys under prefix.
func (s *Store) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.pagesBucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list page objects %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// GetObject fetches one page object's bytes.
func (s *Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.pagesBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get page object %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read page object %s: %w", key, err)
	}
	return buf, nil
}

// PresignPage returns a signed GET URL for one page object.
func (s *Store) PresignPage(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.pagesBucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign page object %s: %w", key, err)
	}
	return u.String(), nil
}

// StoreArchive spools the uploaded raw archive into the raw bucket.
func (s *Store) StoreArchive(ctx context.Context, key string, r io.Reader, size int64) error {
	opts := minio.PutObjectOptions{ContentType: "application/zip"}
	if _, err := s.client.PutObject(ctx, s.rawBucket, key, r, size, opts); err != nil {
		return fmt.Errorf("store raw archive %s: %w", key, err)
	}
	return nil
}

// FetchArchive downloads the raw archive bytes for processing.
func (s *Store) FetchArchive(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.rawBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get raw archive %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read raw archive %s: %w", key, err)
	}
	return buf, nil
}

// DeleteArchive removes the raw archive after the job reaches a terminal
// state.
func (s *Store) DeleteArchive(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.rawBucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete raw archive %s: %w", key, err)
	}
	return nil
}
