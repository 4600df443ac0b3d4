// Package s3 implements the artifact blob store on top of any S3-compatible
// object storage (MinIO, AWS S3, Supabase storage).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/genmedia/gateway/internal/domain"
)

// presignTTL bounds how long links to private buckets stay valid.
const presignTTL = time.Hour

// Config carries the connection settings for the object store.
type Config struct {
	// Endpoint may carry a scheme; https implies Secure.
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Public buckets get stable unsigned URLs instead of presigned ones.
	Public bool
}

// Store implements domain.BlobStore. Put has upsert semantics: re-running a
// job overwrites the artifact under the same key.
type Store struct {
	client *minio.Client
	bucket string
	public bool
	host   string
	scheme string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	host, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("op=blob.new: create bucket %q: %w", cfg.Bucket, err)
		}
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &Store{client: client, bucket: cfg.Bucket, public: cfg.Public, host: host, scheme: scheme}, nil
}

// splitEndpoint strips an optional scheme off the endpoint and resolves
// whether the connection should use TLS.
func splitEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil {
			return u.Host, u.Scheme == "https" || useSSL
		}
	}
	return endpoint, useSSL
}

// Put uploads data under key, overwriting any previous object.
func (s *Store) Put(ctx domain.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("op=blob.put key=%s: %v: %w", key, err, domain.ErrArtifactStore)
	}
	return nil
}

// Get downloads the object under key and reports its content type.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("op=blob.get key=%s: %v: %w", key, err, domain.ErrArtifactFetch)
	}
	defer func() { _ = obj.Close() }()
	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", fmt.Errorf("op=blob.get key=%s: %w", key, domain.ErrNotFound)
		}
		return nil, "", fmt.Errorf("op=blob.get key=%s: %v: %w", key, err, domain.ErrArtifactFetch)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", fmt.Errorf("op=blob.get key=%s: %v: %w", key, err, domain.ErrArtifactFetch)
	}
	return data, info.ContentType, nil
}

// URL returns a stable unsigned URL for public buckets and a presigned URL
// valid for one hour otherwise.
func (s *Store) URL(ctx domain.Context, key string) (string, error) {
	if s.public {
		return s.scheme + "://" + s.host + "/" + s.bucket + "/" + key, nil
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("op=blob.url key=%s: %v: %w", key, err, domain.ErrArtifactStore)
	}
	return u.String(), nil
}

// KeyFromURL recognizes URLs that point into our own bucket and returns the
// object key. Inputs referenced this way are fetched directly from the store
// instead of over HTTP.
func (s *Store) KeyFromURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host != s.host {
		return "", false
	}
	prefix := "/" + s.bucket + "/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(u.Path, prefix)
	if key == "" {
		return "", false
	}
	return key, true
}

// Healthy reports whether the bucket is reachable.
func (s *Store) Healthy(ctx domain.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("op=blob.healthy: %w", err)
	}
	if !exists {
		return fmt.Errorf("op=blob.healthy: bucket %q missing", s.bucket)
	}
	return nil
}
