package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"telemed-backend/pkg/logger"
)

// ErrCircuitOpen is returned while the store is refusing calls after
// repeated failures
var ErrCircuitOpen = errors.New("object store circuit breaker is open")

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxFailures  int
	Timeout      time.Duration
	ResetTimeout time.Duration
}

// DefaultCircuitBreakerConfig returns default circuit breaker settings
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		Timeout:      10 * time.Second,
		ResetTimeout: 30 * time.Second,
	}
}

// objectAPI is the subset of *minio.Client the store uses
type objectAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// ObjectStore wraps an object storage client with a circuit breaker so a
// dead MinIO does not stall call completion
type ObjectStore struct {
	client objectAPI
	bucket string
	config *CircuitBreakerConfig

	mu       sync.Mutex
	failures int
	openedAt time.Time
	now      func() time.Time
}

// NewMinIOStore connects to MinIO and makes sure bucket exists
func NewMinIOStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return newObjectStore(client, bucket, DefaultCircuitBreakerConfig()), nil
}

func newObjectStore(client objectAPI, bucket string, config *CircuitBreakerConfig) *ObjectStore {
	return &ObjectStore{
		client: client,
		bucket: bucket,
		config: config,
		now:    time.Now,
	}
}

// Put uploads data under objectName
func (s *ObjectStore) Put(ctx context.Context, objectName string, data []byte, contentType string) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return err
	})
}

// PresignedURL returns a time-limited download URL for an existing object
func (s *ObjectStore) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	var signed *url.URL
	err := s.do(ctx, func(ctx context.Context) error {
		if _, err := s.client.StatObject(ctx, s.bucket, objectName, minio.StatObjectOptions{}); err != nil {
			return err
		}
		u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
		signed = u
		return err
	})
	if err != nil {
		return "", err
	}
	return signed.String(), nil
}

// IsNotFound reports whether err means the object does not exist
func IsNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return false
}

func (s *ObjectStore) do(ctx context.Context, op func(ctx context.Context) error) error {
	if !s.allow() {
		return ErrCircuitOpen
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	err := op(opCtx)
	if err == nil || IsNotFound(err) {
		s.onSuccess()
		return err
	}
	s.onFailure(err)
	return err
}

// allow reports whether a call may proceed; after ResetTimeout an open
// breaker lets a trial call through (half-open).
func (s *ObjectStore) allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures < s.config.MaxFailures {
		return true
	}
	return s.now().Sub(s.openedAt) >= s.config.ResetTimeout
}

func (s *ObjectStore) onSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.openedAt = time.Time{}
}

func (s *ObjectStore) onFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	if s.failures >= s.config.MaxFailures {
		s.openedAt = s.now()
		logger.Warn("Object store circuit breaker opened",
			zap.Int("failures", s.failures),
			zap.Error(err))
	}
}
