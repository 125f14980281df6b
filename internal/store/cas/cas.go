// Package cas is the content-addressed object store (C1): blobs live in an
// S3-compatible bucket, keyed by sha256 so two posts referencing the same
// image never pay for a second upload.
package cas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Kind namespaces a CAS key by the subsystem that produced the content.
type Kind string

const (
	KindMedia  Kind = "media"
	KindVision Kind = "vision"
	KindCrawl  Kind = "crawl"
)

// Store wraps an S3 client scoped to a single bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// Config describes how to reach the S3-compatible endpoint. Endpoint is
// optional; leaving it empty targets AWS S3 directly using Region.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Open builds an S3 client from cfg. When cfg.Endpoint is set, path-style
// addressing is forced so MinIO and other self-hosted S3-compatible
// backends work without a wildcard DNS entry.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cas: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Key builds the deterministic storage key for a piece of content, matching
// the layout media/{tenant}/{sha256[:2]}/{sha256}.{ext} for media and
// {kind}/{tenant}/{sha256}.{ext} for other first-class blobs.
func Key(kind Kind, tenant, sha256Hex, ext string) string {
	switch kind {
	case KindMedia:
		return fmt.Sprintf("media/%s/%s/%s.%s", tenant, sha256Hex[:2], sha256Hex, ext)
	default:
		return fmt.Sprintf("%s/%s/%s.%s", kind, tenant, sha256Hex, ext)
	}
}

// DerivedKey builds the key for a vision/OCR/crawl artifact, namespaced by
// provider, model, and schema version so a provider upgrade never collides
// with a cached result from an older schema.
func DerivedKey(kind Kind, tenant, sha256Hex, provider, model string, schemaVersion int) string {
	return fmt.Sprintf("%s/%s/%s_%s_%s_v%d.json", kind, tenant, sha256Hex, provider, model, schemaVersion)
}

// Put uploads content under key, returning the sha256 hex digest computed
// from the bytes actually written (callers should compare this against any
// digest they already computed, to catch truncated reads).
func (s *Store) Put(ctx context.Context, key string, content []byte, contentType string) (sha256Hex string, err error) {
	sum := sha256.Sum256(content)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("cas: put %s: %w", key, err)
	}
	return hex.EncodeToString(sum[:]), nil
}

// Get downloads the object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cas: get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("cas: read %s: %w", key, err)
	}
	return data, nil
}

// Head checks object existence without downloading its body. Used by the
// vision stage to confirm a blob is in the CAS before fetching it.
func (s *Store) Head(ctx context.Context, key string) (exists bool, size int64, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("cas: head %s: %w", key, err)
	}
	return true, aws.ToInt64(out.ContentLength), nil
}

// HeadBucket checks that the configured bucket exists and is reachable,
// used by cmd/pipeline's doctor command to verify CAS connectivity without
// touching any object.
func (s *Store) HeadBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("cas: head bucket %s: %w", s.bucket, err)
	}
	return nil
}

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cas: object not found")

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
