package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the part of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps one object per key in an S3 bucket, using the same key
// layout as EtcdStore.
//
// Example usage:
//
//	client := s3.NewFromConfig(awsCfg)
//	store := storage.NewS3Store(client, "my-bucket", storage.WithS3Prefix("mtproto"))
type S3Store struct {
	client S3API
	bucket string
	layout keyLayout
	closed atomic.Bool
}

// S3StoreOption configures S3Store behavior.
type S3StoreOption func(*s3StoreConfig)

type s3StoreConfig struct {
	prefix string
}

// WithS3Prefix sets the object key prefix.
// Default: "mtproto".
func WithS3Prefix(prefix string) S3StoreOption {
	return func(c *s3StoreConfig) {
		c.prefix = prefix
	}
}

// NewS3Store creates a new S3 key store.
func NewS3Store(client S3API, bucket string, opts ...S3StoreOption) *S3Store {
	cfg := &s3StoreConfig{
		prefix: "mtproto",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &S3Store{
		client: client,
		bucket: bucket,
		layout: keyLayout{prefix: cfg.prefix, sep: "/"},
	}
}

// NewS3Client builds an S3 client for region. Credentials come from the
// standard AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and AWS_SESSION_TOKEN
// variables. A non-empty endpoint selects an S3-compatible service with
// path-style addressing.
func NewS3Client(region, endpoint string) *s3.Client {
	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
				if id == "" || secret == "" {
					return aws.Credentials{}, errors.New("storage: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
				}
				return aws.Credentials{
					AccessKeyID:     id,
					SecretAccessKey: secret,
					SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
					Source:          "environment",
				}, nil
			})),
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

func (s *S3Store) get(ctx context.Context, key string, now time.Time) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: s3 get %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read %q: %w", key, err)
	}
	rec, err := decodeRecord(key, data)
	if err != nil {
		return nil, err
	}
	if !rec.valid(now) {
		return nil, nil
	}
	return rec.Key, nil
}

func (s *S3Store) put(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	if value == nil {
		return s.delete(ctx, key)
	}
	data, err := encodeRecord(value, expiresAt)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 delete %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) deletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("storage: s3 list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if err := s.delete(ctx, aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// AuthKey returns the permanent key for dc.
func (s *S3Store) AuthKey(ctx context.Context, dc int) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}
	return s.get(ctx, s.layout.perm(dc), time.Now())
}

// SetAuthKey stores the permanent key.
func (s *S3Store) SetAuthKey(ctx context.Context, dc int, key []byte) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	return s.put(ctx, s.layout.perm(dc), key, time.Time{})
}

// TempAuthKey returns the temporary key if it has not expired at now.
func (s *S3Store) TempAuthKey(ctx context.Context, dc, idx int, now time.Time) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed{}
	}
	return s.get(ctx, s.layout.temp(dc, idx), now)
}

// SetTempAuthKey stores a temporary key with its expiry.
func (s *S3Store) SetTempAuthKey(ctx context.Context, dc, idx int, key []byte, expiresAt time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	return s.put(ctx, s.layout.temp(dc, idx), key, expiresAt)
}

// DeleteByDC removes the permanent key and every temporary key of dc.
func (s *S3Store) DeleteByDC(ctx context.Context, dc int) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	if err := s.delete(ctx, s.layout.perm(dc)); err != nil {
		return err
	}
	return s.deletePrefix(ctx, s.layout.tempDC(dc))
}

// DeleteAll removes every object under the prefix.
func (s *S3Store) DeleteAll(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed{}
	}
	return s.deletePrefix(ctx, s.layout.all())
}

// Close marks the store closed.
func (s *S3Store) Close() error {
	s.closed.Store(true)
	return nil
}
