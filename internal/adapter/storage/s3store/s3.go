// Package s3store implements the storage backend on an S3 bucket. It also
// satisfies the signed-URL capability via presigned GET requests.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fairyhunter13/media-fetch/internal/domain"
)

// Backend stores blobs as objects in one bucket.
type Backend struct {
	bucket  string
	client  *s3.Client
	presign *s3.PresignClient
}

// New loads the default AWS config chain and returns the backend.
func New(ctx context.Context, bucket, region string) (*Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("op=s3store.new: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &Backend{
		bucket:  bucket,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// Save uploads the stream as an object.
func (b *Backend) Save(ctx context.Context, path string, r io.Reader) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("op=s3store.save path=%s: %w", path, err)
	}
	return nil
}

// Get opens the object body for streaming.
func (b *Backend) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("op=s3store.get path=%s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=s3store.get path=%s: %w", path, err)
	}
	return out.Body, nil
}

// Delete removes the object; deleting an absent object succeeds.
func (b *Backend) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("op=s3store.delete path=%s: %w", path, err)
	}
	return nil
}

// Exists probes the object with a HEAD request.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("op=s3store.exists path=%s: %w", path, err)
	}
	return true, nil
}

// Size returns the object's content length.
func (b *Backend) Size(ctx context.Context, path string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return 0, fmt.Errorf("op=s3store.size path=%s: %w", path, domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=s3store.size path=%s: %w", path, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// PresignedURL issues a time-limited GET URL for the object.
func (b *Backend) PresignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("op=s3store.presign path=%s: %w", path, err)
	}
	return req.URL, nil
}
