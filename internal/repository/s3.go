package repository

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// multipartThreshold is the object size above which uploads go through the
// s3manager multipart uploader instead of a single PutObject call (spec
// §4.7 "large artifacts use multipart upload").
const multipartThreshold = 16 * 1024 * 1024

// S3Repository stores artifacts as objects in a single bucket, keyed by the
// same path layout the local backend uses on disk (spec §4.7 "object
// storage backend"). It is selected at config load via s3_bucket.
type S3Repository struct {
	client *s3.Client
	bucket string
	prefix string

	uploader   *manager.Uploader
	downloader *manager.Downloader
}

// NewS3Repository builds an S3Repository over an already-configured client.
// keyPrefix, if non-empty, is prepended to every artifact path so one
// bucket can host multiple repositories.
func NewS3Repository(client *s3.Client, bucket, keyPrefix string) *S3Repository {
	return &S3Repository{
		client:     client,
		bucket:     bucket,
		prefix:     keyPrefix,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}
}

func (s *S3Repository) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

// Put uploads r to path. Objects at or above multipartThreshold stream
// through the multipart uploader so memory stays bounded regardless of
// artifact size (large PDFs and TEI documents can run into the hundreds of
// megabytes).
func (s *S3Repository) Put(ctx context.Context, path string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   r,
	}, func(u *manager.Uploader) {
		u.PartSize = multipartThreshold
	})
	if err != nil {
		return fmt.Errorf("uploading artifact %q: %w", path, err)
	}
	return nil
}

// Has reports whether an object exists at path.
func (s *S3Repository) Has(ctx context.Context, path string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("checking artifact %q: %w", path, err)
}

// Get fetches the object at path. The returned ReadCloser streams directly
// from the GetObject response body; callers must Close it.
func (s *S3Repository) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching artifact %q: %w", path, err)
	}
	return out.Body, nil
}

// ListPrefix lists every object key under prefix, emitting repository-
// relative paths (the configured key prefix stripped back off) on the
// returned channel. Pagination is handled internally via ListObjectsV2's
// continuation token.
func (s *S3Repository) ListPrefix(ctx context.Context, prefix string) (<-chan string, error) {
	out := make(chan string)

	go func() {
		defer close(out)
		var token *string
		for {
			page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(s.bucket),
				Prefix:            aws.String(s.key(prefix)),
				ContinuationToken: token,
			})
			if err != nil {
				return
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if s.prefix != "" {
					key = key[len(s.prefix)+1:]
				}
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
			if !aws.ToBool(page.IsTruncated) {
				return
			}
			token = page.NextContinuationToken
		}
	}()

	return out, nil
}

// DeletePrefix deletes every object under prefix, batching deletes in
// groups of up to 1000 keys (the DeleteObjects API limit).
func (s *S3Repository) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		return err
	}

	var batch []types.ObjectIdentifier
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: batch},
		})
		batch = batch[:0]
		return err
	}

	for key := range keys {
		batch = append(batch, types.ObjectIdentifier{Key: aws.String(s.key(key))})
		if len(batch) == 1000 {
			if err := flush(); err != nil {
				return fmt.Errorf("deleting prefix %q: %w", prefix, err)
			}
		}
	}
	if err := flush(); err != nil {
		return fmt.Errorf("deleting prefix %q: %w", prefix, err)
	}
	return nil
}
