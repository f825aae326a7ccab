// Package s3store implements the object store on S3-compatible storage
// using the AWS SDK v2. It works against AWS itself and against
// path-style-addressed compatible providers.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/deepnoodle-ai/nbexec"
)

// Options configures a Store.
type Options struct {
	Bucket   string
	Region   string
	Endpoint string

	// AccessKey and SecretKey configure static credentials. Leave both
	// empty to use the SDK's default provider chain.
	AccessKey string
	SecretKey string

	// UsePathStyle is required by most non-AWS S3-compatible providers.
	UsePathStyle bool

	// Client overrides the constructed client, for tests.
	Client *s3.Client
}

// Store is an S3-backed ObjectStore.
type Store struct {
	client *s3.Client
	bucket string
}

// New creates an S3-backed object store.
func New(opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	client := opts.Client
	if client == nil {
		s3Opts := s3.Options{
			Region:       opts.Region,
			UsePathStyle: opts.UsePathStyle,
		}
		if opts.AccessKey != "" || opts.SecretKey != "" {
			s3Opts.Credentials = credentials.NewStaticCredentialsProvider(
				opts.AccessKey, opts.SecretKey, "",
			)
		}
		if opts.Endpoint != "" {
			s3Opts.BaseEndpoint = aws.String(opts.Endpoint)
		}
		client = s3.New(s3Opts)
	}
	return &Store{client: client, bucket: opts.Bucket}, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nbexec.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// isNotFound normalizes the SDK's two missing-object shapes: NoSuchKey from
// GetObject and the typeless 404 NotFound from HeadObject.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
