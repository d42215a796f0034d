// Package artifact stores rendered documents in S3 under a deterministic key
// scheme: {identifier}/{as_of_date}/{identifier}_{as_of_date}_{timestamp}.{ext}.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// TimestampLayout is the timestamp component of an artifact key. It sorts
// lexically in time order.
const TimestampLayout = "20060102T150405Z"

// DefaultExt is the extension of rendered documents.
const DefaultExt = "pdf"

// ErrNotFound is returned when no artifact exists for an item.
var ErrNotFound = errors.New("artifact not found")

// S3API is the subset of the S3 client the store uses. It includes the
// multipart calls the upload manager needs for large documents.
type S3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is the S3-backed artifact store.
type Store struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	ext      string
	endpoint string
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithS3Client sets a custom S3 client (useful for testing).
func WithS3Client(c S3API) Option {
	return func(s *Store) { s.client = c }
}

// WithPrefix places every key under prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, "/") }
}

// WithClock overrides the key timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEndpoint points the default client at an S3-compatible endpoint
// using path-style addressing.
func WithEndpoint(endpoint string) Option {
	return func(s *Store) { s.endpoint = endpoint }
}

// New creates an artifact store for bucket.
func New(bucket string, opts ...Option) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("S3 bucket name required")
	}
	s := &Store{bucket: bucket, ext: DefaultExt, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		s.client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			if s.endpoint != "" {
				o.BaseEndpoint = aws.String(s.endpoint)
				o.UsePathStyle = true
			}
		})
	}
	s.uploader = manager.NewUploader(s.client)
	return s, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// ItemPrefix returns the key prefix shared by every artifact of item.
func (s *Store) ItemPrefix(item types.WorkItem) string {
	p := item.Identifier + "/" + item.AsOfDate + "/"
	if s.prefix != "" {
		p = s.prefix + "/" + p
	}
	return p
}

// Key returns the artifact key for item generated at the given time.
func (s *Store) Key(item types.WorkItem, at time.Time) string {
	return fmt.Sprintf("%s%s_%s_%s.%s", s.ItemPrefix(item),
		item.Identifier, item.AsOfDate, at.UTC().Format(TimestampLayout), s.ext)
}

// Put uploads body for item and returns its key. Re-generation on the same
// second overwrites the previous object.
func (s *Store) Put(ctx context.Context, item types.WorkItem, body []byte, contentType string) (string, error) {
	key := s.Key(item, s.now())
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"identifier": item.Identifier,
			"as-of-date": item.AsOfDate,
		},
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}
	return key, nil
}

// Exists reports whether key names an object in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

// Latest returns the newest artifact key for item, or ErrNotFound.
func (s *Store) Latest(ctx context.Context, item types.WorkItem) (string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.ItemPrefix(item)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("listing artifacts for %s: %w", item.Key(), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if len(keys) == 0 {
		return "", ErrNotFound
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

// Reachable checks that the bucket exists and is accessible.
func (s *Store) Reachable(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *s3types.NotFound
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}
