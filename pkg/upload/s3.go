package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/lefthookroll/webserv/pkg/body"
)

// PutObjectAPI is the part of the S3 client S3Store uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads bodies to an S3 bucket. Save clones the body and returns
// at once; the PutObject call runs on its own goroutine so the event loop
// never waits on the network.
type S3Store struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	maxSize int64
	timeout time.Duration

	// OnComplete, if set, is called from the upload goroutine when a
	// transfer finishes. err is nil on success.
	OnComplete func(f *File, err error)

	logger *slog.Logger
}

// NewS3Store creates a new S3 upload store.
//
// Parameters:
//   - client: S3 client (or any PutObjectAPI)
//   - bucket: S3 bucket name
//   - prefix: Key prefix for uploads (e.g., "uploads/")
//   - maxSize: Maximum file size in bytes (0 = no limit)
func NewS3Store(client PutObjectAPI, bucket, prefix string, maxSize int64) *S3Store {
	return &S3Store{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		maxSize: maxSize,
		timeout: 5 * time.Minute,
		logger:  slog.Default().With("component", "upload", "bucket", bucket),
	}
}

// WithTimeout sets the per-object upload timeout.
func (s *S3Store) WithTimeout(d time.Duration) *S3Store {
	s.timeout = d
	return s
}

// Save starts an asynchronous upload of src and returns a pending File.
func (s *S3Store) Save(name, contentType string, src *body.Store) (*File, error) {
	if s.maxSize > 0 && src.Size() > s.maxSize {
		return nil, ErrTooLarge
	}
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return nil, ErrBadName
	}
	clone, err := src.Clone()
	if err != nil {
		return nil, fmt.Errorf("upload: clone body: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := s.prefix + name
	f := &File{
		ID:          key,
		Filename:    name,
		ContentType: contentType,
		Size:        clone.Size(),
		URL:         "s3://" + s.bucket + "/" + key,
		Pending:     true,
	}

	go s.put(f, clone)
	return f, nil
}

func (s *S3Store) put(f *File, content *body.Store) {
	defer content.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(f.ID),
		Body:          content.Reader(),
		ContentLength: aws.Int64(f.Size),
		ContentType:   aws.String(f.ContentType),
		Metadata: map[string]string{
			"original-filename": f.Filename,
			"upload-time":       start.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		err = fmt.Errorf("s3 upload failed: %w", err)
		s.logger.Warn("upload failed", "key", f.ID, "error", err)
	} else {
		s.logger.Info("upload complete", "key", f.ID, "bytes", f.Size, "duration", time.Since(start))
	}
	if s.OnComplete != nil {
		s.OnComplete(f, err)
	}
}

// ParseS3URL splits s3://bucket/prefix into its parts. The returned prefix
// ends with "/" unless empty.
func ParseS3URL(dest string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(dest, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, true
}

// NewS3ClientFromEnv builds an S3 client from the standard AWS environment
// variables: AWS_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY,
// AWS_SESSION_TOKEN, plus AWS_ENDPOINT_URL_S3 or AWS_ENDPOINT_URL for
// S3-compatible services (which also switches to path-style addressing).
func NewS3ClientFromEnv() *s3.Client {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
			if id == "" || secret == "" {
				return aws.Credentials{}, fmt.Errorf("upload: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
			}
			return aws.Credentials{
				AccessKeyID:     id,
				SecretAccessKey: secret,
				SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
				Source:          "environment",
			}, nil
		}),
	}

	endpoint := os.Getenv("AWS_ENDPOINT_URL_S3")
	if endpoint == "" {
		endpoint = os.Getenv("AWS_ENDPOINT_URL")
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}
