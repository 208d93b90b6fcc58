package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is an S3-backed Store used for attachments over
// max_inline_attachment_bytes, referenced by blob URL instead of inlined.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	urlBase  string // e.g. "https://<bucket>.s3.<region>.amazonaws.com/"
}

// S3Options selects the bucket and, optionally, a fixed credential pair
// for deployments that don't use the ambient AWS credential chain.
type S3Options struct {
	Bucket  string
	Prefix  string
	URLBase string // e.g. "https://<bucket>.s3.<region>.amazonaws.com/"

	// AccessKeyID/SecretAccessKey, when both set, override the default
	// chain (env vars, shared config, IAM role).
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Store constructs an S3Store from the default AWS config, or from
// static credentials when opts supplies a key pair.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("blobstore: s3 bucket required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		urlBase:  opts.URLBase,
	}, nil
}

func (s *S3Store) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	ref := ContentHash(data)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: s3 put %s: %w", ref, err)
	}
	return ref, nil
}

func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: s3 get %s: %w", ref, err)
	}
	defer out.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("blobstore: s3 read %s: %w", ref, err)
	}
	return buf.Bytes(), nil
}

func (s *S3Store) URL(_ context.Context, ref string) (string, bool) {
	if s.urlBase == "" {
		return "", false
	}
	return s.urlBase + s.key(ref), true
}
