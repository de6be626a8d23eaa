package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/ashita-ai/relay/internal/model"
)

// S3API mirrors the subset of the S3 client the backend uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner mirrors s3.PresignClient.
type Presigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Options configures NewS3BackendFromConfig.
type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string // Custom endpoint, e.g. MinIO.
	UsePathStyle bool
	Prefix       string
}

// S3Backend stores artifacts in an S3-compatible bucket.
type S3Backend struct {
	client    S3API
	presigner Presigner
	bucket    string
	prefix    string
}

// NewS3Backend wraps existing clients.
func NewS3Backend(client S3API, presigner Presigner, bucket, prefix string) (*S3Backend, error) {
	if client == nil || presigner == nil {
		return nil, errors.New("artifact: s3 client and presigner are required")
	}
	if bucket == "" {
		return nil, errors.New("artifact: s3 bucket is required")
	}
	return &S3Backend{client: client, presigner: presigner, bucket: bucket, prefix: prefix}, nil
}

// NewS3BackendFromConfig builds clients from the default AWS credential chain.
func NewS3BackendFromConfig(ctx context.Context, opts S3Options) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3Backend(client, s3.NewPresignClient(client), opts.Bucket, opts.Prefix)
}

func (b *S3Backend) Provider() model.StorageProvider { return model.StorageObjectStore }

func (b *S3Backend) key(p string) string {
	if b.prefix == "" {
		return p
	}
	return path.Join(b.prefix, p)
}

func (b *S3Backend) StoreBytes(ctx context.Context, obj Object, data []byte) (string, error) {
	rel := obj.Key()
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.key(rel)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if obj.MimeType != "" {
		in.ContentType = aws.String(obj.MimeType)
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("artifact: s3 put %s: %w", rel, err)
	}
	return rel, nil
}

func (b *S3Backend) Resolve(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("artifact: s3 %s: %w", p, model.ErrNotFound)
		}
		return nil, fmt.Errorf("artifact: s3 get %s: %w", p, err)
	}
	return out.Body, nil
}

// SignedURL returns a presigned GET valid for ttl.
func (b *S3Backend) SignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("artifact: s3 presign %s: %w", p, err)
	}
	return req.URL, nil
}

func (b *S3Backend) Delete(ctx context.Context, p string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("artifact: s3 delete %s: %w", p, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
