package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/consortium/pkg/errs"
)

var tracer = otel.Tracer("consortium/blob")

// S3Config configures the S3 transport
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	// PublicBaseURL is the URL prefix under which stored objects are served.
	// When empty it is derived from the endpoint or the AWS virtual host.
	PublicBaseURL string
}

// S3Transport stores uploads in an S3 bucket
type S3Transport struct {
	client  *s3.Client
	bucket  string
	baseURL string
}

// NewS3Transport creates an S3 transport
func NewS3Transport(ctx context.Context, cfg S3Config) (*S3Transport, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// static credentials for MinIO or explicit keys
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	baseURL := cfg.PublicBaseURL
	if baseURL == "" {
		baseURL, err = defaultBaseURL(cfg)
		if err != nil {
			return nil, err
		}
	}

	return &S3Transport{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

func defaultBaseURL(cfg S3Config) (string, error) {
	if cfg.Endpoint == "" {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region), nil
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid s3 endpoint: %w", err)
	}
	if cfg.UsePathStyle {
		return joinURL(u.String(), cfg.Bucket), nil
	}
	u.Host = cfg.Bucket + "." + u.Host
	return u.String(), nil
}

func (t *S3Transport) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "S3."+op, trace.WithAttributes(
		attribute.String("s3.operation", op),
		attribute.String("s3.bucket", t.bucket),
		attribute.String("s3.key", key),
	))
}

// Put implements Transport
func (t *S3Transport) Put(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", errs.Validation("%v", err)
	}
	ctx, span := t.startSpan(ctx, "PutObject", key)
	defer span.End()

	// buffered so the SDK can compute checksums and retry
	data, err := io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read content")
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	span.SetAttributes(attribute.Int("content.size", len(data)))

	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := t.client.PutObject(ctx, input); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return "", errs.Transport("blob.put", err)
	}

	span.SetStatus(codes.Ok, "object uploaded")
	return joinURL(t.baseURL, key), nil
}

// Delete implements Transport
func (t *S3Transport) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return errs.Validation("%v", err)
	}
	ctx, span := t.startSpan(ctx, "DeleteObject", key)
	defer span.End()

	_, err = t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete object")
		return errs.Transport("blob.delete", err)
	}
	return nil
}

// HealthCheck verifies the bucket is reachable
func (t *S3Transport) HealthCheck(ctx context.Context) error {
	_, err := t.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(t.bucket)})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}
