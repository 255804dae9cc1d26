package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures the S3 driver. A non-empty Endpoint selects path-style
// addressing for S3 compatible servers such as MinIO.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// Configured reports whether every required field is set.
func (c S3Config) Configured() bool {
	return c.Bucket != "" && c.Region != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// S3Provider stores objects in a single bucket.
type S3Provider struct {
	client *s3.Client
	bucket string
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if !cfg.Configured() {
		return nil, errors.New("s3 storage requires bucket, region and credentials")
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Provider{client: client, bucket: cfg.Bucket}, nil
}

func (p *S3Provider) Put(ctx context.Context, key string, data []byte, mime string) error {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(mime),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3 object: %w", err)
	}
	return nil
}

func (p *S3Provider) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || statusCode(err) == http.StatusNotFound {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to get s3 object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object: %w", err)
	}
	return data, nil
}

func (p *S3Provider) Delete(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3 object: %w", err)
	}
	return nil
}

// S3Status is the result of probing the configured bucket.
type S3Status struct {
	Configured bool   `json:"configured"`
	Connected  bool   `json:"connected"`
	Message    string `json:"message"`
}

// CheckS3 reports whether S3 is configured and the bucket is reachable.
func CheckS3(ctx context.Context, cfg S3Config) S3Status {
	if !cfg.Configured() {
		return S3Status{
			Message: "S3 credentials not configured. Please set S3_BUCKET, S3_REGION, S3_ACCESS_KEY_ID, and S3_SECRET_ACCESS_KEY environment variables.",
		}
	}

	client, err := newS3Client(ctx, cfg)
	if err == nil {
		_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	}
	if err == nil {
		return S3Status{Configured: true, Connected: true, Message: "S3 is configured and accessible"}
	}

	slog.Warn("s3 connection test failed", slog.String("bucket", cfg.Bucket), slog.String("error", err.Error()))

	msg := "Failed to connect to S3. "
	var notFound *types.NotFound
	switch code := statusCode(err); {
	case errors.As(err, &notFound) || code == http.StatusNotFound:
		msg += fmt.Sprintf("Bucket '%s' does not exist.", cfg.Bucket)
	case code == http.StatusForbidden:
		msg += "Access denied. Please verify your credentials have the correct permissions."
	case code == http.StatusUnauthorized:
		msg += "Invalid credentials. Please verify your access key and secret key."
	default:
		msg += err.Error()
	}
	return S3Status{Configured: true, Message: msg}
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// Verify interface compliance
var _ Provider = (*S3Provider)(nil)
