package client

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/quillpost/api/internal/config"
)

// ObjectStorage is where accepted uploads are archived
type ObjectStorage interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
}

// S3Client implements ObjectStorage for S3 compatible stores (AWS, R2, MinIO)
type S3Client struct {
	s3Client   *s3.Client
	bucketName string
	publicURL  string
}

// NewS3Client creates a new object storage client. When AccountID is set and
// no explicit endpoint is given, the Cloudflare R2 endpoint is used.
func NewS3Client(cfg *config.StorageConfig) (*S3Client, error) {
	if !cfg.StorageConfigured() {
		return nil, fmt.Errorf("storage configuration incomplete")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		awsconfig.WithRegion(cfg.Region),
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: endpoint,
			}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &S3Client{
		s3Client: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.UsePathStyle = endpoint != ""
		}),
		bucketName: cfg.BucketName,
		publicURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
	}, nil
}

// Upload stores an object and returns its URL
func (c *S3Client) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}

	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	return c.ObjectURL(key), nil
}

// ObjectURL returns the public URL for a key when one is configured, else an s3:// URI
func (c *S3Client) ObjectURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("s3://%s/%s", c.bucketName, key)
}
