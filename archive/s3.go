package archive

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client covers the object storage operations the archiver needs.
// Abstracting the AWS SDK client here enables dependency injection and
// testing with mock implementations.
type S3Client interface {
	// HeadBucket checks if a bucket exists and is accessible
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)

	// CreateBucket creates a new bucket
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)

	// PutObject uploads an archive object
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ClientConfig holds the connection settings for the archive bucket's
// endpoint. Endpoint may point at any S3-compatible store such as MinIO.
type ClientConfig struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client dials an S3-compatible endpoint. Empty AccessKey falls back
// to the ambient AWS credential chain.
func NewS3Client(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	if cc.Region == "" {
		cc.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cc.Region),
	}
	if cc.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cc.AccessKey, cc.SecretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
			// MinIO and lakeFS serve path-style URLs.
			o.UsePathStyle = true
		}
	}), nil
}
