// Package s3util builds S3-compatible clients (AWS S3, MinIO, Cloudflare R2)
// for the blob cache tier.
package s3util

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
)

const defaultRegion = "us-east-1"

// Client wraps the AWS S3 client together with the bucket and key prefix
// the blob tier writes under.
type Client struct {
	S3     *s3.Client
	Bucket string
	Prefix string
}

// NewClient creates an S3-compatible client from blob tier config. Static
// credentials take precedence over the default AWS credential chain.
func NewClient(ctx context.Context, cfg config.BlobTierConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cache.blob.bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// MinIO and most self-hosted gateways need path-style addressing.
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{
		S3:     client,
		Bucket: cfg.Bucket,
		Prefix: NormalizePrefix(cfg.Prefix),
	}, nil
}

// NormalizePrefix strips leading slashes and ensures a non-empty prefix
// ends in exactly one "/".
func NormalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// Ping checks that the bucket exists and is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.S3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.Bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", c.Bucket, err)
	}
	return nil
}
