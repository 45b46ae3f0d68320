package transfer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/smartvm/imgderive/pkg/errors"
)

// S3Client fetches artifacts from s3:// mirror references.
type S3Client struct {
	client *s3.Client
}

// NewS3Client creates an anonymous-credentials S3 client; public image
// mirrors do not require signing.
func NewS3Client(ctx context.Context, region string) (*S3Client, error) {
	slog.Info("s3_client_init", "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &S3Client{client: s3.NewFromConfig(cfg)}, nil
}

// Fetch downloads bucket/key to localPath.
func (c *S3Client) Fetch(ctx context.Context, bucket, key, localPath string) (*Result, error) {
	key = strings.TrimPrefix(key, "/")
	slog.Info("s3_download_start", "bucket", bucket, "key", key)

	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer out.Body.Close()

	return writeLocal(out.Body, localPath, "s3://"+bucket+"/"+key)
}
