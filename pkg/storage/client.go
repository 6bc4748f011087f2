// Package storage reads the encryptor images Bracket publishes to S3.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/fly-io/brkt/pkg/errors"
)

// AMIsKey is the object that maps each region to its encryptor image.
const AMIsKey = "amis.json"

// DefaultBucket is the production bucket.
const DefaultBucket = "solo-brkt-prod-net"

type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client objectGetter
	bucket   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Debug("s3_client_init", "bucket", bucket, "region", region)

	// The bucket is public
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// EncryptorImages returns the published encryptor image id of each region.
func (c *Client) EncryptorImages(ctx context.Context) (map[string]string, error) {
	slog.Debug("s3_get_object", "bucket", c.bucket, "s3_key", AMIsKey)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(AMIsKey),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "bucket", c.bucket, "s3_key", AMIsKey, "error", err)
		return nil, errors.Wrapf(err, "failed to get %s from %s", AMIsKey, c.bucket)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", AMIsKey)
	}
	var amis map[string]string
	if err := json.Unmarshal(data, &amis); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", AMIsKey)
	}
	return amis, nil
}

// EncryptorImage returns the published encryptor image id for region.
func (c *Client) EncryptorImage(ctx context.Context, region string) (string, error) {
	amis, err := c.EncryptorImages(ctx)
	if err != nil {
		return "", err
	}
	id := amis[region]
	if id == "" {
		return "", errors.Errorf("no encryptor image published for %s", region)
	}
	slog.Info("encryptor_image_resolved", "region", region, "image_id", id, "bucket", c.bucket)
	return id, nil
}
