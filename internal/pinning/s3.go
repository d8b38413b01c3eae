package pinning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds S3 provider settings
type S3Config struct {
	Bucket    string
	Region    string
	Prefix    string
	PublicURL string
}

// objectStore is the subset of the S3 client the provider uses
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Provider stores artifacts in S3 under their sha256 digest
type S3Provider struct {
	BaseProvider
	client    objectStore
	bucket    string
	prefix    string
	publicURL string
}

// NewS3Provider creates an S3 provider using the default AWS credential chain
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newS3Provider(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Provider(client objectStore, cfg S3Config) *S3Provider {
	return &S3Provider{
		BaseProvider: BaseProvider{providerType: "s3"},
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		publicURL:    strings.TrimRight(cfg.PublicURL, "/"),
	}
}

// PublishImage stores data under images/<sha256>
func (p *S3Provider) PublishImage(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	return p.put(ctx, "images", extension(contentType), name, data, contentType)
}

// PublishMetadata stores doc under metadata/<sha256>.json
func (p *S3Provider) PublishMetadata(ctx context.Context, name string, doc []byte) (string, error) {
	return p.put(ctx, "metadata", ".json", name, doc, "application/json")
}

// HealthCheck checks the bucket is reachable
func (p *S3Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return fmt.Errorf("s3 bucket unreachable: %w", err)
	}
	return nil
}

func (p *S3Provider) put(ctx context.Context, dir, ext, name string, data []byte, contentType string) (string, error) {
	key := path.Join(p.prefix, dir, ContentHash(data)+ext)

	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"artifact-name": name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to S3: %w", err)
	}

	uri := p.uri(key)
	slog.Info("certificate artifact stored", "name", name, "uri", uri, "bytes", len(data))
	return uri, nil
}

func (p *S3Provider) uri(key string) string {
	if p.publicURL != "" {
		return p.publicURL + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key)
}

func extension(contentType string) string {
	switch contentType {
	case "image/svg+xml":
		return ".svg"
	case "image/png":
		return ".png"
	default:
		return ""
	}
}
