package kapti

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror reads packages from an S3-compatible bucket (AWS, Cloudflare R2,
// MinIO).
type S3Mirror struct {
	Client     *s3.Client
	BucketName string
	Prefix     string
}

// NewS3Mirror builds a client for a mirror of the form s3://bucket/prefix.
func NewS3Mirror(ctx context.Context, cfg *Config, mirror string) (*S3Mirror, error) {
	u, err := url.Parse(mirror)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, fmt.Errorf("invalid s3 mirror %q (want s3://bucket/prefix)", mirror)
	}

	region := cfg.Values["KAPTI_S3_REGION"]
	if region == "" {
		region = "auto"
	}
	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	accessKey := cfg.Values["KAPTI_S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["KAPTI_S3_SECRET_ACCESS_KEY"]
	if accessKey != "" && secretKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	endpoint := cfg.Values["KAPTI_S3_ENDPOINT"]
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Mirror{
		Client:     client,
		BucketName: u.Host,
		Prefix:     strings.Trim(u.Path, "/"),
	}, nil
}

func (m *S3Mirror) key(name string) string {
	if m.Prefix == "" {
		return name
	}
	return path.Join(m.Prefix, name)
}

// Open streams one object. size is -1 when the server did not report it.
func (m *S3Mirror) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	output, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.BucketName),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("get s3://%s/%s: %w", m.BucketName, m.key(name), err)
	}
	size := int64(-1)
	if output.ContentLength != nil {
		size = *output.ContentLength
	}
	return output.Body, size, nil
}
