package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"dsprocessor/internal/domain"
)

// ObjectPutter is the subset of *s3.Client used by the archive.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives each dead letter as one JSON object under
// <prefix>/<kind>/<yyyy>/<mm>/<dd>/<id>.json.
type S3Sink struct {
	client ObjectPutter
	bucket string
	prefix string
}

// S3Config holds the archive location.
type S3Config struct {
	Bucket   string
	Region   string
	Prefix   string
	Endpoint string // optional, e.g. MinIO

	// Static keys for S3-compatible stores. When empty the default AWS
	// credential chain is used.
	AccessKey string
	SecretKey string
}

// NewS3Sink builds the archive from the AWS credential chain or static keys.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "eu-west-2"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3SinkWithClient(client ObjectPutter, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Key returns the object key dl is archived under.
func (s *S3Sink) Key(dl domain.DeadLetter) string {
	at := dl.At.UTC()
	return path.Join(s.prefix, string(dl.Kind), at.Format("2006/01/02"), dl.ID+".json")
}

func (s *S3Sink) Send(ctx context.Context, dl domain.DeadLetter) error {
	dl.Payload = domain.RawPayload(dl.Payload)
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(dl)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"stage": dl.Stage,
			"code":  dl.Code,
		},
	})
	if err != nil {
		return fmt.Errorf("archive dead letter %s: %w", dl.ID, err)
	}
	return nil
}
