package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Config struct {
	Logger *slog.Logger
	Region string
	// Endpoint overrides the S3 endpoint, for S3-compatible services.
	Endpoint string
	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool
}

func (cfg *S3Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}

// S3 stores objects addressed by s3://bucket/key URIs.
type S3 struct {
	log    *slog.Logger
	client *s3.Client
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3{log: cfg.Logger, client: client}, nil
}

func (s *S3) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := s3Location(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", uri, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", uri, err)
	}
	s.log.Debug("objectstore: read object", "uri", uri, "bytes", len(data))
	return data, nil
}

func (s *S3) Put(ctx context.Context, uri string, data []byte) error {
	bucket, key, err := s3Location(uri)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", uri, err)
	}
	s.log.Debug("objectstore: wrote object", "uri", uri, "bytes", len(data))
	return nil
}

func s3Location(uri string) (bucket, key string, err error) {
	scheme, bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", "", err
	}
	if scheme != "s3" {
		return "", "", fmt.Errorf("unsupported object uri scheme %q in %s", scheme, uri)
	}
	return bucket, key, nil
}
