package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "cryptomon/config"
	"cryptomon/logger"
	"cryptomon/models"
)

// S3Store uploads one parquet object per table per batch. Keys are
// partitioned by table and date:
//
//	trades/date=2026-08-29/20260829T120000_<batch>.parquet
//	book_events/date=2026-08-29/...
type S3Store struct {
	cfg      *appconfig.Config
	s3Client *s3.Client
	log      *logger.Log
}

// NewS3Store builds the client and validates credentials up front so a
// misconfigured deployment fails at startup rather than at first flush.
func NewS3Store(cfg *appconfig.Config) (*S3Store, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("s3_store").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("s3 store initialized")

	return &S3Store{cfg: cfg, s3Client: client, log: log}, nil
}

// WriteBatch encodes and uploads the batch's tables. Any upload error is
// returned so the whole batch is retried; S3 object puts are atomic, so a
// retried batch can only overwrite identical content under the same key.
func (s *S3Store) WriteBatch(ctx context.Context, batch *models.Batch) error {
	trades, events := flattenBatch(batch)

	if len(trades) > 0 {
		data, err := encodeTradeRows(trades)
		if err != nil {
			return err
		}
		if err := s.upload(ctx, s.objectKey("trades", batch), data); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		data, err := encodeBookEventRows(events)
		if err != nil {
			return err
		}
		if err := s.upload(ctx, s.objectKey("book_events", batch), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3Store) objectKey(table string, batch *models.Batch) string {
	ts := batch.CreatedAt.UTC()
	return path.Join(
		table,
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("%s_%s.parquet", ts.Format("20060102T150405"), batch.BatchID),
	)
}

func (s *S3Store) upload(ctx context.Context, key string, data []byte) error {
	log := s.log.WithComponent("s3_store").WithFields(logger.Fields{
		"s3_key":    key,
		"data_size": len(data),
	})

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"cryptomon-version": s.cfg.Cryptomon.Version,
		},
	}

	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.cfg.Storage.S3.Bucket, err)
	}
	log.Debug("uploaded batch object")
	return nil
}

func (s *S3Store) Close() error { return nil }
