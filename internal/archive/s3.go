// Package archive writes rows removed by the clean-up job to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"caseintake/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awsmiddleware "github.com/aws/smithy-go/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const keyPrefix = "case-event-messages"

// ObjectPutter is the subset of *s3.Client the archiver uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3-compatible endpoint.
type S3Options struct {
	URL       string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client builds a path-style S3 client for the given endpoint.
func NewS3Client(ctx context.Context, o S3Options) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(o.Region),
		awsconfig.WithAPIOptions([]func(*awsmiddleware.Stack) error{removeDisableGzip()}),
	}
	if o.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.URL != "" {
			so.BaseEndpoint = aws.String(o.URL)
			so.UsePathStyle = true
		}
	}), nil
}

// removeDisableGzip is a workaround for S3 signature errors with some S3-compatible services.
// See: https://github.com/supabase/storage/issues/577
func removeDisableGzip() func(*awsmiddleware.Stack) error {
	return func(stack *awsmiddleware.Stack) error {
		if _, ok := stack.Finalize.Get("DisableAcceptEncodingGzip"); ok {
			_, err := stack.Finalize.Remove("DisableAcceptEncodingGzip")
			return err
		}
		return nil
	}
}

// S3Archiver uploads each batch of purged rows as one JSON-lines object.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	now    func() time.Time
	logger zerolog.Logger
}

func NewS3Archiver(client ObjectPutter, bucket string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		now:    time.Now,
		logger: logger.With().Str("service", "S3Archiver").Logger(),
	}
}

// Archive uploads rows. It satisfies repository.ArchiveFunc.
func (a *S3Archiver) Archive(ctx context.Context, rows []model.CaseEventMessage) error {
	if len(rows) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			return fmt.Errorf("encoding message %d: %w", rows[i].Sequence, err)
		}
	}

	key := a.objectKey()
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("uploading archive %s to bucket %s: %w", key, a.bucket, err)
	}
	a.logger.Info().
		Str("key", key).
		Int("rows", len(rows)).
		Int64("first_sequence", rows[0].Sequence).
		Int64("last_sequence", rows[len(rows)-1].Sequence).
		Msg("Archived case event messages")
	return nil
}

func (a *S3Archiver) objectKey() string {
	return fmt.Sprintf("%s/%s/%s.jsonl", keyPrefix, a.now().UTC().Format("2006/01/02"), uuid.NewString())
}
