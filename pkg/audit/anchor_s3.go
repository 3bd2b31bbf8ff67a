package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3AnchorConfig configures WORM anchoring to S3.
type S3AnchorConfig struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
	// Retention enables object lock in compliance mode. The bucket must
	// have object lock enabled.
	Retention time.Duration
}

// S3Anchor writes one JSON document per sealed batch.
type S3Anchor struct {
	client *s3.Client
	cfg    S3AnchorConfig
	clock  func() time.Time
}

func NewS3Anchor(ctx context.Context, cfg S3AnchorConfig) (*S3Anchor, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Anchor{client: client, cfg: cfg, clock: time.Now}, nil
}

// Anchor is idempotent: an existing object for the batch is left alone.
func (a *S3Anchor) Anchor(ctx context.Context, b *Batch) (AnchorRef, error) {
	key := anchorKey(a.cfg.Prefix, b)
	ref := AnchorRef{Backend: "s3", Location: "s3://" + a.cfg.Bucket + "/" + key}

	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	}); err == nil {
		ref.AnchoredAt = a.clock().UTC()
		return ref, nil
	}

	body, err := json.Marshal(documentFor(b))
	if err != nil {
		return AnchorRef{}, err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if a.cfg.Retention > 0 {
		in.ObjectLockMode = types.ObjectLockModeCompliance
		in.ObjectLockRetainUntilDate = aws.Time(a.clock().Add(a.cfg.Retention))
	}
	if _, err := a.client.PutObject(ctx, in); err != nil {
		return AnchorRef{}, fmt.Errorf("s3 put anchor %s: %w", key, err)
	}
	ref.AnchoredAt = a.clock().UTC()
	return ref, nil
}
