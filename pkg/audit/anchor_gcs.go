//go:build gcp

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
)

// GCSAnchorConfig configures anchoring to a Cloud Storage bucket. Bucket
// retention policies provide the WORM guarantee.
type GCSAnchorConfig struct {
	Bucket string
	Prefix string
}

// GCSAnchor writes one JSON document per sealed batch.
type GCSAnchor struct {
	client *storage.Client
	cfg    GCSAnchorConfig
	clock  func() time.Time
}

func NewGCSAnchor(ctx context.Context, cfg GCSAnchorConfig) (*GCSAnchor, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSAnchor{client: client, cfg: cfg, clock: time.Now}, nil
}

// Anchor writes with a DoesNotExist precondition so replays are no-ops.
func (a *GCSAnchor) Anchor(ctx context.Context, b *Batch) (AnchorRef, error) {
	key := anchorKey(a.cfg.Prefix, b)
	ref := AnchorRef{Backend: "gcs", Location: "gs://" + a.cfg.Bucket + "/" + key}

	obj := a.client.Bucket(a.cfg.Bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		ref.AnchoredAt = a.clock().UTC()
		return ref, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return AnchorRef{}, fmt.Errorf("gcs attrs error: %w", err)
	}

	body, err := json.Marshal(documentFor(b))
	if err != nil {
		return AnchorRef{}, err
	}
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return AnchorRef{}, fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return AnchorRef{}, fmt.Errorf("gcs close failed: %w", err)
	}
	ref.AnchoredAt = a.clock().UTC()
	return ref, nil
}

// Close closes the GCS client.
func (a *GCSAnchor) Close() error {
	return a.client.Close()
}
