//go:build !gcp

package audit

import (
	"context"
	"errors"
)

var ErrGCSDisabled = errors.New("audit: GCS anchoring is not enabled in this build (use -tags gcp)")

// GCSAnchorConfig configures anchoring to a Cloud Storage bucket.
type GCSAnchorConfig struct {
	Bucket string
	Prefix string
}

// GCSAnchor is unavailable without the gcp build tag.
type GCSAnchor struct{}

func NewGCSAnchor(_ context.Context, _ GCSAnchorConfig) (*GCSAnchor, error) {
	return nil, ErrGCSDisabled
}

func (a *GCSAnchor) Anchor(context.Context, *Batch) (AnchorRef, error) {
	return AnchorRef{}, ErrGCSDisabled
}

func (a *GCSAnchor) Close() error { return nil }
