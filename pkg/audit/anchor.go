package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AnchorRef locates an anchored root in the external store.
type AnchorRef struct {
	Backend    string    `json:"backend"`
	Location   string    `json:"location"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// Anchorer publishes sealed batch roots to external durable storage. It
// must be at-least-once: anchoring the same batch twice is harmless.
type Anchorer interface {
	Anchor(ctx context.Context, b *Batch) (AnchorRef, error)
}

// AnchorFunc adapts a function into an Anchorer.
type AnchorFunc func(ctx context.Context, b *Batch) (AnchorRef, error)

func (f AnchorFunc) Anchor(ctx context.Context, b *Batch) (AnchorRef, error) { return f(ctx, b) }

// anchorDocument is what external backends store for a batch.
type anchorDocument struct {
	BatchID    string    `json:"batch_id"`
	Sequence   uint64    `json:"sequence"`
	MerkleRoot string    `json:"merkle_root"`
	PrevRoot   string    `json:"prev_root,omitempty"`
	Entries    int       `json:"entries"`
	SealedAt   time.Time `json:"sealed_at"`
	KeyID      string    `json:"key_id,omitempty"`
	Signature  string    `json:"signature,omitempty"`
}

func documentFor(b *Batch) anchorDocument {
	return anchorDocument{
		BatchID:    b.ID,
		Sequence:   b.Sequence,
		MerkleRoot: b.MerkleRoot,
		PrevRoot:   b.PrevRoot,
		Entries:    len(b.Entries),
		SealedAt:   b.SealedAt.UTC(),
		KeyID:      b.KeyID,
		Signature:  b.Signature,
	}
}

func anchorKey(prefix string, b *Batch) string {
	return fmt.Sprintf("%s%020d-%s.json", prefix, b.Sequence, b.MerkleRoot)
}

// MemoryAnchor keeps roots in process. Used in tests and when no external
// backend is configured.
type MemoryAnchor struct {
	mu    sync.Mutex
	roots map[string]string // batch id -> root
	clock func() time.Time
}

func NewMemoryAnchor() *MemoryAnchor {
	return &MemoryAnchor{roots: make(map[string]string), clock: time.Now}
}

func (a *MemoryAnchor) Anchor(_ context.Context, b *Batch) (AnchorRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roots[b.ID] = b.MerkleRoot
	return AnchorRef{Backend: "memory", Location: b.ID, AnchoredAt: a.clock().UTC()}, nil
}

// Root returns the anchored root for a batch.
func (a *MemoryAnchor) Root(batchID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.roots[batchID]
	return r, ok
}

// Len is the number of anchored batches.
func (a *MemoryAnchor) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.roots)
}
