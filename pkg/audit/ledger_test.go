package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/merkle"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

type hookRecorder struct {
	mu    sync.Mutex
	codes []string
}

func (h *hookRecorder) hook(_ context.Context, err *errorir.Error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.codes = append(h.codes, err.Code)
}

func (h *hookRecorder) list() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.codes...)
}

func testConfig(size int) Config {
	return Config{
		BatchSize:     size,
		BatchInterval: time.Hour,
		AnchorRetry:   retry.BackoffPolicy{PolicyID: "test", BaseMs: 1, MaxMs: 2, MaxAttempts: 2},
	}
}

func messageEntry(i int) Entry {
	return Entry{
		Kind:      KindMessage,
		Outcome:   OutcomeDelivered,
		MessageID: fmt.Sprintf("msg-%d", i),
		TenantID:  "t1",
		Lane:      "fast",
	}
}

func TestLedger_InclusionProofsVerify(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(constitution.Default(), testConfig(100))

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, messageEntry(i)))
	}
	b, err := l.SealBatch(ctx)
	require.NoError(t, err)
	require.Len(t, b.Entries, 5)
	assert.Equal(t, uint64(1), b.Sequence)
	assert.Empty(t, b.PrevRoot)

	for _, e := range b.Entries {
		proof, err := l.Proof(ctx, b.ID, e.ID)
		require.NoError(t, err)
		assert.True(t, merkle.VerifyInclusionProof(proof, b.MerkleRoot), e.ID)
	}

	_, err = l.Proof(ctx, b.ID, "nope")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = l.Proof(ctx, "batch-missing", "nope")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestLedger_LaterAppendsCannotAlterSealedRoot(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(constitution.Default(), testConfig(100))

	require.NoError(t, l.Append(ctx, messageEntry(1)))
	require.NoError(t, l.Append(ctx, messageEntry(2)))
	first, err := l.SealBatch(ctx)
	require.NoError(t, err)

	for i := 3; i < 8; i++ {
		require.NoError(t, l.Append(ctx, messageEntry(i)))
	}
	second, err := l.SealBatch(ctx)
	require.NoError(t, err)

	again, err := l.Batch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.MerkleRoot, again.MerkleRoot)
	assert.Len(t, again.Entries, 2)
	assert.Equal(t, first.MerkleRoot, second.PrevRoot)
	assert.Equal(t, uint64(2), second.Sequence)

	// Mutating a returned copy must not reach the ledger.
	again.Entries[0].Reason = "rewritten"
	stored, err := l.Batch(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Entries[0].Reason)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestBatch_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(constitution.Default(), testConfig(100))
	require.NoError(t, l.Append(ctx, messageEntry(1)))
	require.NoError(t, l.Append(ctx, messageEntry(2)))
	b, err := l.SealBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Verify())

	b.Entries[1].Outcome = OutcomeRejected
	err = b.Verify()
	require.Error(t, err)
	assert.ErrorIs(t, err, &errorir.Error{Kind: errorir.KindIntegrity, Code: errorir.CodeSealedBatchMutation})
}

func TestLedger_AutoSealAtBatchSize(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(constitution.Default(), testConfig(3))

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Append(ctx, messageEntry(i)))
	}
	batches := l.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Entries, 3)
	assert.Len(t, l.Pending(), 1)

	_, err := NewLedger(constitution.Default(), testConfig(3)).SealBatch(ctx)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestLedger_GovernanceEntryNeedsConstitutionalHash(t *testing.T) {
	ctx := context.Background()
	rec := &hookRecorder{}
	c := constitution.Default()
	l := NewLedger(c, testConfig(100), WithIntegrityHook(rec.hook))

	err := l.Append(ctx, Entry{Kind: KindGovernance, Outcome: OutcomeApproved, MessageID: "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &errorir.Error{Kind: errorir.KindIntegrity, Code: errorir.CodeMissingHash})

	err = l.Append(ctx, Entry{Kind: KindGovernance, Outcome: OutcomeApproved, MessageID: "m1", ConstitutionalHash: "0000000000000000"})
	require.Error(t, err)

	require.NoError(t, l.Append(ctx, Entry{Kind: KindGovernance, Outcome: OutcomeApproved, MessageID: "m1", ConstitutionalHash: c.Hash()}))
	assert.Len(t, l.Pending(), 1)
	assert.Equal(t, []string{errorir.CodeMissingHash, errorir.CodeMissingHash}, rec.list())
}

func TestLedger_AnchorFailureKeepsBatchQueued(t *testing.T) {
	ctx := context.Background()
	var down atomic.Bool
	down.Store(true)
	var calls atomic.Int32
	mem := NewMemoryAnchor()
	anchorer := AnchorFunc(func(ctx context.Context, b *Batch) (AnchorRef, error) {
		calls.Add(1)
		if down.Load() {
			return AnchorRef{}, errors.New("anchor backend unreachable")
		}
		return mem.Anchor(ctx, b)
	})
	l := NewLedger(constitution.Default(), testConfig(100), WithAnchorer(anchorer))

	require.NoError(t, l.Append(ctx, messageEntry(1)))
	b, err := l.SealBatch(ctx)
	require.NoError(t, err)

	n, err := l.AnchorPending(ctx)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, &errorir.Error{Kind: errorir.KindTransient, Code: errorir.CodeAnchorUnavailable})
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, l.Unanchored())

	down.Store(false)
	n, err = l.AnchorPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, l.Unanchored())

	root, ok := mem.Root(b.ID)
	require.True(t, ok)
	assert.Equal(t, b.MerkleRoot, root)

	got, err := l.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAnchored, got.State())
}

func TestLedger_LostBatchIsIntegrityViolation(t *testing.T) {
	ctx := context.Background()
	rec := &hookRecorder{}
	store := NewMemoryBatchStore()
	l := NewLedger(constitution.Default(), testConfig(100), WithStore(store), WithIntegrityHook(rec.hook))

	require.NoError(t, l.Append(ctx, messageEntry(1)))
	b, err := l.SealBatch(ctx)
	require.NoError(t, err)
	store.Delete(b.ID)

	_, err = l.AnchorPending(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, &errorir.Error{Kind: errorir.KindIntegrity, Code: errorir.CodeBatchLost})
	assert.Equal(t, []string{errorir.CodeBatchLost}, rec.list())
	assert.Equal(t, 1, l.Unanchored())
}

type flakyStore struct {
	*MemoryBatchStore
	failSave atomic.Bool
}

func (s *flakyStore) SaveSealed(ctx context.Context, b *Batch) error {
	if s.failSave.Load() {
		return errors.New("disk full")
	}
	return s.MemoryBatchStore.SaveSealed(ctx, b)
}

func TestLedger_PersistFailureStaysQueued(t *testing.T) {
	ctx := context.Background()
	rec := &hookRecorder{}
	store := &flakyStore{MemoryBatchStore: NewMemoryBatchStore()}
	store.failSave.Store(true)
	anchor := NewMemoryAnchor()
	l := NewLedger(constitution.Default(), testConfig(100),
		WithStore(store), WithAnchorer(anchor), WithIntegrityHook(rec.hook))

	require.NoError(t, l.Append(ctx, messageEntry(1)))
	b, err := l.SealBatch(ctx)
	require.Error(t, err)
	require.NotNil(t, b)
	assert.ErrorIs(t, err, &errorir.Error{Kind: errorir.KindIntegrity, Code: errorir.CodeBatchPersist})

	_, err = l.AnchorPending(ctx)
	require.Error(t, err)
	assert.Zero(t, anchor.Len())

	store.failSave.Store(false)
	n, err := l.AnchorPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, anchor.Len())
	assert.Equal(t, []string{errorir.CodeBatchPersist, errorir.CodeBatchPersist}, rec.list())
}

func TestLedger_RestoreResumesChain(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteBatchStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broken := AnchorFunc(func(context.Context, *Batch) (AnchorRef, error) {
		return AnchorRef{}, errors.New("offline")
	})
	first := NewLedger(constitution.Default(), testConfig(2), WithStore(store), WithAnchorer(broken))
	for i := 0; i < 4; i++ {
		require.NoError(t, first.Append(ctx, messageEntry(i)))
	}
	sealed := first.Batches()
	require.Len(t, sealed, 2)

	anchor := NewMemoryAnchor()
	second := NewLedger(constitution.Default(), testConfig(2), WithStore(store), WithAnchorer(anchor))
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, 2, second.Unanchored())

	require.NoError(t, second.Append(ctx, messageEntry(9)))
	third, err := second.SealBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.Sequence)
	assert.Equal(t, sealed[1].MerkleRoot, third.PrevRoot)

	n, err := second.AnchorPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, second.VerifyChain(ctx))

	left, err := store.Unanchored(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestLedger_RunSealsAndAnchors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	anchor := NewMemoryAnchor()
	cfg := testConfig(100)
	cfg.BatchInterval = 20 * time.Millisecond
	l := NewLedger(constitution.Default(), cfg, WithAnchorer(anchor))

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.NoError(t, l.Append(ctx, messageEntry(1)))
	assert.Eventually(t, func() bool { return anchor.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Append(ctx, messageEntry(2)))
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, anchor.Len())
	assert.Empty(t, l.Pending())
}

func TestLedger_SignedChainVerifies(t *testing.T) {
	ctx := context.Background()
	signer, err := NewSigner([]byte("0123456789abcdef0123456789abcdef"), "audit-2026")
	require.NoError(t, err)
	l := NewLedger(constitution.Default(), testConfig(1), WithSigner(signer))

	require.NoError(t, l.Append(ctx, messageEntry(1)))
	require.NoError(t, l.Append(ctx, messageEntry(2)))
	batches := l.Batches()
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, "audit-2026", b.KeyID)
		require.NoError(t, VerifyBatch(signer.PublicKey(), b))
	}
	require.NoError(t, l.VerifyChain(ctx))
}

func TestLedger_KeepsOnlyRecentAnchoredBatchesInMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(100)
	cfg.RetainAnchored = 2
	l := NewLedger(constitution.Default(), cfg)

	var first *Batch
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, messageEntry(i)))
		b, err := l.SealBatch(ctx)
		require.NoError(t, err)
		if first == nil {
			first = b
		}
		n, err := l.AnchorPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	// An unanchored batch is never dropped.
	require.NoError(t, l.Append(ctx, messageEntry(99)))
	_, err := l.SealBatch(ctx)
	require.NoError(t, err)

	batches := l.Batches()
	require.Len(t, batches, 3)
	assert.Equal(t, []uint64{4, 5, 6}, []uint64{batches[0].Sequence, batches[1].Sequence, batches[2].Sequence})
	assert.Equal(t, 1, l.Unanchored())

	// Dropped batches are read back from the store.
	got, err := l.Batch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.MerkleRoot, got.MerkleRoot)
	require.NotNil(t, got.Anchor)

	entryID := first.Entries[0].ID
	found, err := l.Find(ctx, entryID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	proof, err := l.Proof(ctx, first.ID, entryID)
	require.NoError(t, err)
	assert.True(t, merkle.VerifyInclusionProof(proof, first.MerkleRoot))

	_, err = l.Find(ctx, "no-such-entry")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestEntry_CanonicalIsDeterministic(t *testing.T) {
	score := 0.73
	at := time.Date(2026, 3, 1, 10, 0, 0, 500, time.UTC)
	berlin := time.FixedZone("CET", 3600)

	a := Entry{
		ID: "e1", Kind: KindGovernance, Outcome: OutcomeApproved, MessageID: "m1", ImpactScore: &score,
		ConstitutionalHash: constitution.DefaultHash, Timestamp: at,
		Metadata: map[string]string{},
	}
	a.Metadata["recipients"] = "2"
	a.Metadata["lane"] = "deliberation"
	a.Metadata["approver"] = "alice"

	other := 0.73
	b := Entry{
		ID: "e1", Kind: KindGovernance, Outcome: OutcomeApproved, MessageID: "m1", ImpactScore: &other,
		ConstitutionalHash: constitution.DefaultHash, Timestamp: at.In(berlin),
		Metadata: map[string]string{},
	}
	b.Metadata["approver"] = "alice"
	b.Metadata["lane"] = "deliberation"
	b.Metadata["recipients"] = "2"

	ca, err := a.Canonical()
	require.NoError(t, err)
	cb, err := b.Canonical()
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
	assert.Contains(t, string(ca), `"timestamp":"2026-03-01T10:00:00.0000005Z"`)

	b.Metadata["lane"] = "fast"
	cb, err = b.Canonical()
	require.NoError(t, err)
	assert.NotEqual(t, string(ca), string(cb))
}

func TestLedger_LeafHashIsBoundToEntry(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(constitution.Default(), testConfig(100))
	for i := 0; i < 3; i++ {
		e := messageEntry(i)
		e.Metadata = map[string]string{"recipients": fmt.Sprint(i)}
		require.NoError(t, l.Append(ctx, e))
	}
	b, err := l.SealBatch(ctx)
	require.NoError(t, err)

	for i, e := range b.Entries {
		canonical, err := e.Canonical()
		require.NoError(t, err)
		proof, err := l.Proof(ctx, b.ID, e.ID)
		require.NoError(t, err)
		assert.Equal(t, merkle.LeafHash(canonical), proof.LeafHash, e.ID)
		assert.Equal(t, b.LeafHashes[i], proof.LeafHash)
	}
}
