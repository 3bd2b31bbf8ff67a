package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/constbus/pkg/constitution"
	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/merkle"
	"github.com/Mindburn-Labs/constbus/pkg/retry"
)

var ErrEmptyBatch = errors.New("audit: no entries to seal")

// BatchState is derived from whether a sealed batch has an anchor.
type BatchState string

const (
	StateSealed   BatchState = "sealed"
	StateAnchored BatchState = "anchored"
)

func (b *Batch) State() BatchState {
	if b.Anchor != nil {
		return StateAnchored
	}
	return StateSealed
}

// Config tunes batching and anchoring. RetainAnchored is how many of the
// most recent anchored batches stay in memory; older ones are read back
// from the store.
type Config struct {
	BatchSize      int
	BatchInterval  time.Duration
	AnchorRetry    retry.BackoffPolicy
	RetainAnchored int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     256,
		BatchInterval: 5 * time.Second,
		AnchorRetry: retry.BackoffPolicy{
			PolicyID:    "audit-anchor",
			BaseMs:      100,
			MaxMs:       5000,
			MaxJitterMs: 50,
			MaxAttempts: 4,
		},
		RetainAnchored: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = d.BatchInterval
	}
	if c.AnchorRetry.MaxAttempts <= 0 {
		c.AnchorRetry = d.AnchorRetry
	}
	if c.RetainAnchored <= 0 {
		c.RetainAnchored = d.RetainAnchored
	}
	return c
}

// IntegrityHook receives every integrity violation the ledger detects.
type IntegrityHook func(ctx context.Context, err *errorir.Error)

// Ledger is the append-only audit log. Writes are serialised; reads run
// concurrently.
type Ledger struct {
	cfg      Config
	c        constitution.Constitution
	store    BatchStore
	anchorer Anchorer
	signer   *Signer
	hook     IntegrityHook
	logger   *slog.Logger
	clock    func() time.Time

	mu          sync.RWMutex
	open        []Entry
	seq         uint64
	prevRoot    string
	batches     []*Batch
	byID        map[string]*Batch
	unpersisted map[string]bool

	anchorMu sync.Mutex // one anchor pass at a time
	kick     chan struct{}
}

type Option func(*Ledger)

func WithStore(s BatchStore) Option { return func(l *Ledger) { l.store = s } }

func WithAnchorer(a Anchorer) Option { return func(l *Ledger) { l.anchorer = a } }

func WithSigner(s *Signer) Option { return func(l *Ledger) { l.signer = s } }

func WithIntegrityHook(h IntegrityHook) Option { return func(l *Ledger) { l.hook = h } }

func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

// NewLedger builds a ledger bound to c. Without a store or anchorer the
// in-memory implementations are used.
func NewLedger(c constitution.Constitution, cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:         cfg.withDefaults(),
		c:           c,
		logger:      slog.Default().With("component", "audit"),
		clock:       time.Now,
		byID:        make(map[string]*Batch),
		unpersisted: make(map[string]bool),
		kick:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryBatchStore()
	}
	if l.anchorer == nil {
		l.anchorer = NewMemoryAnchor()
	}
	return l
}

// Restore resumes the batch chain from the store and re-queues every
// sealed batch that was never anchored.
func (l *Ledger) Restore(ctx context.Context) error {
	latest, err := l.store.Latest(ctx)
	if err != nil {
		return fmt.Errorf("restore latest batch: %w", err)
	}
	pending, err := l.store.Unanchored(ctx)
	if err != nil {
		return fmt.Errorf("restore unanchored batches: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if latest != nil && latest.Sequence > l.seq {
		l.seq = latest.Sequence
		l.prevRoot = latest.MerkleRoot
	}
	for _, b := range pending {
		if _, ok := l.byID[b.ID]; ok {
			continue
		}
		l.batches = append(l.batches, b)
		l.byID[b.ID] = b
	}
	if len(pending) > 0 {
		l.logger.InfoContext(ctx, "restored unanchored batches", "count", len(pending), "sequence", l.seq)
	}
	return nil
}

// Append adds e to the open batch. A governance decision that does not name
// the active constitution is rejected as an integrity violation.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if e.RequiresConstitutionalHash() && !l.c.Matches(e.ConstitutionalHash) {
		ierr := errorir.Integrity(errorir.CodeMissingHash,
			fmt.Sprintf("governance entry for message %q carries constitutional hash %q", e.MessageID, e.ConstitutionalHash))
		l.report(ctx, ierr)
		return ierr
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e = e.clone()

	l.mu.Lock()
	l.open = append(l.open, e)
	full := len(l.open) >= l.cfg.BatchSize
	l.mu.Unlock()

	if full {
		if _, err := l.SealBatch(ctx); err != nil && !errors.Is(err, ErrEmptyBatch) {
			return err
		}
	}
	return nil
}

// SealBatch closes the open batch, persists it and queues it for anchoring.
// When persistence fails the sealed batch is returned together with the
// integrity error and stays queued in memory.
func (l *Ledger) SealBatch(ctx context.Context) (*Batch, error) {
	l.mu.Lock()
	if len(l.open) == 0 {
		l.mu.Unlock()
		return nil, ErrEmptyBatch
	}
	b, err := newBatch("batch-"+uuid.NewString(), l.seq+1, l.open, l.prevRoot, l.clock().UTC())
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("seal batch: %w", err)
	}
	if l.signer != nil {
		l.signer.Sign(b)
	}
	l.open = nil
	l.seq = b.Sequence
	l.prevRoot = b.MerkleRoot
	l.batches = append(l.batches, b)
	l.byID[b.ID] = b
	l.unpersisted[b.ID] = true
	out := b.Clone()
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "batch sealed",
		"batch_id", b.ID, "sequence", b.Sequence, "entries", len(b.Entries), "root", b.MerkleRoot)

	if err := l.persist(ctx, out); err != nil {
		return out, err
	}
	l.signal()
	return out, nil
}

func (l *Ledger) persist(ctx context.Context, b *Batch) error {
	if err := l.store.SaveSealed(ctx, b); err != nil {
		ierr := errorir.Wrap(errorir.KindIntegrity, errorir.CodeBatchPersist, "", "persist sealed batch "+b.ID, err)
		l.report(ctx, ierr)
		return ierr
	}
	l.mu.Lock()
	delete(l.unpersisted, b.ID)
	l.mu.Unlock()
	return nil
}

func (l *Ledger) signal() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Ledger) report(ctx context.Context, err *errorir.Error) {
	l.logger.ErrorContext(ctx, "audit integrity violation", "code", err.Code, "reason", err.Reason)
	if l.hook != nil {
		l.hook(ctx, err)
	}
}

// AnchorPending anchors queued batches in sequence order. It stops at the
// first batch that cannot be anchored; that batch and its successors stay
// queued. It returns how many batches were anchored.
func (l *Ledger) AnchorPending(ctx context.Context) (int, error) {
	l.anchorMu.Lock()
	defer l.anchorMu.Unlock()

	anchored := 0
	for _, b := range l.queued() {
		if l.isUnpersisted(b.ID) {
			if err := l.persist(ctx, b); err != nil {
				return anchored, err
			}
		}
		if _, err := l.store.Get(ctx, b.ID); err != nil {
			if errors.Is(err, ErrBatchNotFound) {
				ierr := errorir.Integrity(errorir.CodeBatchLost,
					fmt.Sprintf("sealed batch %s (sequence %d) missing from store", b.ID, b.Sequence))
				l.report(ctx, ierr)
				return anchored, ierr
			}
			return anchored, errorir.Transient(errorir.CodeAnchorUnavailable, "batch store unavailable", err)
		}

		var ref AnchorRef
		_, err := retry.Do(ctx, l.cfg.AnchorRetry, b.ID, func(ctx context.Context, _ int) error {
			r, err := l.anchorer.Anchor(ctx, b)
			if err != nil {
				return err
			}
			ref = r
			return nil
		})
		if err != nil {
			l.logger.WarnContext(ctx, "anchor failed, batch stays queued", "batch_id", b.ID, "error", err)
			return anchored, errorir.Transient(errorir.CodeAnchorUnavailable,
				fmt.Sprintf("anchor batch %s", b.ID), err)
		}
		if err := l.store.MarkAnchored(ctx, b.ID, ref); err != nil {
			return anchored, fmt.Errorf("record anchor for %s: %w", b.ID, err)
		}

		l.mu.Lock()
		if live, ok := l.byID[b.ID]; ok {
			r := ref
			live.Anchor = &r
		}
		l.trimLocked()
		l.mu.Unlock()
		anchored++
		l.logger.InfoContext(ctx, "batch anchored", "batch_id", b.ID, "backend", ref.Backend, "location", ref.Location)
	}
	return anchored, nil
}

// trimLocked drops the oldest anchored batches beyond RetainAnchored.
// Unanchored batches are never dropped.
func (l *Ledger) trimLocked() {
	excess := -l.cfg.RetainAnchored
	for _, b := range l.batches {
		if b.Anchor != nil {
			excess++
		}
	}
	if excess <= 0 {
		return
	}
	kept := l.batches[:0]
	for _, b := range l.batches {
		if b.Anchor != nil && excess > 0 {
			delete(l.byID, b.ID)
			excess--
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(l.batches); i++ {
		l.batches[i] = nil
	}
	l.batches = kept
}

func (l *Ledger) queued() []*Batch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Batch
	for _, b := range l.batches {
		if b.Anchor == nil {
			out = append(out, b.Clone())
		}
	}
	return out
}

func (l *Ledger) isUnpersisted(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unpersisted[id]
}

// Run seals on BatchInterval and anchors whenever a batch is sealed. On
// shutdown it seals what is open and makes a last anchoring attempt.
func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.BatchInterval)
			if _, err := l.SealBatch(final); err != nil && !errors.Is(err, ErrEmptyBatch) {
				l.logger.Error("final seal failed", "error", err)
			}
			if _, err := l.AnchorPending(final); err != nil {
				l.logger.Warn("final anchor pass incomplete", "error", err)
			}
			cancel()
			return nil
		case <-ticker.C:
			if _, err := l.SealBatch(ctx); err != nil && !errors.Is(err, ErrEmptyBatch) {
				l.logger.ErrorContext(ctx, "periodic seal failed", "error", err)
			}
			l.anchor(ctx)
		case <-l.kick:
			l.anchor(ctx)
		}
	}
}

func (l *Ledger) anchor(ctx context.Context) {
	if _, err := l.AnchorPending(ctx); err != nil && ctx.Err() == nil {
		l.logger.WarnContext(ctx, "anchor pass incomplete", "error", err)
	}
}

// Proof returns the inclusion proof of entryID in batchID.
func (l *Ledger) Proof(ctx context.Context, batchID, entryID string) (merkle.InclusionProof, error) {
	b, err := l.Batch(ctx, batchID)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	return b.Proof(entryID)
}

// Batch returns a copy of a sealed batch.
func (l *Ledger) Batch(ctx context.Context, batchID string) (*Batch, error) {
	l.mu.RLock()
	b, ok := l.byID[batchID]
	if ok {
		b = b.Clone()
	}
	l.mu.RUnlock()
	if ok {
		return b, nil
	}
	return l.store.Get(ctx, batchID)
}

// Batches returns copies of the batches held in memory, in sequence order:
// every unanchored batch and the most recent anchored ones.
func (l *Ledger) Batches() []*Batch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Batch, len(l.batches))
	for i, b := range l.batches {
		out[i] = b.Clone()
	}
	return out
}

// Find returns the sealed batch containing entryID, looking in the store
// when the batch is no longer held in memory.
func (l *Ledger) Find(ctx context.Context, entryID string) (*Batch, error) {
	l.mu.RLock()
	for _, b := range l.batches {
		for _, e := range b.Entries {
			if e.ID == entryID {
				out := b.Clone()
				l.mu.RUnlock()
				return out, nil
			}
		}
	}
	l.mu.RUnlock()

	if loc, ok := l.store.(EntryLocator); ok {
		return loc.FindEntry(ctx, entryID)
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}

// Pending returns copies of the entries in the open batch.
func (l *Ledger) Pending() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.open))
	for i, e := range l.open {
		out[i] = e.clone()
	}
	return out
}

// Unanchored counts sealed batches still waiting for an anchor.
func (l *Ledger) Unanchored() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, b := range l.batches {
		if b.Anchor == nil {
			n++
		}
	}
	return n
}

// VerifyChain recomputes every in-memory batch root, checks the PrevRoot links and,
// when a signer is configured, the signatures.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	l.mu.RLock()
	batches := make([]*Batch, len(l.batches))
	for i, b := range l.batches {
		batches[i] = b.Clone()
	}
	l.mu.RUnlock()

	for i, b := range batches {
		if err := b.Verify(); err != nil {
			var ierr *errorir.Error
			if errors.As(err, &ierr) {
				l.report(ctx, ierr)
			}
			return err
		}
		if i > 0 && batches[i-1].Sequence+1 == b.Sequence && b.PrevRoot != batches[i-1].MerkleRoot {
			ierr := errorir.Integrity(errorir.CodeSealedBatchMutation,
				fmt.Sprintf("batch %s prev root %s does not chain to %s", b.ID, b.PrevRoot, batches[i-1].MerkleRoot))
			l.report(ctx, ierr)
			return ierr
		}
		if l.signer != nil && b.KeyID == l.signer.KeyID() {
			if err := VerifyBatch(l.signer.PublicKey(), b); err != nil {
				ierr := errorir.Integrity(errorir.CodeSealedBatchMutation, err.Error())
				l.report(ctx, ierr)
				return ierr
			}
		}
	}
	return nil
}
