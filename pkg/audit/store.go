package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrBatchNotFound = errors.New("audit: batch not found")
	ErrEntryNotFound = errors.New("audit: entry not found")
)

// BatchStore keeps sealed batches durable until, and after, they are
// anchored.
type BatchStore interface {
	SaveSealed(ctx context.Context, b *Batch) error
	MarkAnchored(ctx context.Context, batchID string, ref AnchorRef) error
	Get(ctx context.Context, batchID string) (*Batch, error)
	// Unanchored returns sealed batches without an anchor, by sequence.
	Unanchored(ctx context.Context) ([]*Batch, error)
	// Latest returns the batch with the highest sequence, or nil.
	Latest(ctx context.Context) (*Batch, error)
}

// EntryLocator is implemented by stores that can find the sealed batch
// holding an entry.
type EntryLocator interface {
	FindEntry(ctx context.Context, entryID string) (*Batch, error)
}

// MemoryBatchStore is a process-local BatchStore.
type MemoryBatchStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{batches: make(map[string]*Batch)}
}

func (s *MemoryBatchStore) SaveSealed(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return nil
	}
	s.batches[b.ID] = b.Clone()
	return nil
}

func (s *MemoryBatchStore) MarkAnchored(_ context.Context, batchID string, ref AnchorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	b.Anchor = &ref
	return nil
}

func (s *MemoryBatchStore) Get(_ context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return b.Clone(), nil
}

func (s *MemoryBatchStore) Unanchored(_ context.Context) ([]*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Batch
	for _, b := range s.batches {
		if b.Anchor == nil {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryBatchStore) Latest(_ context.Context) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Batch
	for _, b := range s.batches {
		if latest == nil || b.Sequence > latest.Sequence {
			latest = b
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (s *MemoryBatchStore) FindEntry(_ context.Context, entryID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.batches {
		for _, e := range b.Entries {
			if e.ID == entryID {
				return b.Clone(), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
}

// Delete removes a batch. Only used to simulate storage loss.
func (s *MemoryBatchStore) Delete(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches, batchID)
}
