package audit

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/errorir"
	"github.com/Mindburn-Labs/constbus/pkg/merkle"
)

// Batch is a sealed, immutable run of entries.
type Batch struct {
	ID         string     `json:"id"`
	Sequence   uint64     `json:"sequence"`
	Entries    []Entry    `json:"entries"`
	LeafHashes []string   `json:"leaf_hashes"`
	MerkleRoot string     `json:"merkle_root"`
	PrevRoot   string     `json:"prev_root,omitempty"`
	SealedAt   time.Time  `json:"sealed_at"`
	KeyID      string     `json:"key_id,omitempty"`
	Signature  string     `json:"signature,omitempty"`
	Anchor     *AnchorRef `json:"anchor,omitempty"`
}

func newBatch(id string, seq uint64, entries []Entry, prevRoot string, sealedAt time.Time) (*Batch, error) {
	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		b, err := e.Canonical()
		if err != nil {
			return nil, fmt.Errorf("canonical entry %s: %w", e.ID, err)
		}
		payloads[i] = b
	}
	tree, err := merkle.BuildMerkleTree(payloads)
	if err != nil {
		return nil, err
	}
	leaves := make([]string, len(tree.Leaves))
	for i, l := range tree.Leaves {
		leaves[i] = l.LeafHash
	}
	return &Batch{
		ID:         id,
		Sequence:   seq,
		Entries:    entries,
		LeafHashes: leaves,
		MerkleRoot: tree.Root,
		PrevRoot:   prevRoot,
		SealedAt:   sealedAt,
	}, nil
}

// SigningPayload is what the signer signs: the root chained to its
// predecessor.
func (b *Batch) SigningPayload() []byte {
	return []byte(fmt.Sprintf("constbus:audit:batch:v1|%d|%s|%s", b.Sequence, b.PrevRoot, b.MerkleRoot))
}

// Verify recomputes the root from the entries. A mismatch means a sealed
// batch was altered.
func (b *Batch) Verify() error {
	payloads := make([][]byte, len(b.Entries))
	for i, e := range b.Entries {
		p, err := e.Canonical()
		if err != nil {
			return err
		}
		payloads[i] = p
	}
	tree, err := merkle.BuildMerkleTree(payloads)
	if err != nil {
		return err
	}
	if tree.Root != b.MerkleRoot {
		return errorir.Integrity(errorir.CodeSealedBatchMutation,
			fmt.Sprintf("batch %s root %s recomputes to %s", b.ID, b.MerkleRoot, tree.Root))
	}
	return nil
}

// Proof builds the inclusion proof for an entry in this batch.
func (b *Batch) Proof(entryID string) (merkle.InclusionProof, error) {
	idx := -1
	for i, e := range b.Entries {
		if e.ID == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return merkle.InclusionProof{}, fmt.Errorf("%w: %s in batch %s", ErrEntryNotFound, entryID, b.ID)
	}
	tree, err := merkle.BuildFromLeafHashes(b.LeafHashes)
	if err != nil {
		return merkle.InclusionProof{}, err
	}
	return tree.GenerateProof(idx)
}

// Clone returns a deep copy.
func (b *Batch) Clone() *Batch {
	c := *b
	c.Entries = make([]Entry, len(b.Entries))
	for i, e := range b.Entries {
		c.Entries[i] = e.clone()
	}
	c.LeafHashes = append([]string(nil), b.LeafHashes...)
	if b.Anchor != nil {
		a := *b.Anchor
		c.Anchor = &a
	}
	return &c
}
