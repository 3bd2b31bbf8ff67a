package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// GenerateProof returns the inclusion proof for the leaf at index.
// Levels where the node was carried up contribute no step.
func (t *MerkleTree) GenerateProof(index int) (InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return InclusionProof{}, ErrLeafOutOfRange
	}

	proof := InclusionProof{
		LeafIndex:  index,
		LeafHash:   t.Leaves[index].LeafHash,
		MerkleRoot: t.Root,
	}

	pos := index
	for _, level := range t.Nodes[:len(t.Nodes)-1] {
		switch {
		case pos%2 == 1:
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: level[pos-1]})
		case pos+1 < len(level):
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: level[pos+1]})
		}
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusionProof verifies that a leaf is part of the Merkle tree.
// expectedRoot, when non-empty, must match the root carried in the proof.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}
	current, err := decodeHash(proof.LeafHash)
	if err != nil {
		return false
	}

	for _, step := range proof.ProofPath {
		sibling, err := decodeHash(step.SiblingHash)
		if err != nil {
			return false
		}
		var buf bytes.Buffer
		buf.WriteString(NodePrefix)
		buf.WriteByte(0)
		switch step.Side {
		case "L":
			buf.Write(sibling)
			buf.Write(current)
		case "R":
			buf.Write(current)
			buf.Write(sibling)
		default:
			return false
		}
		h := sha256.Sum256(buf.Bytes())
		current = h[:]
	}

	return strings.EqualFold(hex.EncodeToString(current), proof.MerkleRoot)
}
