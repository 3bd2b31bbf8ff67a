// Package merkle builds domain-separated SHA-256 Merkle trees over ordered
// leaves and produces O(log n) inclusion proofs.
//
//	leaf = SHA-256("constbus:audit:leaf:v1\0" || leaf bytes)
//	node = SHA-256("constbus:audit:node:v1\0" || left || right)
//
// A level with an odd count carries its last node up unchanged.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	LeafPrefix = "constbus:audit:leaf:v1"
	NodePrefix = "constbus:audit:node:v1"
)

var (
	ErrNoLeaves       = errors.New("merkle: no leaves")
	ErrLeafOutOfRange = errors.New("merkle: leaf index out of range")
	ErrMalformedHash  = errors.New("merkle: malformed hash")
)

type Leaf struct {
	Index    int
	LeafHash string
}

type MerkleTree struct {
	Leaves []Leaf
	Root   string
	Nodes  [][]string // levels of node hashes, leaves first, root last
}

// BuildMerkleTree constructs a tree over leaf payloads in the given order.
func BuildMerkleTree(payloads [][]byte) (*MerkleTree, error) {
	if len(payloads) == 0 {
		return nil, ErrNoLeaves
	}

	leaves := make([]Leaf, len(payloads))
	for i, p := range payloads {
		leaves[i] = Leaf{Index: i, LeafHash: LeafHash(p)}
	}
	return buildFromHashes(leaves), nil
}

// BuildFromLeafHashes rebuilds a tree from stored leaf hashes.
func BuildFromLeafHashes(hashes []string) (*MerkleTree, error) {
	if len(hashes) == 0 {
		return nil, ErrNoLeaves
	}
	leaves := make([]Leaf, len(hashes))
	for i, h := range hashes {
		if _, err := decodeHash(h); err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}
		leaves[i] = Leaf{Index: i, LeafHash: h}
	}
	return buildFromHashes(leaves), nil
}

func buildFromHashes(leaves []Leaf) *MerkleTree {
	tree := &MerkleTree{Leaves: leaves}
	currentLevel := extractHashes(leaves)

	for len(currentLevel) > 1 {
		tree.Nodes = append(tree.Nodes, currentLevel)
		currentLevel = buildNextLevel(currentLevel)
	}

	tree.Root = currentLevel[0]
	tree.Nodes = append(tree.Nodes, currentLevel)
	return tree
}

// LeafHash hashes one leaf payload.
func LeafHash(payload []byte) string {
	var buf bytes.Buffer
	buf.WriteString(LeafPrefix)
	buf.WriteByte(0)
	buf.Write(payload)
	return sha256Hex(buf.Bytes())
}

func extractHashes(leaves []Leaf) []string {
	hashes := make([]string, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.LeafHash
	}
	return hashes
}

func buildNextLevel(hashes []string) []string {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i+1 < len(hashes); i += 2 {
		next = append(next, buildNodeHash(hashes[i], hashes[i+1]))
	}
	if len(hashes)%2 != 0 {
		next = append(next, hashes[len(hashes)-1])
	}
	return next
}

func buildNodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(NodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

func decodeHash(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != sha256.Size {
		return nil, fmt.Errorf("%w: %q", ErrMalformedHash, s)
	}
	return b, nil
}
