package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf(`{"id":"e%d"}`, i))
	}
	return out
}

func TestMerkleTree_OddCarriedUp(t *testing.T) {
	tree, err := BuildMerkleTree(payloads(3))
	require.NoError(t, err)
	require.Len(t, tree.Leaves, 3)

	//       Root
	//      /    \
	//     N1     L3 (carried)
	//    /  \
	//   L1  L2
	h1, h2, h3 := tree.Leaves[0].LeafHash, tree.Leaves[1].LeafHash, tree.Leaves[2].LeafHash
	n1 := buildNodeHash(h1, h2)
	assert.Equal(t, buildNodeHash(n1, h3), tree.Root)

	proof, err := tree.GenerateProof(2)
	require.NoError(t, err)
	assert.Equal(t, []ProofStep{{Side: "L", SiblingHash: n1}}, proof.ProofPath)
	assert.True(t, VerifyInclusionProof(proof, tree.Root))
}

func TestMerkleTree_SingleLeaf(t *testing.T) {
	tree, err := BuildMerkleTree(payloads(1))
	require.NoError(t, err)
	assert.Equal(t, tree.Leaves[0].LeafHash, tree.Root)

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	assert.Empty(t, proof.ProofPath)
	assert.True(t, VerifyInclusionProof(proof, tree.Root))
}

func TestMerkleTree_AllProofsVerify(t *testing.T) {
	for n := 1; n <= 17; n++ {
		tree, err := BuildMerkleTree(payloads(n))
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			proof, err := tree.GenerateProof(i)
			require.NoError(t, err)
			assert.True(t, VerifyInclusionProof(proof, tree.Root), "n=%d i=%d", n, i)
			assert.LessOrEqual(t, len(proof.ProofPath), bitsLen(n), "n=%d i=%d", n, i)
		}
	}
}

func bitsLen(n int) int {
	l := 0
	for v := n - 1; v > 0; v >>= 1 {
		l++
	}
	return l
}

func TestVerifyInclusionProof_Rejects(t *testing.T) {
	tree, err := BuildMerkleTree(payloads(4))
	require.NoError(t, err)
	proof, err := tree.GenerateProof(1)
	require.NoError(t, err)

	bad := proof
	bad.LeafHash = tree.Leaves[0].LeafHash
	assert.False(t, VerifyInclusionProof(bad, tree.Root))

	assert.False(t, VerifyInclusionProof(proof, tree.Leaves[3].LeafHash), "wrong expected root")

	bad = proof
	bad.ProofPath = append([]ProofStep(nil), proof.ProofPath...)
	bad.ProofPath[0].Side = "X"
	assert.False(t, VerifyInclusionProof(bad, tree.Root))

	bad.ProofPath[0] = ProofStep{Side: "L", SiblingHash: "zz"}
	assert.False(t, VerifyInclusionProof(bad, tree.Root))
}

func TestBuildFromLeafHashes_Rebuilds(t *testing.T) {
	tree, err := BuildMerkleTree(payloads(5))
	require.NoError(t, err)

	hashes := make([]string, len(tree.Leaves))
	for i, l := range tree.Leaves {
		hashes[i] = l.LeafHash
	}
	rebuilt, err := BuildFromLeafHashes(hashes)
	require.NoError(t, err)
	assert.Equal(t, tree.Root, rebuilt.Root)

	_, err = BuildFromLeafHashes([]string{"nothex"})
	assert.ErrorIs(t, err, ErrMalformedHash)
}

func TestBuildMerkleTree_Empty(t *testing.T) {
	_, err := BuildMerkleTree(nil)
	assert.ErrorIs(t, err, ErrNoLeaves)
}

func TestLeafHash_DomainSeparated(t *testing.T) {
	tree, err := BuildMerkleTree(payloads(2))
	require.NoError(t, err)
	// A node hash never equals the leaf hash of the concatenated children.
	concat := append(hexToBytes(tree.Leaves[0].LeafHash), hexToBytes(tree.Leaves[1].LeafHash)...)
	assert.NotEqual(t, LeafHash(concat), tree.Root)
}
