package evidence

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

func fakeHashes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = canonicalize.HashBytes([]byte(fmt.Sprintf("entry-%d", i)))
	}
	return out
}

func TestMerkleTree_ProvesEveryLeaf(t *testing.T) {
	for n := 1; n <= 9; n++ {
		hashes := fakeHashes(n)
		tree, err := BuildMerkleTree(hashes)
		require.NoError(t, err)
		require.Len(t, tree.Root, 64)

		for i := 0; i < n; i++ {
			p, err := tree.Prove(i)
			require.NoError(t, err)
			p.LedgerHash = hashes[i]
			assert.True(t, VerifyInclusion(p, tree.Root), "n=%d i=%d", n, i)
		}
	}
}

func TestMerkleTree_ThreeLeavesDuplicateLast(t *testing.T) {
	hashes := fakeHashes(3)
	tree, err := BuildMerkleTree(hashes)
	require.NoError(t, err)

	l := tree.Levels[0]
	n1 := nodeHash(l[0], l[1])
	n2 := nodeHash(l[2], l[2])
	assert.Equal(t, nodeHash(n1, n2), tree.Root)

	p, err := tree.Prove(2)
	require.NoError(t, err)
	assert.Equal(t, []ProofStep{{Side: "R", SiblingHash: l[2]}, {Side: "L", SiblingHash: n1}}, p.ProofPath)
}

func TestVerifyInclusion_Rejects(t *testing.T) {
	hashes := fakeHashes(5)
	tree, err := BuildMerkleTree(hashes)
	require.NoError(t, err)
	p, err := tree.Prove(3)
	require.NoError(t, err)
	p.LedgerHash = hashes[3]
	require.True(t, VerifyInclusion(p, ""))

	other := p
	other.LedgerHash = hashes[1]
	assert.False(t, VerifyInclusion(other, tree.Root), "wrong entry")

	moved := p
	moved.Index = 1
	assert.False(t, VerifyInclusion(moved, tree.Root), "proof bound to its index")

	assert.False(t, VerifyInclusion(p, canonicalize.HashBytes([]byte("other root"))))

	bent := p
	bent.ProofPath = append([]ProofStep(nil), p.ProofPath...)
	bent.ProofPath[0].Side = "X"
	assert.False(t, VerifyInclusion(bent, tree.Root))

	_, err = tree.Prove(5)
	assert.ErrorIs(t, err, ErrNoSuchEntry)
	empty, err := BuildMerkleTree(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Root)
	_, err = empty.Prove(0)
	assert.ErrorIs(t, err, ErrNoSuchEntry)
}

func TestBundle_ProveAndRootCheck(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore())
	b, err := Export(context.Background(), l, "b-1", exportTime)
	require.NoError(t, err)
	require.NotEmpty(t, b.MerkleRoot)

	p, err := b.Prove(1)
	require.NoError(t, err)
	assert.Equal(t, b.Entries[1].LedgerHash, p.LedgerHash)
	assert.True(t, VerifyInclusion(p, b.MerkleRoot))

	c := b
	c.MerkleRoot = canonicalize.HashBytes([]byte("forged"))
	c.Digest, err = c.computeDigest()
	require.NoError(t, err)
	v := Verify(c)
	assert.False(t, v.Valid)
	assert.Equal(t, "merkle root mismatch", v.Reason)
}
