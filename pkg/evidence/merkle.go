package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	merkleLeafPrefix = "forge:evidence:leaf:v1\x00"
	merkleNodePrefix = "forge:evidence:node:v1\x00"
)

// ErrNoSuchEntry is returned when proving an index outside the bundle.
var ErrNoSuchEntry = errors.New("no such entry")

// MerkleTree is a binary hash tree over the ledger hashes of a chain. An
// odd node at any level is paired with itself.
type MerkleTree struct {
	Root string
	// Levels[0] holds leaf hashes; the last level holds the root.
	Levels [][]string
}

// ProofStep is one sibling on the path from a leaf to the root. Side is
// "L" when the sibling is the left operand.
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// InclusionProof shows that one entry is part of a bundle.
type InclusionProof struct {
	Index      int         `json:"index"`
	LedgerHash string      `json:"ledger_hash"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// BuildMerkleTree builds the tree over ledgerHashes, in chain order. The
// root of an empty chain is the empty string.
func BuildMerkleTree(ledgerHashes []string) (*MerkleTree, error) {
	if len(ledgerHashes) == 0 {
		return &MerkleTree{}, nil
	}
	level := make([]string, len(ledgerHashes))
	for i, h := range ledgerHashes {
		leaf, err := leafHash(i, h)
		if err != nil {
			return nil, err
		}
		level[i] = leaf
	}

	t := &MerkleTree{Levels: [][]string{level}}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(level[i], right))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	t.Root = level[0]
	return t, nil
}

// Prove returns the inclusion proof of the entry at index.
func (t *MerkleTree) Prove(index int) (InclusionProof, error) {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return InclusionProof{}, fmt.Errorf("%w: index %d", ErrNoSuchEntry, index)
	}
	p := InclusionProof{Index: index, LeafHash: t.Levels[0][index], MerkleRoot: t.Root}
	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if pos%2 == 0 {
			sibling := level[pos]
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
			p.ProofPath = append(p.ProofPath, ProofStep{Side: "R", SiblingHash: sibling})
		} else {
			p.ProofPath = append(p.ProofPath, ProofStep{Side: "L", SiblingHash: level[pos-1]})
		}
		pos /= 2
	}
	return p, nil
}

// VerifyInclusion recomputes the root from the proof. The leaf is derived
// from the proof's index and ledger hash, so a proof cannot be replayed
// for another entry. An empty expectedRoot trusts the proof's own root.
func VerifyInclusion(p InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && p.MerkleRoot != expectedRoot {
		return false
	}
	current, err := leafHash(p.Index, p.LedgerHash)
	if err != nil || current != p.LeafHash {
		return false
	}
	for _, step := range p.ProofPath {
		switch step.Side {
		case "L":
			current = nodeHash(step.SiblingHash, current)
		case "R":
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return strings.EqualFold(current, p.MerkleRoot)
}

// leafHash = SHA256(prefix || index || "\0" || ledger hash bytes)
func leafHash(index int, ledgerHash string) (string, error) {
	raw, err := hex.DecodeString(ledgerHash)
	if err != nil {
		return "", fmt.Errorf("entry %d: ledger hash is not hex: %w", index, err)
	}
	h := sha256.New()
	h.Write([]byte(merkleLeafPrefix))
	fmt.Fprintf(h, "%d\x00", index)
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte(merkleNodePrefix))
	h.Write(hexToBytes(left))
	h.Write(hexToBytes(right))
	return hex.EncodeToString(h.Sum(nil))
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
