// Package evidence exports a build's governance ledger as a self-verifying
// evidence bundle and stores bundles in content-addressed sinks.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

// FormatVersion identifies the bundle layout.
const FormatVersion = "forge.evidence/v1"

const digestDomain = "forge/evidence-bundle/v1"

var (
	ErrEmptyBuild    = errors.New("build has no ledger entries")
	ErrInvalidBundle = errors.New("invalid evidence bundle")
)

// Bundle is a portable copy of one build's ledger.
type Bundle struct {
	Version    string         `json:"version"`
	BundleID   string         `json:"bundle_id"`
	BuildID    string         `json:"build_id"`
	ExportedAt string         `json:"exported_at"`
	Head       string         `json:"head"`
	Length     int            `json:"length"`
	Entries    []ledger.Entry `json:"entries"`
	// MerkleRoot commits to the entry hashes for per-entry inclusion proofs.
	MerkleRoot string `json:"merkle_root"`
	// Digest covers every other field.
	Digest string `json:"digest"`
}

func (b Bundle) computeDigest() (string, error) {
	b.Digest = ""
	return canonicalize.DomainCanonicalHash(digestDomain, b)
}

// Export snapshots the ledger of buildID. The chain is verified first; a
// broken chain is not exported.
func Export(ctx context.Context, l *ledger.Ledger, buildID string, now time.Time) (Bundle, error) {
	report, err := l.VerifyChain(ctx, buildID)
	if err != nil {
		return Bundle{}, err
	}
	if report.Length == 0 {
		return Bundle{}, fmt.Errorf("%w: %s", ErrEmptyBuild, buildID)
	}
	if !report.Valid {
		return Bundle{}, fmt.Errorf("%w: entry %d: %s", ledger.ErrChainBroken, report.FailedIndex, report.Reason)
	}
	entries, err := l.Entries(ctx, buildID)
	if err != nil {
		return Bundle{}, err
	}

	b := Bundle{
		Version:    FormatVersion,
		BundleID:   uuid.NewString(),
		BuildID:    buildID,
		ExportedAt: ledger.FormatTimestamp(now),
		Head:       report.Head,
		Length:     len(entries),
		Entries:    entries,
	}
	tree, err := BuildMerkleTree(ledgerHashes(entries))
	if err != nil {
		return Bundle{}, err
	}
	b.MerkleRoot = tree.Root
	if b.Digest, err = b.computeDigest(); err != nil {
		return Bundle{}, fmt.Errorf("digest bundle: %w", err)
	}
	return b, nil
}

func ledgerHashes(entries []ledger.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.LedgerHash
	}
	return out
}

// Prove returns the inclusion proof of the entry at index. Proofs are only
// meaningful for bundles that pass Verify.
func (b Bundle) Prove(index int) (InclusionProof, error) {
	tree, err := BuildMerkleTree(ledgerHashes(b.Entries))
	if err != nil {
		return InclusionProof{}, err
	}
	p, err := tree.Prove(index)
	if err != nil {
		return InclusionProof{}, err
	}
	p.LedgerHash = b.Entries[index].LedgerHash
	return p, nil
}

// Marshal encodes b as canonical JSON.
func Marshal(b Bundle) ([]byte, error) {
	return canonicalize.JCS(b)
}

// Parse decodes a bundle without verifying it.
func Parse(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return b, nil
}

// Verification is the outcome of Verify.
type Verification struct {
	Valid  bool               `json:"valid"`
	Reason string             `json:"reason,omitempty"`
	Chain  ledger.ChainReport `json:"chain"`
}

// Verify checks a bundle offline: the format version, the digest, and the
// hash chain of its entries against the recorded head and length, and the
// Merkle root.
func Verify(b Bundle) Verification {
	if b.Version != FormatVersion {
		return Verification{Reason: fmt.Sprintf("unsupported version %q", b.Version)}
	}
	digest, err := b.computeDigest()
	if err != nil {
		return Verification{Reason: "digest: " + err.Error()}
	}
	if digest != b.Digest {
		return Verification{Reason: "digest mismatch"}
	}

	chain := ledger.CheckChain(b.Entries)
	v := Verification{Chain: chain}
	switch {
	case !chain.Valid:
		v.Reason = fmt.Sprintf("chain broken at entry %d: %s", chain.FailedIndex, chain.Reason)
	case chain.Length != b.Length:
		v.Reason = fmt.Sprintf("length %d, bundle records %d", chain.Length, b.Length)
	case chain.Head != b.Head:
		v.Reason = "head mismatch"
	default:
		tree, err := BuildMerkleTree(ledgerHashes(b.Entries))
		if err != nil || tree.Root != b.MerkleRoot {
			v.Reason = "merkle root mismatch"
			return v
		}
		for _, e := range b.Entries {
			if e.BuildID != b.BuildID {
				v.Reason = fmt.Sprintf("entry of build %s in bundle of %s", e.BuildID, b.BuildID)
				return v
			}
		}
		v.Valid = true
	}
	return v
}
