package ledger

import "fmt"

// ChainReport is the outcome of a consistency check over one build's chain.
type ChainReport struct {
	Valid       bool   `json:"valid"`
	Length      int    `json:"length"`
	FailedIndex int    `json:"failed_index"` // -1 when valid
	Reason      string `json:"reason,omitempty"`
	Head        string `json:"head"`
}

// CheckChain verifies an ordered build chain from its stored fields.
//
// For each index i the entry's hash is recomputed and compared with both its
// stored LedgerHash and the PreviousHash of entry i+1; entry 0 must link to
// Genesis. The first index where any comparison fails is reported. An empty
// chain is valid with head Genesis.
func CheckChain(entries []Entry) ChainReport {
	report := ChainReport{Valid: true, Length: len(entries), FailedIndex: -1, Head: Genesis}
	fail := func(i int, format string, args ...any) ChainReport {
		report.Valid = false
		report.FailedIndex = i
		report.Reason = fmt.Sprintf(format, args...)
		return report
	}

	for i, e := range entries {
		if i == 0 && e.PreviousHash != Genesis {
			return fail(i, "first entry does not link to genesis")
		}
		if i > 0 && e.BuildID != entries[0].BuildID {
			return fail(i, "entry belongs to build %s, chain is %s", e.BuildID, entries[0].BuildID)
		}
		if e.Sequence != uint64(i) {
			return fail(i, "sequence %d at position %d", e.Sequence, i)
		}
		h, err := ComputeHash(e)
		if err != nil {
			return fail(i, "hash: %v", err)
		}
		if h != e.LedgerHash {
			return fail(i, "content hash mismatch: stored %s, computed %s", e.LedgerHash, h)
		}
		if i+1 < len(entries) && entries[i+1].PreviousHash != h {
			return fail(i, "next entry links to %s, computed %s", entries[i+1].PreviousHash, h)
		}
		report.Head = h
	}
	return report
}
