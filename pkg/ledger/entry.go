// Package ledger is the governance ledger: an append-only, per-build hash
// chain of verification and decision events.
//
// Each build has its own chain. Entry n links to entry n-1 through
// PreviousHash, entry 0 links to Genesis. Writers serialize on a per-build
// lock from a LockTable; the Store independently refuses any entry that does
// not extend the current head, so a writer that skips the lock gets
// ErrStaleHead instead of forking the chain.
package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
)

// Genesis is the PreviousHash of the first entry of every build.
var Genesis = strings.Repeat("0", canonicalize.DigestLength)

const entryHashDomain = "forge/ledger-entry/v1"

// Entry is one committed ledger record. Entries are never mutated or deleted
// after commit.
type Entry struct {
	BuildID      string          `json:"build_id"`
	Sequence     uint64          `json:"sequence"`
	AgentID      string          `json:"agent_id"`
	ActionType   ActionType      `json:"action_type"`
	ActionData   json.RawMessage `json:"action_data"`
	Timestamp    time.Time       `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	LedgerHash   string          `json:"ledger_hash"`

	// Immutable is set by the store on entries it has durably committed.
	Immutable bool `json:"immutable"`
}

// hashInput is the hashed view of an entry. Sequence and Immutable are
// bookkeeping and do not contribute.
type hashInput struct {
	BuildID      string          `json:"build_id"`
	AgentID      string          `json:"agent_id"`
	ActionType   ActionType      `json:"action_type"`
	ActionData   json.RawMessage `json:"action_data"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
}

// FormatTimestamp is the textual form of an entry timestamp used for hashing
// and storage.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// ComputeHash returns the content hash of e from its stored fields. The
// action data is canonicalized, so key order and whitespace in the stored
// JSON do not matter.
func ComputeHash(e Entry) (string, error) {
	data := e.ActionData
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return "", fmt.Errorf("%w: action data is not valid JSON", ErrInvalidEntry)
	}
	return canonicalize.DomainCanonicalHash(entryHashDomain, hashInput{
		BuildID:      e.BuildID,
		AgentID:      e.AgentID,
		ActionType:   e.ActionType,
		ActionData:   data,
		Timestamp:    FormatTimestamp(e.Timestamp),
		PreviousHash: e.PreviousHash,
	})
}

// validateFields checks the fields a caller must supply.
func validateFields(e Entry) error {
	switch {
	case e.BuildID == "":
		return fmt.Errorf("%w: build_id is required", ErrInvalidEntry)
	case e.AgentID == "":
		return fmt.Errorf("%w: agent_id is required", ErrInvalidEntry)
	case e.ActionType == "":
		return fmt.Errorf("%w: action_type is required", ErrInvalidEntry)
	case len(e.ActionData) == 0:
		return fmt.Errorf("%w: action_data is required", ErrInvalidEntry)
	case !json.Valid(e.ActionData):
		return fmt.Errorf("%w: action_data is not valid JSON", ErrInvalidEntry)
	}
	return nil
}
