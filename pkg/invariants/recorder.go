package invariants

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/forge/pkg/identity"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

// Recorder appends verification events to the governance ledger.
type Recorder struct {
	ledger identity.Recorder
}

// NewRecorder creates a recorder writing through l.
func NewRecorder(l identity.Recorder) *Recorder {
	return &Recorder{ledger: l}
}

// Record appends an INVARIANT_VERIFICATION entry for ev and returns its hash.
func (r *Recorder) Record(ctx context.Context, ev VerificationEvent) (string, error) {
	payload := ledger.InvariantVerification{
		VerificationID: ev.VerificationID,
		Passed:         ev.Passed,
		Results:        make([]ledger.InvariantOutcome, len(ev.Results)),
	}
	for i, res := range ev.Results {
		payload.Results[i] = ledger.InvariantOutcome{
			Name:       res.InvariantName,
			Passed:     res.Passed,
			Reason:     res.Reason,
			DurationNS: res.Duration.Nanoseconds(),
		}
	}
	entry, err := ledger.NewEntry(ev.BuildID, ev.AgentID, payload)
	if err != nil {
		return "", err
	}
	hash, err := r.ledger.AppendWithLock(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("record invariant verification for %s/%s: %w", ev.BuildID, ev.AgentID, err)
	}
	return hash, nil
}
