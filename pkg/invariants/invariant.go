// Package invariants is the invariant engine: an ordered registry of named
// checks over a declared agent identity.
//
// The engine re-verifies identities independently of the identity
// authority. A misbehaving check never aborts verification: errors, panics
// and timeouts become failing results.
package invariants

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/forge/pkg/identity"
)

// Invariant is a named correctness check over an identity. Check returns nil
// when the identity satisfies the invariant, a *Violation when it does not,
// and any other error when the check itself could not run.
type Invariant interface {
	Name() string
	Check(ctx context.Context, id identity.AgentIdentity) error
}

// Violation is the error an invariant returns for an identity that fails it.
type Violation struct {
	Reason  string
	Details map[string]any
}

func (v *Violation) Error() string { return v.Reason }

// Violationf builds a Violation with a formatted reason.
func Violationf(format string, args ...any) *Violation {
	return &Violation{Reason: fmt.Sprintf(format, args...)}
}

// Func adapts a function to an Invariant.
type Func struct {
	InvariantName string
	Fn            func(ctx context.Context, id identity.AgentIdentity) error
}

func (f Func) Name() string { return f.InvariantName }

func (f Func) Check(ctx context.Context, id identity.AgentIdentity) error { return f.Fn(ctx, id) }

// Result is the outcome of one invariant.
type Result struct {
	InvariantName string         `json:"invariant_name"`
	Passed        bool           `json:"passed"`
	Reason        string         `json:"reason,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// VerificationEvent is the outcome of running every registered invariant
// against one identity. Results follow registration order, seal first.
type VerificationEvent struct {
	VerificationID string    `json:"verification_id"`
	AgentID        string    `json:"agent_id"`
	BuildID        string    `json:"build_id"`
	Results        []Result  `json:"results"`
	Timestamp      time.Time `json:"timestamp"`
	Passed         bool      `json:"passed"`
}

// Failed returns the results that did not pass.
func (e VerificationEvent) Failed() []Result {
	var out []Result
	for _, r := range e.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

func newVerificationID() string { return uuid.NewString() }
