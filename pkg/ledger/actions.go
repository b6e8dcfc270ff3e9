package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
)

// ActionType names the kind of event an entry records.
type ActionType string

const (
	ActionIdentityVerification  ActionType = "IDENTITY_VERIFICATION"
	ActionInvariantVerification ActionType = "INVARIANT_VERIFICATION"
	ActionConstraintsInjected   ActionType = "CONSTRAINTS_INJECTED"
	ActionAgentOutputRecorded   ActionType = "AGENT_OUTPUT_RECORDED"
	ActionPhaseTransition       ActionType = "PHASE_TRANSITION"
	ActionBuildCompleted        ActionType = "BUILD_COMPLETED"
)

// Payload is the typed action data of an entry.
type Payload interface {
	ActionType() ActionType
}

// NewEntry builds an uncommitted entry carrying the canonical JSON of p.
func NewEntry(buildID, agentID string, p Payload) (Entry, error) {
	data, err := canonicalize.JCS(p)
	if err != nil {
		return Entry{}, fmt.Errorf("encode %s payload: %w", p.ActionType(), err)
	}
	return Entry{
		BuildID:    buildID,
		AgentID:    agentID,
		ActionType: p.ActionType(),
		ActionData: data,
	}, nil
}

// Decode unmarshals the entry's action data into p. The entry's action type
// must match p's.
func (e Entry) Decode(p Payload) error {
	if e.ActionType != p.ActionType() {
		return fmt.Errorf("%w: entry is %s, not %s", ErrInvalidEntry, e.ActionType, p.ActionType())
	}
	if err := json.Unmarshal(e.ActionData, p); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.ActionType, err)
	}
	return nil
}

// IdentityVerification records one identity authority decision, pass or fail.
type IdentityVerification struct {
	Version     string `json:"version"`
	Role        string `json:"role"`
	Fingerprint string `json:"fingerprint"`
	Verified    bool   `json:"verified"`
	Reason      string `json:"reason,omitempty"`
	DurationNS  int64  `json:"duration_ns"`
}

func (IdentityVerification) ActionType() ActionType { return ActionIdentityVerification }

// InvariantOutcome is the ledger form of one invariant result.
type InvariantOutcome struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Reason     string `json:"reason,omitempty"`
	DurationNS int64  `json:"duration_ns"`
}

// InvariantVerification records an invariant engine verification event.
type InvariantVerification struct {
	VerificationID string             `json:"verification_id"`
	Passed         bool               `json:"passed"`
	Results        []InvariantOutcome `json:"results"`
}

func (InvariantVerification) ActionType() ActionType { return ActionInvariantVerification }

// ConstraintsInjected records the upstream constraints handed to an agent.
type ConstraintsInjected struct {
	Tier            string   `json:"tier"`
	Dependencies    []string `json:"dependencies"`
	DecisionCount   int      `json:"decision_count"`
	EstimatedTokens int      `json:"estimated_tokens"`
	ConstraintHash  string   `json:"constraint_hash"`
}

func (ConstraintsInjected) ActionType() ActionType { return ActionConstraintsInjected }

// AgentOutputRecorded records an accepted agent output.
type AgentOutputRecorded struct {
	Status        string `json:"status"`
	OutputHash    string `json:"output_hash"`
	ArtifactCount int    `json:"artifact_count"`
	DecisionCount int    `json:"decision_count"`
	TokensUsed    int    `json:"tokens_used"`
	DurationNS    int64  `json:"duration_ns"`
	Attempts      int    `json:"attempts"`
	// Reason explains a FAILED or REJECTED status.
	Reason string `json:"reason,omitempty"`
}

func (AgentOutputRecorded) ActionType() ActionType { return ActionAgentOutputRecorded }

// PhaseTransition records that every agent of a phase has settled.
type PhaseTransition struct {
	Phase     string   `json:"phase"`
	Next      string   `json:"next,omitempty"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	Blocked   []string `json:"blocked"`
}

func (PhaseTransition) ActionType() ActionType { return ActionPhaseTransition }

// BuildCompleted is the last entry of a build run.
type BuildCompleted struct {
	Tier      string `json:"tier"`
	Passed    bool   `json:"passed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Blocked   int    `json:"blocked"`
}

func (BuildCompleted) ActionType() ActionType { return ActionBuildCompleted }
