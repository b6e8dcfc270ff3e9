// Package agents holds the static pipeline model: agent definitions, the
// phase catalog, and the outputs agents produce.
package agents

import (
	"time"
)

// Phase is one of the eight ordered pipeline stages.
type Phase string

const (
	PhaseDiscovery    Phase = "DISCOVERY"
	PhaseArchitecture Phase = "ARCHITECTURE"
	PhaseDesign       Phase = "DESIGN"
	PhaseData         Phase = "DATA"
	PhaseBackend      Phase = "BACKEND"
	PhaseFrontend     Phase = "FRONTEND"
	PhaseQuality      Phase = "QUALITY"
	PhaseDeployment   Phase = "DEPLOYMENT"
)

// Phases lists every phase in execution order.
var Phases = []Phase{
	PhaseDiscovery,
	PhaseArchitecture,
	PhaseDesign,
	PhaseData,
	PhaseBackend,
	PhaseFrontend,
	PhaseQuality,
	PhaseDeployment,
}

// Ordinal returns the zero-based position of p, or -1 for an unknown phase.
func (p Phase) Ordinal() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool { return p.Ordinal() >= 0 }

// Tier is the generation tier of a build. It bounds how much upstream
// context is injected into each agent.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// Rank orders tiers from smallest to largest. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierBasic:
		return 0
	case TierProfessional:
		return 1
	case TierEnterprise:
		return 2
	}
	return -1
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t.Rank() >= 0 }

// Includes reports whether a build at tier t runs agents of tier other.
func (t Tier) Includes(other Tier) bool {
	return other.Valid() && t.Rank() >= other.Rank()
}

// RetryPolicy controls re-execution of a failed agent.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// Definition is the immutable description of one agent, loaded at startup.
type Definition struct {
	ID           string        `yaml:"id" json:"id"`
	Name         string        `yaml:"name" json:"name"`
	Phase        Phase         `yaml:"phase" json:"phase"`
	Tier         Tier          `yaml:"tier" json:"tier"`
	Role         Role          `yaml:"role" json:"role"`
	Dependencies []string      `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Prompt       string        `yaml:"prompt" json:"prompt"`
	Retry        RetryPolicy   `yaml:"retry" json:"retry"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`

	// ExpectedFingerprint pins the implementation digest. Empty means the
	// agent is not pinned and drift is not checked.
	ExpectedFingerprint string `yaml:"expected_fingerprint,omitempty" json:"expected_fingerprint,omitempty"`
}

// DependsOn reports whether id is a direct dependency of d.
func (d Definition) DependsOn(id string) bool {
	for _, dep := range d.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Status is the terminal state of one agent invocation.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRejected  Status = "REJECTED"
	StatusBlocked   Status = "BLOCKED"
)

// Decision is a recorded choice made by an agent.
type Decision struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Choice       string   `json:"choice"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Confidence   float64  `json:"confidence"`
}

// Artifact is a named file produced by an agent.
type Artifact struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

// Output is produced once per agent invocation and never modified after.
type Output struct {
	AgentID    string             `json:"agent_id"`
	Status     Status             `json:"status"`
	Artifacts  []Artifact         `json:"artifacts,omitempty"`
	Decisions  []Decision         `json:"decisions,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Duration   time.Duration      `json:"duration"`
	TokensUsed int                `json:"tokens_used"`
}
