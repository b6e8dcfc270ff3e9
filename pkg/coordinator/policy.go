package coordinator

import (
	"github.com/Mindburn-Labs/forge/pkg/agents"
)

// Decision types recognised by the default tier policies.
const (
	DecisionArchitecture = "architecture"
	DecisionTenancy      = "tenancy"
	DecisionDatabase     = "database"
	DecisionAPI          = "api"
	DecisionAuth         = "auth"
	DecisionDataModel    = "data_model"
	DecisionFrontend     = "frontend"
	DecisionSecurity     = "security"
	DecisionDeployment   = "deployment"
	DecisionCompliance   = "compliance"
	DecisionTesting      = "testing"
)

// TierPolicy bounds the upstream context injected at one tier.
type TierPolicy struct {
	// CriticalTypes lists the decision types propagated. Empty propagates
	// every type.
	CriticalTypes []string
	// MinConfidence is the lowest confidence propagated. Decisions that
	// render a directive are never filtered by it.
	MinConfidence float64
	// MaxDecisions caps the number of decisions kept.
	MaxDecisions int
	// MaxChars caps the rendered constraint text, in characters.
	MaxChars int
}

func (p TierPolicy) critical(decisionType string) bool {
	if len(p.CriticalTypes) == 0 {
		return true
	}
	for _, t := range p.CriticalTypes {
		if t == decisionType {
			return true
		}
	}
	return false
}

// DefaultPolicies returns the tier policies used when none are configured.
// Larger tiers see more decision types and a bigger budget. No tier has a
// confidence floor: the decision cap and the budget trimming, which drop
// the least confident first, bound the block.
func DefaultPolicies() map[agents.Tier]TierPolicy {
	basic := []string{DecisionArchitecture, DecisionTenancy, DecisionDatabase, DecisionAPI, DecisionAuth}
	professional := append(append([]string(nil), basic...),
		DecisionDataModel, DecisionFrontend, DecisionSecurity, DecisionDeployment)
	return map[agents.Tier]TierPolicy{
		agents.TierBasic: {
			CriticalTypes: basic,
			MaxDecisions:  10,
			MaxChars:      2000,
		},
		agents.TierProfessional: {
			CriticalTypes: professional,
			MaxDecisions:  25,
			MaxChars:      6000,
		},
		agents.TierEnterprise: {
			MaxDecisions:  50,
			MaxChars:      12000,
		},
	}
}
