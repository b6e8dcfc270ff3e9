// Package identity is the identity authority: it validates the identity an
// agent declares for an invocation and fingerprints agent implementations.
package identity

import (
	"regexp"
	"time"

	"github.com/Mindburn-Labs/forge/pkg/agents"
)

var (
	fingerprintPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
	versionPattern     = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ValidFingerprint reports whether s is 64 lowercase hex characters.
func ValidFingerprint(s string) bool { return fingerprintPattern.MatchString(s) }

// ValidVersion reports whether s is a strict MAJOR.MINOR.PATCH version with
// no prerelease or build metadata.
func ValidVersion(s string) bool { return versionPattern.MatchString(s) }

// AgentIdentity is the identity an agent declares for one invocation.
type AgentIdentity struct {
	AgentID     string      `json:"agent_id"`
	BuildID     string      `json:"build_id"`
	Version     string      `json:"version"`
	Role        agents.Role `json:"role"`
	Fingerprint string      `json:"fingerprint"`

	VerifiedAt           *time.Time    `json:"verified_at,omitempty"`
	VerificationDuration time.Duration `json:"verification_duration,omitempty"`
}

// Reason identifies the check that rejected an identity.
type Reason string

const (
	ReasonAgentNotFound            Reason = "AGENT_NOT_FOUND"
	ReasonInvalidVersionFormat     Reason = "INVALID_VERSION_FORMAT"
	ReasonInvalidRole              Reason = "INVALID_ROLE"
	ReasonInvalidFingerprintFormat Reason = "INVALID_FINGERPRINT_FORMAT"
	ReasonVersionNotApproved       Reason = "VERSION_NOT_APPROVED"
	ReasonRoleNotAuthorized        Reason = "ROLE_NOT_AUTHORIZED"
)

// VerificationResult is the outcome of VerifyAgent.
type VerificationResult struct {
	AgentID  string `json:"agent_id"`
	BuildID  string `json:"build_id"`
	Verified bool   `json:"verified"`
	Reason   Reason `json:"reason,omitempty"`
	// Detail carries the policy's explanation for policy rejections.
	Detail     string        `json:"detail,omitempty"`
	VerifiedAt time.Time     `json:"verified_at"`
	Duration   time.Duration `json:"duration"`
	// LedgerHash is the hash of the IDENTITY_VERIFICATION entry.
	LedgerHash string `json:"ledger_hash"`
}

// Directory resolves agent definitions. *agents.Catalog implements it.
type Directory interface {
	Lookup(agentID string) (agents.Definition, bool)
}
