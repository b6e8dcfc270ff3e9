package invariants

import (
	"context"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/identity"
)

// SealName is the name of the seal invariant.
const SealName = "identity.seal"

// Seal returns the invariant requiring a complete identity record.
func Seal() Invariant {
	return Func{InvariantName: SealName, Fn: func(_ context.Context, id identity.AgentIdentity) error {
		var missing []string
		if id.AgentID == "" {
			missing = append(missing, "agent_id")
		}
		if id.BuildID == "" {
			missing = append(missing, "build_id")
		}
		if id.Version == "" {
			missing = append(missing, "version")
		}
		if id.Role == "" {
			missing = append(missing, "role")
		}
		if id.Fingerprint == "" {
			missing = append(missing, "fingerprint")
		}
		if len(missing) > 0 {
			return &Violation{
				Reason:  "identity record incomplete",
				Details: map[string]any{"missing": missing},
			}
		}
		return nil
	}}
}

// Structural re-validates the identity format checks against dir without
// consulting the identity authority.
func Structural(dir identity.Directory) Invariant {
	return Func{InvariantName: "identity.structural", Fn: func(_ context.Context, id identity.AgentIdentity) error {
		if _, ok := dir.Lookup(id.AgentID); !ok {
			return Violationf("agent %q is not registered", id.AgentID)
		}
		if !identity.ValidVersion(id.Version) {
			return Violationf("version %q is not MAJOR.MINOR.PATCH", id.Version)
		}
		if !id.Role.Valid() {
			return Violationf("role %q is not a known role", id.Role)
		}
		if !identity.ValidFingerprint(id.Fingerprint) {
			return Violationf("fingerprint is not 64 lowercase hex characters")
		}
		return nil
	}}
}

// FingerprintDrift fails identities whose fingerprint differs from the one
// pinned by their definition. Definitions without a pin pass.
func FingerprintDrift(dir identity.Directory) Invariant {
	return Func{InvariantName: "identity.fingerprint_drift", Fn: func(_ context.Context, id identity.AgentIdentity) error {
		def, ok := dir.Lookup(id.AgentID)
		if !ok || def.ExpectedFingerprint == "" {
			return nil
		}
		if def.ExpectedFingerprint != id.Fingerprint {
			return &Violation{
				Reason: "fingerprint drift",
				Details: map[string]any{
					"expected": def.ExpectedFingerprint,
					"actual":   id.Fingerprint,
				},
			}
		}
		return nil
	}}
}

// Expression compiles a CEL boolean over the identity and, when dir is
// non-nil, the agent's definition. See identity.Expression for the
// variables in scope.
func Expression(name, expr string, dir identity.Directory) (Invariant, error) {
	compiled, err := identity.CompileExpression(expr)
	if err != nil {
		return nil, err
	}
	return Func{InvariantName: name, Fn: func(_ context.Context, id identity.AgentIdentity) error {
		var def *agents.Definition
		if dir != nil {
			if d, ok := dir.Lookup(id.AgentID); ok {
				def = &d
			}
		}
		ok, err := compiled.Eval(def, id)
		if err != nil {
			return err
		}
		if !ok {
			return Violationf("expression %s is false", compiled)
		}
		return nil
	}}, nil
}
