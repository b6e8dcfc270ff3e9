package identity

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/forge/pkg/agents"
)

// VersionPolicy approves the version an agent declares. A non-nil error
// rejects the identity with ReasonVersionNotApproved.
type VersionPolicy interface {
	ApproveVersion(def agents.Definition, id AgentIdentity) error
}

// RolePolicy authorizes the role an agent declares. A non-nil error rejects
// the identity with ReasonRoleNotAuthorized.
type RolePolicy interface {
	AuthorizeRole(def agents.Definition, id AgentIdentity) error
}

// Permissive approves every version and role.
type Permissive struct{}

func (Permissive) ApproveVersion(agents.Definition, AgentIdentity) error { return nil }
func (Permissive) AuthorizeRole(agents.Definition, AgentIdentity) error  { return nil }

// SemverPolicy approves versions matching a semver constraint such as
// ">=1.0.0, <3.0.0". Per-agent constraints take precedence over the global
// one; agents with neither are approved.
type SemverPolicy struct {
	global   *semver.Constraints
	perAgent map[string]*semver.Constraints
}

// NewSemverPolicy compiles the constraints. global may be empty.
func NewSemverPolicy(global string, perAgent map[string]string) (*SemverPolicy, error) {
	p := &SemverPolicy{perAgent: make(map[string]*semver.Constraints, len(perAgent))}
	if global != "" {
		c, err := semver.NewConstraint(global)
		if err != nil {
			return nil, fmt.Errorf("invalid version constraint %q: %w", global, err)
		}
		p.global = c
	}
	for id, expr := range perAgent {
		c, err := semver.NewConstraint(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid version constraint %q for %s: %w", expr, id, err)
		}
		p.perAgent[id] = c
	}
	return p, nil
}

// ApproveVersion implements VersionPolicy.
func (p *SemverPolicy) ApproveVersion(def agents.Definition, id AgentIdentity) error {
	c, ok := p.perAgent[def.ID]
	if !ok {
		c = p.global
	}
	if c == nil {
		return nil
	}
	v, err := semver.StrictNewVersion(id.Version)
	if err != nil {
		return fmt.Errorf("version %q: %w", id.Version, err)
	}
	if ok, errs := c.Validate(v); !ok {
		if len(errs) > 0 {
			return errs[0]
		}
		return fmt.Errorf("version %s does not satisfy %s", v, c)
	}
	return nil
}

// Expression is a compiled CEL boolean over an agent definition and an
// identity. The expression sees two maps:
//
//	agent:    id, name, phase, tier, role, expected_fingerprint
//	identity: agent_id, build_id, version, role, fingerprint
type Expression struct {
	source string
	prg    cel.Program
}

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func expressionEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("agent", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("identity", cel.MapType(cel.StringType, cel.StringType)),
		)
	})
	return celEnv, celEnvErr
}

// CompileExpression compiles a boolean CEL expression.
func CompileExpression(expr string) (*Expression, error) {
	env, err := expressionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile %q: expression must be boolean, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Expression{source: expr, prg: prg}, nil
}

// String returns the expression source.
func (e *Expression) String() string { return e.source }

// Eval evaluates the expression. def may be nil for identities with no
// catalog entry; the agent map is then empty.
func (e *Expression) Eval(def *agents.Definition, id AgentIdentity) (bool, error) {
	agent := map[string]string{}
	if def != nil {
		agent = map[string]string{
			"id":                   def.ID,
			"name":                 def.Name,
			"phase":                string(def.Phase),
			"tier":                 string(def.Tier),
			"role":                 string(def.Role),
			"expected_fingerprint": def.ExpectedFingerprint,
		}
	}
	out, _, err := e.prg.Eval(map[string]any{
		"agent": agent,
		"identity": map[string]string{
			"agent_id":    id.AgentID,
			"build_id":    id.BuildID,
			"version":     id.Version,
			"role":        string(id.Role),
			"fingerprint": id.Fingerprint,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", e.source, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: non-boolean result %v", e.source, out.Value())
	}
	return allowed, nil
}

// CELRolePolicy authorizes roles with a CEL expression, for example
// `identity.role == agent.role`.
type CELRolePolicy struct {
	expr *Expression
}

// NewCELRolePolicy compiles expr into a role policy.
func NewCELRolePolicy(expr string) (*CELRolePolicy, error) {
	e, err := CompileExpression(expr)
	if err != nil {
		return nil, err
	}
	return &CELRolePolicy{expr: e}, nil
}

// AuthorizeRole implements RolePolicy.
func (p *CELRolePolicy) AuthorizeRole(def agents.Definition, id AgentIdentity) error {
	ok, err := p.expr.Eval(&def, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role %s denied by %s", id.Role, p.expr)
	}
	return nil
}
