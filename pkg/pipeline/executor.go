package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
	"github.com/Mindburn-Labs/forge/pkg/coordinator"
	"github.com/Mindburn-Labs/forge/pkg/identity"
)

// Execution is what an agent hands back: the identity it declares and the
// output it produced.
type Execution struct {
	Identity identity.AgentIdentity
	Output   agents.Output
}

// Executor invokes one agent. attempt is zero-based. A returned error is
// retried according to the agent's retry policy unless marked with
// retry.Permanent.
type Executor interface {
	Execute(ctx context.Context, in coordinator.AgentInput, def agents.Definition, attempt int) (Execution, error)
}

// ExecutorFunc adapts a function to an Executor.
type ExecutorFunc func(ctx context.Context, in coordinator.AgentInput, def agents.Definition, attempt int) (Execution, error)

func (f ExecutorFunc) Execute(ctx context.Context, in coordinator.AgentInput, def agents.Definition, attempt int) (Execution, error) {
	return f(ctx, in, def, attempt)
}

// DemoVersion is the version every demo agent declares.
const DemoVersion = "1.0.0"

// DemoExecutor is a deterministic stand-in for real agents. Each agent
// declares a fingerprint over its id, prompt and role tools, and records
// the decisions typical of its role.
type DemoExecutor struct {
	// Tenancy is the architecture decision of architect agents.
	Tenancy string
}

// NewDemoExecutor returns a demo executor deciding on a multi-tenant
// architecture.
func NewDemoExecutor() *DemoExecutor {
	return &DemoExecutor{Tenancy: "multi-tenant"}
}

// DemoFingerprint is the fingerprint a demo agent declares for def.
func DemoFingerprint(def agents.Definition) string {
	return identity.ComputeFingerprint("forge-demo:"+def.ID, def.Prompt, demoTools(def.Role))
}

func demoTools(r agents.Role) []string {
	switch r {
	case agents.RoleDevOpsEngineer:
		return []string{"fs.read", "fs.write", "shell.exec"}
	case agents.RoleBackendEngineer, agents.RoleFrontendEngineer, agents.RoleDataEngineer:
		return []string{"fs.read", "fs.write"}
	case agents.RoleQAEngineer, agents.RoleSecurityAuditor:
		return []string{"fs.read", "shell.exec"}
	}
	return []string{"fs.read"}
}

// Execute implements Executor.
func (d *DemoExecutor) Execute(ctx context.Context, in coordinator.AgentInput, def agents.Definition, _ int) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, err
	}
	start := time.Now()

	doc := fmt.Sprintf("# %s\n\n%s\n\n%s", def.Name, in.Prompt, in.Constraints.UpstreamConstraints)
	out := agents.Output{
		AgentID:   def.ID,
		Status:    agents.StatusSucceeded,
		Decisions: d.decisions(def),
		Artifacts: []agents.Artifact{{
			Path:        fmt.Sprintf("%s/%s.md", strings.ToLower(string(def.Phase)), def.ID),
			ContentHash: canonicalize.HashBytes([]byte(doc)),
			Size:        int64(len(doc)),
		}},
		TokensUsed: coordinator.EstimateTokens(doc),
		Duration:   time.Since(start),
	}
	return Execution{
		Identity: identity.AgentIdentity{
			AgentID:     def.ID,
			BuildID:     in.BuildID,
			Version:     DemoVersion,
			Role:        def.Role,
			Fingerprint: DemoFingerprint(def),
		},
		Output: out,
	}, nil
}

func (d *DemoExecutor) decisions(def agents.Definition) []agents.Decision {
	decide := func(typ, choice, reasoning string, confidence float64, alternatives ...string) agents.Decision {
		return agents.Decision{
			ID:           def.ID + ":" + typ,
			Type:         typ,
			Choice:       choice,
			Reasoning:    reasoning,
			Alternatives: alternatives,
			Confidence:   confidence,
		}
	}
	switch def.Role {
	case agents.RoleArchitect:
		return []agents.Decision{
			decide(coordinator.DecisionArchitecture, d.Tenancy, "Tenants share one deployment", 0.9, "single-tenant"),
			decide(coordinator.DecisionAPI, "REST", "Widest client support", 0.8, "GraphQL", "gRPC"),
		}
	case agents.RoleDataEngineer:
		return []agents.Decision{
			decide(coordinator.DecisionDatabase, "PostgreSQL", "Row-level security per tenant", 0.85, "MySQL"),
			decide(coordinator.DecisionDataModel, "normalized", "", 0.7),
		}
	case agents.RoleBackendEngineer:
		return []agents.Decision{decide(coordinator.DecisionAuth, "OIDC", "Delegate identity to the customer IdP", 0.8, "sessions")}
	case agents.RoleDesigner, agents.RoleFrontendEngineer:
		return []agents.Decision{decide(coordinator.DecisionFrontend, "React", "", 0.75, "Svelte")}
	case agents.RoleSecurityAuditor:
		return []agents.Decision{decide(coordinator.DecisionSecurity, "OWASP ASVS L2", "", 0.8)}
	case agents.RoleDevOpsEngineer:
		return []agents.Decision{decide(coordinator.DecisionDeployment, "Kubernetes", "", 0.8, "VMs")}
	case agents.RoleQAEngineer:
		return []agents.Decision{decide(coordinator.DecisionTesting, "table-driven unit tests", "", 0.7)}
	}
	return nil
}
