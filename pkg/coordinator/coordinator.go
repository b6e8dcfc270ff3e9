// Package coordinator propagates upstream decisions to dependent agents.
//
// An agent sees only the critical decisions of its direct dependencies,
// never the transitive closure: the phase graph's declared edges are the
// information boundary.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
)

var (
	// ErrDependencyNotReady is returned when a declared dependency has no
	// output yet. The scheduler must not prepare an agent before that.
	ErrDependencyNotReady = errors.New("dependency output not available")
	ErrUnknownTier        = errors.New("unknown tier")
)

// DefaultTokenBudget caps the estimated tokens of one constraint block.
const DefaultTokenBudget = 3000

// Coordinator prepares agent inputs from upstream outputs.
type Coordinator struct {
	policies    map[agents.Tier]TierPolicy
	tokenBudget int
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTierPolicy overrides the policy of one tier.
func WithTierPolicy(tier agents.Tier, p TierPolicy) Option {
	return func(c *Coordinator) { c.policies[tier] = p }
}

// WithTokenBudget sets the token budget per constraint block. Zero disables
// the budget; the tier's character cap still applies.
func WithTokenBudget(tokens int) Option {
	return func(c *Coordinator) { c.tokenBudget = tokens }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator with the default tier policies.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		policies:    DefaultPolicies(),
		tokenBudget: DefaultTokenBudget,
		logger:      slog.Default().With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the policy for tier.
func (c *Coordinator) Policy(tier agents.Tier) (TierPolicy, bool) {
	p, ok := c.policies[tier]
	return p, ok
}

// CriticalDecision is an upstream decision eligible for propagation.
type CriticalDecision struct {
	Source   string          `json:"source"`
	Decision agents.Decision `json:"decision"`
}

// CriticalDecisions is the tier-scoped projection of a set of outputs.
type CriticalDecisions struct {
	Tier       agents.Tier        `json:"tier"`
	Decisions  []CriticalDecision `json:"decisions"`
	Directives []string           `json:"directives,omitempty"`
	Sources    []string           `json:"sources,omitempty"`
}

// Empty reports whether no decision was selected.
func (cd CriticalDecisions) Empty() bool { return len(cd.Decisions) == 0 }

// BuildCriticalDecisions selects the decisions of outputs that are critical
// for tier. Outputs are scanned in agent id order and decisions keep their
// recorded order. A confidence floor, when the tier sets one, never drops
// a directive-bearing decision. When more decisions qualify than the tier
// allows, the most confident are kept. Failed, rejected and blocked outputs contribute
// nothing. An unknown tier selects nothing.
func (c *Coordinator) BuildCriticalDecisions(outputs map[string]agents.Output, tier agents.Tier) CriticalDecisions {
	cd := CriticalDecisions{Tier: tier}
	p, ok := c.policies[tier]
	if !ok {
		return cd
	}

	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		out := outputs[id]
		if !contributes(out.Status) {
			continue
		}
		for _, d := range out.Decisions {
			if !p.critical(d.Type) || (d.Confidence < p.MinConfidence && directive(d) == "") {
				continue
			}
			cd.Decisions = append(cd.Decisions, CriticalDecision{Source: id, Decision: d})
		}
	}
	cd.Decisions = mostConfident(cd.Decisions, p.MaxDecisions)
	cd.derive()
	return cd
}

func contributes(s agents.Status) bool {
	switch s {
	case agents.StatusFailed, agents.StatusRejected, agents.StatusBlocked:
		return false
	}
	return true
}

// mostConfident keeps the max most confident decisions in their original
// order. Ties keep the earlier decision.
func mostConfident(ds []CriticalDecision, max int) []CriticalDecision {
	if max <= 0 || len(ds) <= max {
		return ds
	}
	idx := make([]int, len(ds))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return ds[idx[a]].Decision.Confidence > ds[idx[b]].Decision.Confidence
	})
	keep := idx[:max]
	sort.Ints(keep)
	out := make([]CriticalDecision, len(keep))
	for i, k := range keep {
		out[i] = ds[k]
	}
	return out
}

func (cd *CriticalDecisions) derive() {
	cd.Directives = nil
	cd.Sources = nil
	seenDirective := map[string]bool{}
	seenSource := map[string]bool{}
	for _, d := range cd.Decisions {
		if dir := directive(d.Decision); dir != "" && !seenDirective[dir] {
			seenDirective[dir] = true
			cd.Directives = append(cd.Directives, dir)
		}
		if !seenSource[d.Source] {
			seenSource[d.Source] = true
			cd.Sources = append(cd.Sources, d.Source)
		}
	}
}

// directive turns a recognised decision into a one-line instruction.
func directive(d agents.Decision) string {
	choice := strings.TrimSpace(d.Choice)
	if choice == "" {
		return ""
	}
	switch d.Type {
	case DecisionTenancy:
		return "Tenancy model: " + choice
	case DecisionArchitecture:
		if strings.Contains(strings.ToLower(choice), "tenant") {
			return "Tenancy model: " + choice
		}
		return "Architecture style: " + choice
	case DecisionDatabase:
		return "Primary datastore: " + choice
	case DecisionAPI:
		return "API style: " + choice
	case DecisionAuth:
		return "Authentication: " + choice
	case DecisionDeployment:
		return "Deployment target: " + choice
	}
	return ""
}

// Constraints is the upstream context attached to an agent input.
type Constraints struct {
	UpstreamConstraints string   `json:"upstream_constraints"`
	Directives          []string `json:"directives,omitempty"`
	Sources             []string `json:"sources,omitempty"`
}

// AgentInput is what an agent is invoked with.
type AgentInput struct {
	BuildID     string            `json:"build_id"`
	AgentID     string            `json:"agent_id"`
	Prompt      string            `json:"prompt"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Constraints Constraints       `json:"constraints"`
}

// Prepared is an agent input with upstream constraints injected.
type Prepared struct {
	Enhanced        AgentInput
	ConstraintText  string
	EstimatedTokens int
	Decisions       CriticalDecisions
	// Dropped counts decisions removed to fit the budget.
	Dropped int
}

// ConstraintHash identifies the injected constraint text.
func (p Prepared) ConstraintHash() string {
	return canonicalize.DomainHash("forge/constraints/v1", []byte(p.ConstraintText))
}

// PrepareAgentWithConstraints injects the critical decisions of def's
// direct dependencies into base. Outputs of agents def does not depend on
// are ignored even when present. Dependencies without decisions yield an
// empty constraint text and are not an error.
func (c *Coordinator) PrepareAgentWithConstraints(base AgentInput, def agents.Definition,
	outputs map[string]agents.Output, tier agents.Tier) (Prepared, error) {
	p, ok := c.policies[tier]
	if !ok {
		return Prepared{}, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	upstream := make(map[string]agents.Output, len(def.Dependencies))
	for _, dep := range def.Dependencies {
		out, ok := outputs[dep]
		if !ok {
			return Prepared{}, fmt.Errorf("%w: %s depends on %s", ErrDependencyNotReady, def.ID, dep)
		}
		upstream[dep] = out
	}

	cd := c.BuildCriticalDecisions(upstream, tier)
	text, dropped := c.fit(&cd, p)
	if dropped > 0 {
		c.logger.Info("constraint block trimmed to budget",
			"agent_id", def.ID, "tier", tier, "dropped", dropped, "kept", len(cd.Decisions))
	}

	enhanced := base
	if enhanced.AgentID == "" {
		enhanced.AgentID = def.ID
	}
	if enhanced.Prompt == "" {
		enhanced.Prompt = def.Prompt
	}
	enhanced.Constraints = Constraints{
		UpstreamConstraints: text,
		Directives:          cd.Directives,
		Sources:             cd.Sources,
	}
	return Prepared{
		Enhanced:        enhanced,
		ConstraintText:  text,
		EstimatedTokens: EstimateTokens(text),
		Decisions:       cd,
		Dropped:         dropped,
	}, nil
}

// fit renders cd, dropping the least confident decision until the text is
// within the tier's character cap and the token budget.
func (c *Coordinator) fit(cd *CriticalDecisions, p TierPolicy) (string, int) {
	dropped := 0
	for {
		text := Render(*cd)
		if c.fits(text, p) || cd.Empty() {
			return text, dropped
		}
		cd.Decisions = dropLeastConfident(cd.Decisions)
		cd.derive()
		dropped++
	}
}

func (c *Coordinator) fits(text string, p TierPolicy) bool {
	if p.MaxChars > 0 && utf8.RuneCountInString(text) > p.MaxChars {
		return false
	}
	if c.tokenBudget > 0 && EstimateTokens(text) > c.tokenBudget {
		return false
	}
	return true
}

// dropLeastConfident removes the lowest-confidence decision, the latest one
// among ties.
func dropLeastConfident(ds []CriticalDecision) []CriticalDecision {
	low := len(ds) - 1
	for i := len(ds) - 1; i >= 0; i-- {
		if ds[i].Decision.Confidence < ds[low].Decision.Confidence {
			low = i
		}
	}
	out := make([]CriticalDecision, 0, len(ds)-1)
	out = append(out, ds[:low]...)
	return append(out, ds[low+1:]...)
}

// Render formats cd as the NFC-normalised constraint block handed to an
// agent. No decisions render as the empty string.
func Render(cd CriticalDecisions) string {
	if cd.Empty() {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Upstream constraints (tier %s)\n", cd.Tier)
	if len(cd.Directives) > 0 {
		b.WriteString("Directives:\n")
		for _, d := range cd.Directives {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	b.WriteString("Decisions:\n")
	for _, d := range cd.Decisions {
		fmt.Fprintf(&b, "- [%s] %s (%s, confidence %s)",
			d.Decision.Type, d.Decision.Choice, d.Source,
			strconv.FormatFloat(d.Decision.Confidence, 'f', 2, 64))
		if r := strings.TrimSpace(d.Decision.Reasoning); r != "" {
			fmt.Fprintf(&b, ": %s", r)
		}
		if len(d.Decision.Alternatives) > 0 {
			fmt.Fprintf(&b, " [rejected: %s]", strings.Join(d.Decision.Alternatives, ", "))
		}
		b.WriteByte('\n')
	}
	return norm.NFC.String(b.String())
}

// EstimateTokens approximates the token cost of s as one token per four
// characters, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
