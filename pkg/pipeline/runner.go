// Package pipeline is the reference scheduler. It runs the agents of a build
// in dependency order, verifies every agent through the identity authority
// and the invariant engine, and audits each step to the governance ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
	"github.com/Mindburn-Labs/forge/pkg/coordinator"
	"github.com/Mindburn-Labs/forge/pkg/identity"
	"github.com/Mindburn-Labs/forge/pkg/invariants"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
	"github.com/Mindburn-Labs/forge/pkg/observability"
	"github.com/Mindburn-Labs/forge/pkg/retry"
)

// SystemAgentID is the agent id of entries written by the runner itself.
const SystemAgentID = "forge.pipeline"

// DefaultParallelism bounds concurrently running agents.
const DefaultParallelism = 4

var ErrUnschedulable = errors.New("agents cannot be scheduled")

// Runner executes builds.
type Runner struct {
	catalog   *agents.Catalog
	ledger    *ledger.Ledger
	authority *identity.Authority
	executor  Executor

	coordinator *coordinator.Coordinator
	engine      *invariants.Engine
	recorder    *invariants.Recorder
	attestor    *identity.Attestor

	tier        agents.Tier
	parallelism int
	limiter     *rate.Limiter
	sleep       retry.Sleeper
	clock       func() time.Time
	logger      *slog.Logger
	obs         *observability.Provider
}

// Option configures a Runner.
type Option func(*Runner)

// WithTier selects the build tier. Defaults to basic.
func WithTier(t agents.Tier) Option { return func(r *Runner) { r.tier = t } }

// WithParallelism bounds concurrently running agents.
func WithParallelism(n int) Option { return func(r *Runner) { r.parallelism = n } }

// WithDispatchRate limits how fast agents are started.
func WithDispatchRate(limit rate.Limit, burst int) Option {
	return func(r *Runner) { r.limiter = rate.NewLimiter(limit, burst) }
}

// WithCoordinator replaces the default coordinator.
func WithCoordinator(c *coordinator.Coordinator) Option { return func(r *Runner) { r.coordinator = c } }

// WithEngine replaces the default invariant engine.
func WithEngine(e *invariants.Engine) Option { return func(r *Runner) { r.engine = e } }

// WithAttestor issues an attestation for every agent that succeeds.
func WithAttestor(a *identity.Attestor) Option { return func(r *Runner) { r.attestor = a } }

// WithSleeper replaces the retry wait, for tests.
func WithSleeper(s retry.Sleeper) Option { return func(r *Runner) { r.sleep = s } }

// WithClock overrides the clock used for agent durations.
func WithClock(clock func() time.Time) Option { return func(r *Runner) { r.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithTelemetry sets the observability provider.
func WithTelemetry(p *observability.Provider) Option { return func(r *Runner) { r.obs = p } }

// NewRunner creates a runner over catalog. Unless replaced, the invariant
// engine holds the seal, structural and fingerprint drift invariants.
func NewRunner(catalog *agents.Catalog, l *ledger.Ledger, authority *identity.Authority, executor Executor, opts ...Option) (*Runner, error) {
	if catalog == nil || l == nil || authority == nil || executor == nil {
		return nil, errors.New("pipeline: catalog, ledger, authority and executor are required")
	}
	r := &Runner{
		catalog:     catalog,
		ledger:      l,
		authority:   authority,
		executor:    executor,
		tier:        agents.TierBasic,
		parallelism: DefaultParallelism,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		sleep:       retry.Sleep,
		clock:       time.Now,
		logger:      slog.Default().With("component", "pipeline"),
		obs:         observability.Disabled(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if !r.tier.Valid() {
		return nil, fmt.Errorf("pipeline: unknown tier %q", r.tier)
	}
	if r.parallelism < 1 {
		r.parallelism = 1
	}
	if r.coordinator == nil {
		r.coordinator = coordinator.New(coordinator.WithLogger(r.logger))
	}
	if r.engine == nil {
		r.engine = invariants.NewEngine(invariants.WithLogger(r.logger), invariants.WithTelemetry(r.obs))
		for _, inv := range []invariants.Invariant{invariants.Structural(catalog), invariants.FingerprintDrift(catalog)} {
			if err := r.engine.Register(inv); err != nil {
				return nil, err
			}
		}
	}
	r.recorder = invariants.NewRecorder(l)
	return r, nil
}

// AgentResult is the settled state of one agent. Reason explains a status
// other than SUCCEEDED.
type AgentResult struct {
	AgentID      string                       `json:"agent_id"`
	Phase        agents.Phase                 `json:"phase"`
	Status       agents.Status                `json:"status"`
	Attempts     int                          `json:"attempts"`
	Reason       string                       `json:"reason,omitempty"`
	Output       agents.Output                `json:"output"`
	Verification identity.VerificationResult  `json:"verification"`
	Invariants   invariants.VerificationEvent `json:"invariants"`
	Constraints  string                       `json:"constraints,omitempty"`
	Attestation  string                       `json:"attestation,omitempty"`
	// Blocks lists the agents downstream of a failed or rejected agent.
	Blocks []string `json:"blocks,omitempty"`
}

// Report summarises a build run.
type Report struct {
	BuildID   string             `json:"build_id"`
	Tier      agents.Tier        `json:"tier"`
	Results   []AgentResult      `json:"results"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Blocked   int                `json:"blocked"`
	Chain     ledger.ChainReport `json:"chain"`
	Passed    bool               `json:"passed"`
}

// Result returns the result of agentID.
func (r Report) Result(agentID string) (AgentResult, bool) {
	for _, res := range r.Results {
		if res.AgentID == agentID {
			return res, true
		}
	}
	return AgentResult{}, false
}

type build struct {
	id    string
	cat   *agents.Catalog
	mu    sync.Mutex
	out   map[string]agents.Output
	res   map[string]AgentResult
	order []string
}

func (b *build) outputs() map[string]agents.Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]agents.Output, len(b.out))
	for k, v := range b.out {
		out[k] = v
	}
	return out
}

func (b *build) settle(res AgentResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res.Status == agents.StatusSucceeded {
		b.out[res.AgentID] = res.Output
	}
	b.res[res.AgentID] = res
	b.order = append(b.order, res.AgentID)
}

func (b *build) result(id string) (AgentResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.res[id]
	return res, ok
}

// Run executes every agent of the runner's tier for buildID, phase by
// phase. A failed or rejected agent blocks its transitive dependents; the
// rest of the build continues. The returned error reports infrastructure
// failures such as an unwritable ledger, not agent failures.
func (r *Runner) Run(ctx context.Context, buildID string) (Report, error) {
	ctx, done := r.obs.TrackOperation(ctx, "pipeline.run", observability.AttrBuildID.String(buildID),
		observability.AttrTier.String(string(r.tier)))

	report, err := r.run(ctx, buildID)
	done(err)
	return report, err
}

func (r *Runner) run(ctx context.Context, buildID string) (Report, error) {
	report := Report{BuildID: buildID, Tier: r.tier}
	if buildID == "" {
		return report, errors.New("pipeline: build id is required")
	}
	cat, err := r.catalog.ForTier(r.tier)
	if err != nil {
		return report, fmt.Errorf("catalog for tier %s: %w", r.tier, err)
	}

	var phases []agents.Phase
	for _, p := range agents.Phases {
		if len(cat.InPhase(p)) > 0 {
			phases = append(phases, p)
		}
	}

	// A build resumed over a durable store must not extend a chain that was
	// broken while no runner was watching.
	if _, err := r.ledger.VerifyChain(ctx, buildID); err != nil {
		return report, fmt.Errorf("existing chain of %s: %w", buildID, err)
	}

	b := &build{id: buildID, cat: cat, out: map[string]agents.Output{}, res: map[string]AgentResult{}}
	r.logger.InfoContext(ctx, "build started", "build_id", buildID, "tier", r.tier, "agents", cat.Len())

	for i, phase := range phases {
		if err := r.runPhase(ctx, b, cat.InPhase(phase)); err != nil {
			return report, fmt.Errorf("phase %s: %w", phase, err)
		}
		next := agents.Phase("")
		if i+1 < len(phases) {
			next = phases[i+1]
		}
		if err := r.recordTransition(ctx, b, phase, next, cat.InPhase(phase)); err != nil {
			return report, err
		}
	}

	for _, id := range b.order {
		res, _ := b.result(id)
		report.Results = append(report.Results, res)
		switch res.Status {
		case agents.StatusSucceeded:
			report.Succeeded++
		case agents.StatusBlocked:
			report.Blocked++
		default:
			report.Failed++
		}
	}
	report.Passed = report.Failed == 0 && report.Blocked == 0

	completed, err := ledger.NewEntry(buildID, SystemAgentID, ledger.BuildCompleted{
		Tier:      string(r.tier),
		Passed:    report.Passed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Blocked:   report.Blocked,
	})
	if err != nil {
		return report, err
	}
	if _, err := r.ledger.AppendWithLock(ctx, completed); err != nil {
		return report, fmt.Errorf("record build completion: %w", err)
	}

	report.Chain, err = r.ledger.VerifyChain(ctx, buildID)
	if err != nil {
		return report, err
	}
	report.Passed = report.Passed && report.Chain.Valid

	r.logger.InfoContext(ctx, "build finished", "build_id", buildID, "passed", report.Passed,
		"succeeded", report.Succeeded, "failed", report.Failed, "blocked", report.Blocked,
		"entries", report.Chain.Length, "head", report.Chain.Head)
	return report, nil
}

// runPhase runs defs as their dependencies settle, at most parallelism at
// a time. Dependencies in earlier phases have already settled.
func (r *Runner) runPhase(ctx context.Context, b *build, defs []agents.Definition) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	finished := make(chan string, len(defs))
	started := make(map[string]bool, len(defs))
	settled, running := 0, 0

	for settled < len(defs) {
		progressed := true
		for progressed {
			progressed = false
			for _, def := range defs {
				if started[def.ID] {
					continue
				}
				ready, blockedBy := r.readiness(b, def)
				if !ready {
					continue
				}
				started[def.ID] = true
				progressed = true
				if blockedBy != "" {
					r.logger.WarnContext(ctx, "agent blocked", "build_id", b.id, "agent_id", def.ID, "dependency", blockedBy)
					b.settle(AgentResult{
						AgentID: def.ID,
						Phase:   def.Phase,
						Status:  agents.StatusBlocked,
						Reason:  fmt.Sprintf("dependency %s did not succeed", blockedBy),
					})
					settled++
					continue
				}
				if err := r.limiter.Wait(gctx); err != nil {
					return errors.Join(err, g.Wait())
				}
				running++
				g.Go(func() error {
					defer func() { finished <- def.ID }()
					return r.runAgent(gctx, b, def)
				})
			}
		}
		if settled == len(defs) {
			break
		}
		if running == 0 {
			return fmt.Errorf("%w: %d agents wait on dependencies outside the build", ErrUnschedulable, len(defs)-settled)
		}
		select {
		case <-finished:
			running--
			settled++
			if gctx.Err() != nil {
				if err := g.Wait(); err != nil {
					return err
				}
				return gctx.Err()
			}
		case <-gctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return gctx.Err()
		}
	}
	return g.Wait()
}

// readiness reports whether every dependency of def has settled and, if
// one did not succeed, which.
func (r *Runner) readiness(b *build, def agents.Definition) (bool, string) {
	blockedBy := ""
	for _, dep := range def.Dependencies {
		res, ok := b.result(dep)
		if !ok {
			return false, ""
		}
		if res.Status != agents.StatusSucceeded && blockedBy == "" {
			blockedBy = dep
		}
	}
	return true, blockedBy
}

// runAgent prepares, executes, verifies and records one agent. Agent
// failures settle the agent; only ledger failures are returned.
func (r *Runner) runAgent(ctx context.Context, b *build, def agents.Definition) (err error) {
	ctx, done := r.obs.TrackOperation(ctx, "pipeline.run_agent",
		append(observability.BuildAgent(b.id, def.ID), observability.AttrPhase.String(string(def.Phase)))...)
	defer func() { done(err) }()

	res := AgentResult{AgentID: def.ID, Phase: def.Phase}

	prep, err := r.coordinator.PrepareAgentWithConstraints(coordinator.AgentInput{BuildID: b.id}, def, b.outputs(), r.tier)
	if err != nil {
		return err
	}
	res.Constraints = prep.ConstraintText
	if err := r.append(ctx, b.id, def.ID, ledger.ConstraintsInjected{
		Tier:            string(r.tier),
		Dependencies:    def.Dependencies,
		DecisionCount:   len(prep.Decisions.Decisions),
		EstimatedTokens: prep.EstimatedTokens,
		ConstraintHash:  prep.ConstraintHash(),
	}); err != nil {
		return err
	}
	observability.SetSpanAttributes(ctx, observability.AttrEstimatedTok.Int(prep.EstimatedTokens))

	start := r.clock()
	var exec Execution
	res.Attempts, err = retry.Do(ctx, retry.Params{BuildID: b.id, AgentID: def.ID}, retry.FromAgent(def.Retry), r.sleep,
		func(ctx context.Context, attempt int) error {
			actx := ctx
			if def.Timeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(ctx, def.Timeout)
				defer cancel()
			}
			var execErr error
			exec, execErr = r.executor.Execute(actx, prep.Enhanced, def, attempt)
			if execErr != nil {
				r.logger.WarnContext(ctx, "agent attempt failed", "build_id", b.id, "agent_id", def.ID,
					"attempt", attempt, "error", execErr)
			}
			return execErr
		})
	elapsed := r.clock().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res.Status = agents.StatusFailed
		res.Reason = err.Error()
		res.Output = agents.Output{AgentID: def.ID, Status: agents.StatusFailed, Duration: elapsed}
		return r.recordOutput(ctx, b, res)
	}

	id := exec.Identity
	if id.AgentID != def.ID || id.BuildID != b.id {
		res.Status = agents.StatusRejected
		res.Reason = fmt.Sprintf("declared identity %s/%s does not match %s/%s", id.BuildID, id.AgentID, b.id, def.ID)
		res.Output = agents.Output{AgentID: def.ID, Status: agents.StatusRejected, Duration: elapsed}
		return r.recordOutput(ctx, b, res)
	}

	res.Verification, err = r.authority.VerifyAgent(ctx, id)
	if err != nil {
		return err
	}
	res.Invariants = r.engine.VerifyAll(ctx, identity.Verified(id, res.Verification))
	if _, err := r.recorder.Record(ctx, res.Invariants); err != nil {
		return err
	}

	out := exec.Output
	out.AgentID = def.ID
	if out.Duration == 0 {
		out.Duration = elapsed
	}
	switch {
	case !res.Verification.Verified:
		out.Status = agents.StatusRejected
		res.Reason = "identity: " + string(res.Verification.Reason)
	case !res.Invariants.Passed:
		out.Status = agents.StatusRejected
		res.Reason = "invariants: " + failedNames(res.Invariants)
	case out.Status == "":
		out.Status = agents.StatusSucceeded
	}
	res.Status = out.Status
	res.Output = out
	if r.attestor != nil && res.Status == agents.StatusSucceeded {
		if res.Attestation, err = r.attestor.Issue(id, res.Verification); err != nil {
			return fmt.Errorf("attest %s: %w", def.ID, err)
		}
	}
	return r.recordOutput(ctx, b, res)
}

func failedNames(ev invariants.VerificationEvent) string {
	var names []string
	for _, f := range ev.Failed() {
		names = append(names, f.InvariantName)
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}

func (r *Runner) recordOutput(ctx context.Context, b *build, res AgentResult) error {
	hash, err := canonicalize.CanonicalHash(res.Output)
	if err != nil {
		return fmt.Errorf("hash output of %s: %w", res.AgentID, err)
	}
	if err := r.append(ctx, b.id, res.AgentID, ledger.AgentOutputRecorded{
		Status:        string(res.Status),
		OutputHash:    hash,
		ArtifactCount: len(res.Output.Artifacts),
		DecisionCount: len(res.Output.Decisions),
		TokensUsed:    res.Output.TokensUsed,
		DurationNS:    res.Output.Duration.Nanoseconds(),
		Attempts:      max(res.Attempts, 1),
		Reason:        res.Reason,
	}); err != nil {
		return err
	}
	if res.Status != agents.StatusSucceeded {
		res.Blocks = b.cat.TransitiveDependents(res.AgentID)
		r.logger.WarnContext(ctx, "agent did not succeed", "build_id", b.id, "agent_id", res.AgentID,
			"status", res.Status, "reason", res.Reason, "blocks", len(res.Blocks))
	}
	b.settle(res)
	return nil
}

func (r *Runner) append(ctx context.Context, buildID, agentID string, p ledger.Payload) error {
	e, err := ledger.NewEntry(buildID, agentID, p)
	if err != nil {
		return err
	}
	if _, err := r.ledger.AppendWithLock(ctx, e); err != nil {
		return fmt.Errorf("record %s for %s: %w", p.ActionType(), agentID, err)
	}
	return nil
}

// recordTransition writes the phase summary under an explicit build lock.
func (r *Runner) recordTransition(ctx context.Context, b *build, phase, next agents.Phase, defs []agents.Definition) error {
	pt := ledger.PhaseTransition{Phase: string(phase), Next: string(next)}
	for _, def := range defs {
		res, _ := b.result(def.ID)
		switch res.Status {
		case agents.StatusSucceeded:
			pt.Succeeded = append(pt.Succeeded, def.ID)
		case agents.StatusBlocked:
			pt.Blocked = append(pt.Blocked, def.ID)
		default:
			pt.Failed = append(pt.Failed, def.ID)
		}
	}
	e, err := ledger.NewEntry(b.id, SystemAgentID, pt)
	if err != nil {
		return err
	}

	lock, err := r.ledger.LockBuild(ctx, b.id, "phase transition "+string(phase), "")
	if err != nil {
		return fmt.Errorf("lock build for phase %s: %w", phase, err)
	}
	_, appendErr := r.ledger.AppendUnderLock(ctx, lock, e)
	unlockErr := r.ledger.UnlockBuild(context.WithoutCancel(ctx), b.id, lock.Holder)
	if appendErr != nil {
		return fmt.Errorf("record phase transition %s: %w", phase, appendErr)
	}
	if unlockErr != nil {
		return fmt.Errorf("unlock build after phase %s: %w", phase, unlockErr)
	}
	r.logger.InfoContext(ctx, "phase settled", "build_id", b.id, "phase", phase,
		"succeeded", len(pt.Succeeded), "failed", len(pt.Failed), "blocked", len(pt.Blocked))
	return nil
}
