package invariants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/forge/pkg/identity"
	"github.com/Mindburn-Labs/forge/pkg/observability"
)

var (
	ErrSealProtected    = errors.New("seal invariant cannot be replaced or removed")
	ErrInvalidInvariant = errors.New("invalid invariant")
	ErrUnknownInvariant = errors.New("unknown invariant")
)

// DefaultCheckTimeout bounds a single invariant check.
const DefaultCheckTimeout = 5 * time.Second

// Engine runs registered invariants in registration order. The seal
// invariant is registered at construction and always runs first.
type Engine struct {
	mu         sync.RWMutex
	order      []string
	invariants map[string]Invariant

	timeout time.Duration
	clock   func() time.Time
	logger  *slog.Logger
	obs     *observability.Provider
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCheckTimeout bounds each check. Zero disables the bound.
func WithCheckTimeout(d time.Duration) EngineOption { return func(e *Engine) { e.timeout = d } }

// WithClock overrides the event clock.
func WithClock(clock func() time.Time) EngineOption { return func(e *Engine) { e.clock = clock } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// WithTelemetry sets the observability provider.
func WithTelemetry(p *observability.Provider) EngineOption { return func(e *Engine) { e.obs = p } }

// NewEngine creates an engine holding only the seal invariant.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		invariants: make(map[string]Invariant),
		timeout:    DefaultCheckTimeout,
		clock:      time.Now,
		logger:     slog.Default().With("component", "invariants"),
		obs:        observability.Disabled(),
	}
	for _, opt := range opts {
		opt(e)
	}
	seal := Seal()
	e.order = []string{seal.Name()}
	e.invariants[seal.Name()] = seal
	return e
}

// Register adds inv, or replaces the invariant of the same name in place.
// A nil invariant, including a typed nil, is rejected.
func (e *Engine) Register(inv Invariant) error {
	name, ok := invariantName(inv)
	if !ok {
		return fmt.Errorf("%w: nil invariant", ErrInvalidInvariant)
	}
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidInvariant)
	}
	if name == SealName {
		return fmt.Errorf("%w: %s", ErrSealProtected, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.invariants[name]; !ok {
		e.order = append(e.order, name)
	}
	e.invariants[name] = inv
	return nil
}

// invariantName reports false for a nil inv or one whose Name panics, as a
// typed nil pointer usually does.
func invariantName(inv Invariant) (name string, ok bool) {
	if inv == nil {
		return "", false
	}
	defer func() {
		if recover() != nil {
			name, ok = "", false
		}
	}()
	return inv.Name(), true
}

// Deregister removes the named invariant.
func (e *Engine) Deregister(name string) error {
	if name == SealName {
		return fmt.Errorf("%w: %s", ErrSealProtected, name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.invariants[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvariant, name)
	}
	delete(e.invariants, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns the registered invariant names in evaluation order.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// VerifyAll runs every invariant against id and always returns an event.
// The event passes only if every result passes.
func (e *Engine) VerifyAll(ctx context.Context, id identity.AgentIdentity) VerificationEvent {
	ctx, done := e.obs.TrackOperation(ctx, "invariants.verify_all", observability.BuildAgent(id.BuildID, id.AgentID)...)
	defer done(nil)

	e.mu.RLock()
	invs := make([]Invariant, len(e.order))
	for i, name := range e.order {
		invs[i] = e.invariants[name]
	}
	e.mu.RUnlock()

	ev := VerificationEvent{
		VerificationID: newVerificationID(),
		AgentID:        id.AgentID,
		BuildID:        id.BuildID,
		Results:        make([]Result, 0, len(invs)),
		Passed:         true,
	}
	for _, inv := range invs {
		r := e.run(ctx, inv, id)
		if !r.Passed {
			ev.Passed = false
			e.logger.WarnContext(ctx, "invariant failed",
				"build_id", id.BuildID, "agent_id", id.AgentID,
				"invariant", r.InvariantName, "reason", r.Reason)
		}
		ev.Results = append(ev.Results, r)
	}
	ev.Timestamp = e.clock().UTC()

	observability.SetSpanAttributes(ctx, observability.AttrVerified.Bool(ev.Passed))
	return ev
}

func (e *Engine) run(ctx context.Context, inv Invariant, id identity.AgentIdentity) Result {
	start := e.clock()
	err := e.check(ctx, inv, id)
	r := Result{InvariantName: inv.Name(), Passed: err == nil, Duration: e.clock().Sub(start)}
	if err == nil {
		return r
	}
	var v *Violation
	if errors.As(err, &v) {
		r.Reason = v.Reason
		r.Details = v.Details
	} else {
		r.Reason = "ERROR: " + err.Error()
	}
	return r
}

// check runs one invariant, converting a panic into an error and bounding it
// by the check timeout. A check that ignores its context and overruns is
// abandoned; its result is discarded.
func (e *Engine) check(ctx context.Context, inv Invariant, id identity.AgentIdentity) error {
	if e.timeout <= 0 {
		return safeCheck(ctx, inv, id)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- safeCheck(ctx, inv, id) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("invariant %s did not complete: %w", inv.Name(), ctx.Err())
	}
}

func safeCheck(ctx context.Context, inv Invariant, id identity.AgentIdentity) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return inv.Check(ctx, id)
}
