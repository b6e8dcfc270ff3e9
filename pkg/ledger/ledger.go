package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/forge/pkg/observability"
)

// DefaultLockTimeout bounds how long AppendWithLock waits for a build lock.
const DefaultLockTimeout = 10 * time.Second

// EntryCheck is a custom invariant run by VerifyAndAppend against a drafted
// entry (PreviousHash, Sequence and Timestamp already set) and the build's
// committed chain. A non-nil error rejects the entry.
type EntryCheck struct {
	Name  string
	Check func(ctx context.Context, draft Entry, chain []Entry) error
}

// VerifyAndAppendResult is the outcome of VerifyAndAppend.
type VerifyAndAppendResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// Halt records why a build stopped accepting entries.
type Halt struct {
	BuildID string    `json:"build_id"`
	Index   int       `json:"index"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Ledger is the governance ledger over a Store and a LockTable.
type Ledger struct {
	store       Store
	locks       LockTable
	schemas     *Schemas
	checks      []EntryCheck
	clock       func() time.Time
	lockTimeout time.Duration
	logger      *slog.Logger
	obs         *observability.Provider

	haltMu sync.RWMutex
	halted map[string]Halt
	// verified holds builds whose stored chain this Ledger has checked in
	// full. Later appends only re-hash the head.
	verified map[string]bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTable replaces the in-process lock table.
func WithLockTable(t LockTable) Option { return func(l *Ledger) { l.locks = t } }

// WithClock overrides the entry timestamp source.
func WithClock(clock func() time.Time) Option { return func(l *Ledger) { l.clock = clock } }

// WithLockTimeout bounds the wait of AppendWithLock and VerifyAndAppend.
func WithLockTimeout(d time.Duration) Option { return func(l *Ledger) { l.lockTimeout = d } }

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithSchemas replaces the action data schemas.
func WithSchemas(s *Schemas) Option { return func(l *Ledger) { l.schemas = s } }

// WithEntryCheck adds a custom VerifyAndAppend invariant.
func WithEntryCheck(c EntryCheck) Option {
	return func(l *Ledger) { l.checks = append(l.checks, c) }
}

// WithTelemetry sets the observability provider.
func WithTelemetry(p *observability.Provider) Option { return func(l *Ledger) { l.obs = p } }

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		locks:       NewMemoryLockTable(),
		clock:       time.Now,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default().With("component", "ledger"),
		obs:         observability.Disabled(),
		halted:      make(map[string]Halt),
		verified:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.schemas == nil {
		l.schemas = MustDefaultSchemas()
	}
	return l
}

// Append links e to the head of its build, hashes and persists it, and
// returns the new hash. It does not take the build lock: a concurrent
// writer that commits first makes it fail with ErrStaleHead. Use
// AppendWithLock when more than one writer may touch the build.
func (l *Ledger) Append(ctx context.Context, e Entry) (string, error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.append",
		observability.AttrBuildID.String(e.BuildID),
		observability.AttrActionType.String(string(e.ActionType)))
	committed, err := l.commit(ctx, e)
	done(err)
	if err != nil {
		return "", err
	}
	return committed.LedgerHash, nil
}

// AppendWithLock waits for the build lock, appends e and releases the lock.
// Once the lock is held the write is detached from ctx cancellation, so it
// either commits completely or not at all.
func (l *Ledger) AppendWithLock(ctx context.Context, e Entry) (string, error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.append_with_lock",
		observability.AttrBuildID.String(e.BuildID),
		observability.AttrActionType.String(string(e.ActionType)))

	var hash string
	err := l.withLock(ctx, e.BuildID, "append "+string(e.ActionType), func(wctx context.Context) error {
		committed, err := l.commit(wctx, e)
		if err != nil {
			return err
		}
		hash = committed.LedgerHash
		return nil
	})
	done(err)
	return hash, err
}

// AppendUnderLock appends e for a caller holding lock, taken earlier with
// LockBuild. It fails with ErrNotLockHolder if lock is not the build's
// current lock.
func (l *Ledger) AppendUnderLock(ctx context.Context, lock BuildLock, e Entry) (string, error) {
	if lock.BuildID != e.BuildID {
		return "", fmt.Errorf("%w: lock is for %s, entry for %s", ErrNotLockHolder, lock.BuildID, e.BuildID)
	}
	cur, ok, err := l.locks.Get(ctx, e.BuildID)
	if err != nil {
		return "", fmt.Errorf("read build lock %s: %w", e.BuildID, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotLocked, e.BuildID)
	}
	if cur.Holder != lock.Holder {
		return "", fmt.Errorf("%w: %s held by %s", ErrNotLockHolder, e.BuildID, cur.Holder)
	}

	wctx := context.WithoutCancel(ctx)
	wctx, done := l.obs.TrackOperation(wctx, "ledger.append_under_lock",
		observability.AttrBuildID.String(e.BuildID),
		observability.AttrActionType.String(string(e.ActionType)))
	committed, err := l.commit(wctx, e)
	done(err)
	if err != nil {
		return "", err
	}
	return committed.LedgerHash, nil
}

// VerifyAndAppend runs the entry invariants under the build lock and appends
// e only if all of them pass. A failing invariant leaves the ledger
// untouched and is reported in the result, not as an error. The returned
// error is non-nil for lock, store and consistency failures.
func (l *Ledger) VerifyAndAppend(ctx context.Context, e Entry) (VerifyAndAppendResult, error) {
	ctx, done := l.obs.TrackOperation(ctx, "ledger.verify_and_append",
		observability.AttrBuildID.String(e.BuildID),
		observability.AttrActionType.String(string(e.ActionType)))

	var res VerifyAndAppendResult
	err := l.withLock(ctx, e.BuildID, "verify and append "+string(e.ActionType), func(wctx context.Context) error {
		if err := l.checkHalt(e.BuildID); err != nil {
			return err
		}
		if err := validateFields(e); err != nil {
			res.Reason = "entry.fields: " + err.Error()
			return nil
		}
		if err := l.schemas.Validate(e.ActionType, e.ActionData); err != nil {
			res.Reason = "entry.schema: " + err.Error()
			return nil
		}

		chain, err := l.store.Entries(wctx, e.BuildID)
		if err != nil {
			return fmt.Errorf("load chain %s: %w", e.BuildID, err)
		}
		report := CheckChain(chain)
		if !report.Valid {
			res.Reason = "chain.intact: " + report.Reason
			l.halt(e.BuildID, report.FailedIndex, report.Reason)
			return fmt.Errorf("%w: build %s at index %d: %s", ErrChainBroken, e.BuildID, report.FailedIndex, report.Reason)
		}
		l.markVerified(e.BuildID)

		draft, err := l.draft(e, chain)
		if err != nil {
			return err
		}
		for _, c := range l.checks {
			if err := c.Check(wctx, draft, chain); err != nil {
				res.Reason = c.Name + ": " + err.Error()
				return nil
			}
		}

		if err := l.store.Append(wctx, draft); err != nil {
			return fmt.Errorf("persist entry for build %s: %w", e.BuildID, err)
		}
		res = VerifyAndAppendResult{Success: true, Hash: draft.LedgerHash}
		return nil
	})
	if err == nil && !res.Success {
		l.logger.WarnContext(ctx, "entry rejected",
			"build_id", e.BuildID, "agent_id", e.AgentID, "action_type", e.ActionType, "reason", res.Reason)
	}
	done(err)
	return res, err
}

// LockBuild takes the build lock without waiting, for a caller that needs
// exclusivity across several appends. It returns ErrLockContention if the
// build is already locked.
func (l *Ledger) LockBuild(ctx context.Context, buildID, reason, holder string) (BuildLock, error) {
	if holder == "" {
		holder = "lock-" + uuid.NewString()
	}
	lock := BuildLock{BuildID: buildID, Reason: reason, Holder: holder, AcquiredAt: l.clock().UTC()}
	if err := l.locks.TryLock(ctx, lock); err != nil {
		return BuildLock{}, err
	}
	l.logger.InfoContext(ctx, "build locked", "build_id", buildID, "holder", holder, "reason", reason)
	return lock, nil
}

// UnlockBuild releases the build lock held by operator.
func (l *Ledger) UnlockBuild(ctx context.Context, buildID, operator string) error {
	if err := l.locks.Unlock(ctx, buildID, operator); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "build unlocked", "build_id", buildID, "operator", operator)
	return nil
}

// GetBuildLock returns the current lock of a build, if any.
func (l *Ledger) GetBuildLock(ctx context.Context, buildID string) (BuildLock, bool, error) {
	return l.locks.Get(ctx, buildID)
}

// VerifyChain checks the whole chain of a build. A broken chain halts the
// build and is returned as ErrChainBroken alongside the report.
func (l *Ledger) VerifyChain(ctx context.Context, buildID string) (ChainReport, error) {
	entries, err := l.store.Entries(ctx, buildID)
	if err != nil {
		return ChainReport{}, fmt.Errorf("load chain %s: %w", buildID, err)
	}
	report := CheckChain(entries)
	if !report.Valid {
		l.halt(buildID, report.FailedIndex, report.Reason)
		return report, fmt.Errorf("%w: build %s at index %d: %s", ErrChainBroken, buildID, report.FailedIndex, report.Reason)
	}
	l.markVerified(buildID)
	return report, nil
}

// Halted returns the halt record of a build, if it is halted.
func (l *Ledger) Halted(buildID string) (Halt, bool) {
	l.haltMu.RLock()
	defer l.haltMu.RUnlock()
	h, ok := l.halted[buildID]
	return h, ok
}

// ClearHalt lifts a halt after manual review. Nothing is repaired: if the
// chain is still broken the next append or verification halts it again.
func (l *Ledger) ClearHalt(buildID, operator string) error {
	l.haltMu.Lock()
	h, ok := l.halted[buildID]
	delete(l.halted, buildID)
	delete(l.verified, buildID)
	l.haltMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHalted, buildID)
	}
	l.logger.Warn("build halt cleared", "build_id", buildID, "operator", operator, "halt_reason", h.Reason)
	return nil
}

// Entries returns the committed chain of a build.
func (l *Ledger) Entries(ctx context.Context, buildID string) ([]Entry, error) {
	return l.store.Entries(ctx, buildID)
}

// Head returns the hash new entries of a build link to.
func (l *Ledger) Head(ctx context.Context, buildID string) (string, error) {
	head, ok, err := l.store.Head(ctx, buildID)
	if err != nil {
		return "", err
	}
	if !ok {
		return Genesis, nil
	}
	return head.LedgerHash, nil
}

// Builds returns every build with at least one entry.
func (l *Ledger) Builds(ctx context.Context) ([]string, error) {
	return l.store.Builds(ctx)
}

func (l *Ledger) withLock(ctx context.Context, buildID, reason string, fn func(context.Context) error) error {
	holder := "append-" + uuid.NewString()
	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()

	lock := BuildLock{BuildID: buildID, Reason: reason, Holder: holder, AcquiredAt: l.clock().UTC()}
	if err := l.locks.Lock(lockCtx, lock); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s after %s", ErrLockTimeout, buildID, l.lockTimeout)
		}
		return fmt.Errorf("acquire build lock %s: %w", buildID, err)
	}

	wctx := context.WithoutCancel(ctx)
	defer func() {
		if err := l.locks.Unlock(wctx, buildID, holder); err != nil {
			l.logger.ErrorContext(wctx, "failed to release build lock", "build_id", buildID, "holder", holder, "error", err)
		}
	}()
	return fn(wctx)
}

// commit validates e, links it to the head and persists it.
func (l *Ledger) commit(ctx context.Context, e Entry) (Entry, error) {
	if err := l.checkHalt(e.BuildID); err != nil {
		return Entry{}, err
	}
	if err := validateFields(e); err != nil {
		return Entry{}, err
	}
	if err := l.schemas.Validate(e.ActionType, e.ActionData); err != nil {
		return Entry{}, err
	}
	if err := l.verifyOnce(ctx, e.BuildID); err != nil {
		return Entry{}, err
	}

	head, ok, err := l.store.Head(ctx, e.BuildID)
	if err != nil {
		return Entry{}, fmt.Errorf("read head of %s: %w", e.BuildID, err)
	}
	var chain []Entry
	if ok {
		// The head is the only entry new data depends on; re-hash it so a
		// tampered head is never extended.
		h, err := ComputeHash(head)
		if err != nil || h != head.LedgerHash {
			reason := fmt.Sprintf("head entry %d content hash mismatch", head.Sequence)
			l.halt(e.BuildID, int(head.Sequence), reason)
			return Entry{}, fmt.Errorf("%w: build %s: %s", ErrChainBroken, e.BuildID, reason)
		}
		chain = []Entry{head}
	}

	draft, err := l.draft(e, chain)
	if err != nil {
		return Entry{}, err
	}
	if err := l.store.Append(ctx, draft); err != nil {
		return Entry{}, fmt.Errorf("persist entry for build %s: %w", e.BuildID, err)
	}
	draft.Immutable = true

	l.logger.DebugContext(ctx, "entry appended",
		"build_id", draft.BuildID,
		"agent_id", draft.AgentID,
		"action_type", draft.ActionType,
		"sequence", draft.Sequence,
		"hash", draft.LedgerHash,
	)
	return draft, nil
}

// draft links e to the last entry of chain (Genesis when empty), stamps it
// with the ledger clock and computes its hash.
func (l *Ledger) draft(e Entry, chain []Entry) (Entry, error) {
	e.PreviousHash = Genesis
	e.Sequence = 0
	if n := len(chain); n > 0 {
		last := chain[n-1]
		e.PreviousHash = last.LedgerHash
		e.Sequence = last.Sequence + 1
	}
	e.Timestamp = l.clock().UTC()
	e.Immutable = false

	h, err := ComputeHash(e)
	if err != nil {
		return Entry{}, err
	}
	e.LedgerHash = h
	return e, nil
}

// verifyOnce checks the stored chain of buildID in full the first time this
// Ledger extends it. Halts are not persisted, so a chain broken before this
// process started is caught here rather than extended.
func (l *Ledger) verifyOnce(ctx context.Context, buildID string) error {
	l.haltMu.RLock()
	done := l.verified[buildID]
	l.haltMu.RUnlock()
	if done {
		return nil
	}
	chain, err := l.store.Entries(ctx, buildID)
	if err != nil {
		return fmt.Errorf("load chain %s: %w", buildID, err)
	}
	report := CheckChain(chain)
	if !report.Valid {
		l.halt(buildID, report.FailedIndex, report.Reason)
		return fmt.Errorf("%w: build %s at index %d: %s", ErrChainBroken, buildID, report.FailedIndex, report.Reason)
	}
	l.markVerified(buildID)
	return nil
}

func (l *Ledger) markVerified(buildID string) {
	l.haltMu.Lock()
	l.verified[buildID] = true
	l.haltMu.Unlock()
}

func (l *Ledger) checkHalt(buildID string) error {
	if h, ok := l.Halted(buildID); ok {
		return fmt.Errorf("%w: %s since %s: %s", ErrBuildHalted, buildID, h.At.Format(time.RFC3339), h.Reason)
	}
	return nil
}

func (l *Ledger) halt(buildID string, index int, reason string) {
	l.haltMu.Lock()
	defer l.haltMu.Unlock()
	if _, ok := l.halted[buildID]; ok {
		return
	}
	l.halted[buildID] = Halt{BuildID: buildID, Index: index, Reason: reason, At: l.clock().UTC()}
	l.logger.Error("build halted: ledger chain broken", "build_id", buildID, "index", index, "reason", reason)
}
