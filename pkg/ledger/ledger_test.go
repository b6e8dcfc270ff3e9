package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func identityEntry(t *testing.T, buildID, agentID string, verified bool) Entry {
	t.Helper()
	p := IdentityVerification{
		Version:     "1.2.3",
		Role:        "ARCHITECT",
		Fingerprint: "ab12",
		Verified:    verified,
		DurationNS:  1500,
	}
	if !verified {
		p.Reason = "INVALID_FINGERPRINT_FORMAT"
	}
	e, err := NewEntry(buildID, agentID, p)
	require.NoError(t, err)
	return e
}

func newTestLedger(opts ...Option) (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	opts = append([]Option{WithClock(stepClock())}, opts...)
	return New(store, opts...), store
}

func TestAppend_LinksToGenesisAndHead(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	h0, err := l.Append(ctx, identityEntry(t, "b-1", "a-1", true))
	require.NoError(t, err)
	h1, err := l.Append(ctx, identityEntry(t, "b-1", "a-2", false))
	require.NoError(t, err)
	assert.NotEqual(t, h0, h1)

	entries, err := l.Entries(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Genesis, entries[0].PreviousHash)
	assert.Equal(t, h0, entries[0].LedgerHash)
	assert.Equal(t, h0, entries[1].PreviousHash)
	assert.Equal(t, uint64(1), entries[1].Sequence)
	assert.True(t, entries[0].Immutable)

	head, err := l.Head(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, h1, head)

	empty, err := l.Head(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, Genesis, empty)
}

func TestAppend_Rejects(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	good := identityEntry(t, "b-1", "a-1", true)

	missingBuild := good
	missingBuild.BuildID = ""
	_, err := l.Append(ctx, missingBuild)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	unknown := good
	unknown.ActionType = "TELEPORT"
	_, err = l.Append(ctx, unknown)
	assert.ErrorIs(t, err, ErrUnknownActionType)

	badData := good
	badData.ActionData = json.RawMessage(`{"version":"1.0.0"}`)
	_, err = l.Append(ctx, badData)
	assert.ErrorIs(t, err, ErrInvalidEntry)

	entries, err := l.Entries(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckChain_DetectsMutationAtIndex(t *testing.T) {
	ctx := context.Background()
	const n = 6
	for target := 0; target < n; target++ {
		t.Run(fmt.Sprintf("mutate_%d", target), func(t *testing.T) {
			l, store := newTestLedger()
			for i := 0; i < n; i++ {
				_, err := l.Append(ctx, identityEntry(t, "b-1", fmt.Sprintf("a-%d", i), i%2 == 0))
				require.NoError(t, err)
			}
			report, err := l.VerifyChain(ctx, "b-1")
			require.NoError(t, err)
			require.True(t, report.Valid)
			assert.Equal(t, n, report.Length)

			store.builds["b-1"][target].ActionData = json.RawMessage(
				`{"version":"9.9.9","role":"ARCHITECT","fingerprint":"ab12","verified":true,"duration_ns":1}`)

			report, err = l.VerifyChain(ctx, "b-1")
			require.ErrorIs(t, err, ErrChainBroken)
			assert.False(t, report.Valid)
			assert.Equal(t, target, report.FailedIndex)

			_, err = l.Append(ctx, identityEntry(t, "b-1", "late", true))
			assert.ErrorIs(t, err, ErrBuildHalted)
		})
	}
}

func TestCheckChain_RewrittenHashCaughtByNextLink(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, identityEntry(t, "b-1", fmt.Sprintf("a-%d", i), true))
		require.NoError(t, err)
	}

	// Rewrite entry 1 consistently with its own stored hash; only the link
	// from entry 2 still reveals it.
	e := store.builds["b-1"][1]
	e.AgentID = "impostor"
	h, err := ComputeHash(e)
	require.NoError(t, err)
	e.LedgerHash = h
	store.builds["b-1"][1] = e

	report := CheckChain(store.builds["b-1"])
	assert.False(t, report.Valid)
	assert.Equal(t, 1, report.FailedIndex)
}

func TestCheckChain_EdgeCases(t *testing.T) {
	report := CheckChain(nil)
	assert.True(t, report.Valid)
	assert.Equal(t, Genesis, report.Head)
	assert.Equal(t, -1, report.FailedIndex)

	l, store := newTestLedger()
	_, err := l.Append(context.Background(), identityEntry(t, "b-1", "a", true))
	require.NoError(t, err)

	forged := store.builds["b-1"][0]
	forged.PreviousHash = forged.LedgerHash
	report = CheckChain([]Entry{forged})
	assert.False(t, report.Valid)
	assert.Equal(t, 0, report.FailedIndex)
}

func TestAppend_TamperedHeadHaltsBuild(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, identityEntry(t, "b-1", "a-1", true))
	require.NoError(t, err)
	store.builds["b-1"][0].AgentID = "someone-else"

	_, err = l.Append(ctx, identityEntry(t, "b-1", "a-2", true))
	require.ErrorIs(t, err, ErrChainBroken)

	_, halted := l.Halted("b-1")
	assert.True(t, halted)
	_, err = l.AppendWithLock(ctx, identityEntry(t, "b-1", "a-2", true))
	assert.ErrorIs(t, err, ErrBuildHalted)

	// Other builds are unaffected.
	_, err = l.Append(ctx, identityEntry(t, "b-2", "a-1", true))
	assert.NoError(t, err)

	require.NoError(t, l.ClearHalt("b-1", "ops@forge"))
	assert.ErrorIs(t, l.ClearHalt("b-1", "ops@forge"), ErrNotHalted)
}

func TestAppend_FreshLedgerRefusesBrokenChain(t *testing.T) {
	first, store := newTestLedger()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := first.Append(ctx, identityEntry(t, "b-1", fmt.Sprintf("a-%d", i), true))
		require.NoError(t, err)
	}
	store.builds["b-1"][1].AgentID = "impostor"

	// A later process sees only the store; the halt of the first ledger is
	// not visible to it.
	second := New(store, WithClock(stepClock()))
	_, err := second.AppendWithLock(ctx, identityEntry(t, "b-1", "late", true))
	require.ErrorIs(t, err, ErrChainBroken)
	h, ok := second.Halted("b-1")
	require.True(t, ok)
	assert.Equal(t, 1, h.Index)

	_, err = second.Append(ctx, identityEntry(t, "b-1", "late", true))
	assert.ErrorIs(t, err, ErrBuildHalted)

	// Clearing without repair re-checks the chain on the next append.
	require.NoError(t, second.ClearHalt("b-1", "ops@forge"))
	_, err = second.Append(ctx, identityEntry(t, "b-1", "late", true))
	assert.ErrorIs(t, err, ErrChainBroken)

	assert.Len(t, store.builds["b-1"], 3)
	assert.Equal(t, 1, CheckChain(store.builds["b-1"]).FailedIndex)

	_, err = New(store).Append(ctx, identityEntry(t, "b-2", "a-0", true))
	assert.NoError(t, err, "other builds are unaffected")
}

func TestMemoryStore_RejectsStaleHead(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	_, err := l.Append(ctx, identityEntry(t, "b-1", "a-1", true))
	require.NoError(t, err)

	stale := identityEntry(t, "b-1", "a-2", true)
	stale.PreviousHash = Genesis
	stale.Sequence = 0
	err = store.Append(ctx, stale)
	assert.ErrorIs(t, err, ErrStaleHead)
}

func TestAppendWithLock_SameBuildIsSerial(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		e := identityEntry(t, "b-1", fmt.Sprintf("a-%d", i), true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.AppendWithLock(ctx, e)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := l.Entries(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, entries, writers)

	prev := map[string]bool{}
	for _, e := range entries {
		assert.False(t, prev[e.PreviousHash], "previous hash %s shared", e.PreviousHash)
		prev[e.PreviousHash] = true
	}
	report, err := l.VerifyChain(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)

	_, held, err := l.GetBuildLock(ctx, "b-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAppendWithLock_DifferentBuildsNeverBlock(t *testing.T) {
	l, _ := newTestLedger(WithLockTimeout(5 * time.Second))
	ctx := context.Background()

	lock, err := l.LockBuild(ctx, "b-1", "phase transition", "scheduler")
	require.NoError(t, err)
	defer func() { _ = l.UnlockBuild(ctx, lock.BuildID, lock.Holder) }()

	e := identityEntry(t, "b-2", "a-1", true)
	done := make(chan error, 1)
	go func() {
		_, err := l.AppendWithLock(ctx, e)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("append to an unlocked build blocked on another build's lock")
	}
}

func TestAppendWithLock_WaitsForRelease(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	lock, err := l.LockBuild(ctx, "b-1", "maintenance", "ops")
	require.NoError(t, err)

	e := identityEntry(t, "b-1", "a-1", true)
	done := make(chan error, 1)
	go func() {
		_, err := l.AppendWithLock(ctx, e)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("append completed while build was locked")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, l.UnlockBuild(ctx, "b-1", lock.Holder))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("append not woken by unlock")
	}
}

func TestAppendWithLock_Timeout(t *testing.T) {
	l, _ := newTestLedger(WithLockTimeout(20 * time.Millisecond))
	ctx := context.Background()

	_, err := l.LockBuild(ctx, "b-1", "maintenance", "ops")
	require.NoError(t, err)

	_, err = l.AppendWithLock(ctx, identityEntry(t, "b-1", "a-1", true))
	assert.ErrorIs(t, err, ErrLockTimeout)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.AppendWithLock(cctx, identityEntry(t, "b-1", "a-1", true))
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := l.Entries(ctx, "b-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type cancellingStore struct {
	*MemoryStore
	cancel context.CancelFunc
}

func (s cancellingStore) Append(ctx context.Context, e Entry) error {
	s.cancel()
	return s.MemoryStore.Append(ctx, e)
}

func TestAppendWithLock_CommitSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cancellingStore{MemoryStore: NewMemoryStore(), cancel: cancel}
	l := New(store, WithClock(stepClock()))

	hash, err := l.AppendWithLock(ctx, identityEntry(t, "b-1", "a-1", true))
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	entries, err := store.Entries(context.Background(), "b-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, hash, entries[0].LedgerHash)
}

func TestLockLifecycle(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	lock, err := l.LockBuild(ctx, "b-1", "phase DATA", "scheduler")
	require.NoError(t, err)
	assert.Equal(t, "scheduler", lock.Holder)
	assert.False(t, lock.AcquiredAt.IsZero())

	_, err = l.LockBuild(ctx, "b-1", "other", "intruder")
	assert.ErrorIs(t, err, ErrLockContention)

	got, ok, err := l.GetBuildLock(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lock, got)

	assert.ErrorIs(t, l.UnlockBuild(ctx, "b-1", "intruder"), ErrNotLockHolder)
	require.NoError(t, l.UnlockBuild(ctx, "b-1", "scheduler"))
	assert.ErrorIs(t, l.UnlockBuild(ctx, "b-1", "scheduler"), ErrNotLocked)

	generated, err := l.LockBuild(ctx, "b-1", "auto holder", "")
	require.NoError(t, err)
	assert.NotEmpty(t, generated.Holder)
}

func TestAppendUnderLock(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	e, err := NewEntry("b-1", "scheduler", PhaseTransition{Phase: "DISCOVERY", Next: "ARCHITECTURE", Succeeded: []string{"a"}})
	require.NoError(t, err)

	_, err = l.AppendUnderLock(ctx, BuildLock{BuildID: "b-1", Holder: "scheduler"}, e)
	assert.ErrorIs(t, err, ErrNotLocked)

	lock, err := l.LockBuild(ctx, "b-1", "phase transition", "scheduler")
	require.NoError(t, err)

	_, err = l.AppendUnderLock(ctx, BuildLock{BuildID: "b-1", Holder: "someone"}, e)
	assert.ErrorIs(t, err, ErrNotLockHolder)

	h1, err := l.AppendUnderLock(ctx, lock, e)
	require.NoError(t, err)
	done, err := NewEntry("b-1", "scheduler", BuildCompleted{Tier: "basic", Passed: true, Succeeded: 1})
	require.NoError(t, err)
	h2, err := l.AppendUnderLock(ctx, lock, done)
	require.NoError(t, err)
	require.NoError(t, l.UnlockBuild(ctx, "b-1", lock.Holder))

	entries, err := l.Entries(ctx, "b-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, h1, entries[1].PreviousHash)
	assert.Equal(t, h2, entries[1].LedgerHash)

	var pt PhaseTransition
	require.NoError(t, entries[0].Decode(&pt))
	assert.Equal(t, "ARCHITECTURE", pt.Next)
	assert.Error(t, entries[0].Decode(&BuildCompleted{}))
}

func TestVerifyAndAppend(t *testing.T) {
	ctx := context.Background()
	noSelfApproval := EntryCheck{
		Name: "agent.not_scheduler",
		Check: func(_ context.Context, draft Entry, _ []Entry) error {
			if draft.AgentID == "scheduler" && draft.ActionType == ActionIdentityVerification {
				return errors.New("scheduler cannot verify itself")
			}
			return nil
		},
	}
	l, _ := newTestLedger(WithEntryCheck(noSelfApproval))

	res, err := l.VerifyAndAppend(ctx, identityEntry(t, "b-1", "a-1", true))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Hash, 64)

	bad := identityEntry(t, "b-1", "a-2", true)
	bad.ActionData = json.RawMessage(`{"verified":"yes"}`)
	res, err = l.VerifyAndAppend(ctx, bad)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "entry.schema")

	res, err = l.VerifyAndAppend(ctx, identityEntry(t, "b-1", "scheduler", true))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "agent.not_scheduler")

	missing := identityEntry(t, "b-1", "", true)
	res, err = l.VerifyAndAppend(ctx, missing)
	require.NoError(t, err)
	assert.Contains(t, res.Reason, "entry.fields")

	entries, err := l.Entries(ctx, "b-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejected entries must leave the ledger untouched")
}

func TestVerifyAndAppend_BrokenChain(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, identityEntry(t, "b-1", fmt.Sprintf("a-%d", i), true))
		require.NoError(t, err)
	}
	store.builds["b-1"][0].AgentID = "forged"

	res, err := l.VerifyAndAppend(ctx, identityEntry(t, "b-1", "a-9", true))
	require.ErrorIs(t, err, ErrChainBroken)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "chain.intact")

	h, ok := l.Halted("b-1")
	require.True(t, ok)
	assert.Equal(t, 0, h.Index)
}

func TestSchemas_Register(t *testing.T) {
	s, err := DefaultSchemas()
	require.NoError(t, err)
	for _, at := range []ActionType{
		ActionIdentityVerification, ActionInvariantVerification, ActionConstraintsInjected,
		ActionAgentOutputRecorded, ActionPhaseTransition, ActionBuildCompleted,
	} {
		assert.True(t, s.Known(at), at)
	}

	assert.False(t, s.Known("OPERATOR_NOTE"))
	require.NoError(t, s.Register("OPERATOR_NOTE", []byte(`{"type":"object","required":["note"]}`)))
	assert.NoError(t, s.Validate("OPERATOR_NOTE", []byte(`{"note":"reviewed"}`)))
	assert.ErrorIs(t, s.Validate("OPERATOR_NOTE", []byte(`{}`)), ErrInvalidEntry)

	assert.Error(t, s.Register("BROKEN", []byte(`{"type":`)))
}

func TestSchemas_ValidateDecodedNumbers(t *testing.T) {
	s := MustDefaultSchemas()

	ok := []byte(`{"tier":"basic","passed":true,"succeeded":12,"failed":0,"blocked":0}`)
	assert.NoError(t, s.Validate(ActionBuildCompleted, ok))

	for name, data := range map[string]string{
		"fractional count": `{"tier":"basic","passed":true,"succeeded":1.5,"failed":0,"blocked":0}`,
		"negative count":   `{"tier":"basic","passed":true,"succeeded":-1,"failed":0,"blocked":0}`,
		"unknown tier":     `{"tier":"gold","passed":true,"succeeded":1,"failed":0,"blocked":0}`,
		"not json":         `{"tier":`,
	} {
		assert.ErrorIs(t, s.Validate(ActionBuildCompleted, []byte(data)), ErrInvalidEntry, name)
	}
	assert.ErrorIs(t, s.Validate("OPERATOR_NOTE", ok), ErrUnknownActionType)
}

func TestComputeHash_IgnoresKeyOrder(t *testing.T) {
	e := identityEntry(t, "b-1", "a-1", true)
	e.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.PreviousHash = Genesis

	h1, err := ComputeHash(e)
	require.NoError(t, err)

	e.ActionData = json.RawMessage(`{ "verified": true, "version": "1.2.3", "role": "ARCHITECT", "fingerprint": "ab12", "duration_ns": 1500 }`)
	h2, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	e.Timestamp = e.Timestamp.In(time.FixedZone("CET", 3600))
	h3, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	e.Sequence = 42
	h4, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h4)
}
