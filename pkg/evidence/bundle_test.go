package evidence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

var exportTime = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func appendPhase(t *testing.T, l *ledger.Ledger, buildID, phase string) {
	t.Helper()
	e, err := ledger.NewEntry(buildID, "forge.pipeline", ledger.PhaseTransition{
		Phase:     phase,
		Succeeded: []string{"requirements-analyst"},
		Failed:    []string{},
		Blocked:   []string{},
	})
	require.NoError(t, err)
	_, err = l.Append(context.Background(), e)
	require.NoError(t, err)
}

func seededLedger(t *testing.T, store ledger.Store) *ledger.Ledger {
	t.Helper()
	l := ledger.New(store, ledger.WithClock(stepClock()))
	appendPhase(t, l, "b-1", "DISCOVERY")
	appendPhase(t, l, "b-1", "ARCHITECTURE")
	appendPhase(t, l, "b-2", "DISCOVERY")
	return l
}

func TestExport_VerifiesOffline(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore())

	b, err := Export(context.Background(), l, "b-1", exportTime)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, b.Version)
	assert.Equal(t, 2, b.Length)
	assert.Len(t, b.Digest, 64)
	assert.Equal(t, "2026-03-02T09:30:00Z", b.ExportedAt)

	head, err := l.Head(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, head, b.Head)

	data, err := Marshal(b)
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)

	v := Verify(parsed)
	assert.True(t, v.Valid, v.Reason)
	assert.Equal(t, 2, v.Chain.Length)

	again, err := Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, data, again, "canonical encoding is stable")
}

func TestExport_Rejects(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore())

	_, err := Export(context.Background(), l, "unknown", exportTime)
	assert.ErrorIs(t, err, ErrEmptyBuild)

	tampered := seededLedger(t, &tamperingStore{MemoryStore: ledger.NewMemoryStore()})
	_, err = Export(context.Background(), tampered, "b-1", exportTime)
	assert.ErrorIs(t, err, ledger.ErrChainBroken)
}

// tamperingStore rewrites the agent of the first entry it returns.
type tamperingStore struct {
	*ledger.MemoryStore
}

func (s *tamperingStore) Entries(ctx context.Context, buildID string) ([]ledger.Entry, error) {
	entries, err := s.MemoryStore.Entries(ctx, buildID)
	if err != nil || len(entries) == 0 {
		return entries, err
	}
	out := append([]ledger.Entry(nil), entries...)
	out[0].AgentID = "someone-else"
	return out, nil
}

func TestVerify_DetectsTampering(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore())
	b, err := Export(context.Background(), l, "b-1", exportTime)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Bundle)
		reason string
	}{
		{"version", func(b *Bundle) { b.Version = "forge.evidence/v0" }, `unsupported version "forge.evidence/v0"`},
		{"digest", func(b *Bundle) { b.BuildID = "b-2" }, "digest mismatch"},
		{"entry", func(b *Bundle) { b.Entries[1].AgentID = "mallory" }, "digest mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := b
			c.Entries = append([]ledger.Entry(nil), b.Entries...)
			tt.mutate(&c)
			v := Verify(c)
			assert.False(t, v.Valid)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}

	t.Run("resealed entry", func(t *testing.T) {
		c := b
		c.Entries = append([]ledger.Entry(nil), b.Entries...)
		c.Entries[0].AgentID = "mallory"
		c.Digest, err = c.computeDigest()
		require.NoError(t, err)

		v := Verify(c)
		assert.False(t, v.Valid)
		assert.Contains(t, v.Reason, "chain broken at entry 0")
		assert.Equal(t, 0, v.Chain.FailedIndex)
	})

	t.Run("truncated", func(t *testing.T) {
		c := b
		c.Entries = b.Entries[:1]
		c.Digest, err = c.computeDigest()
		require.NoError(t, err)

		v := Verify(c)
		assert.False(t, v.Valid)
		assert.Equal(t, "length 1, bundle records 2", v.Reason)
	})
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidBundle)
}
