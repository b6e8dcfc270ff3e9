package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "forge", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderWithNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNewProviderEnabled(t *testing.T) {
	// Exporters connect lazily, so construction succeeds without a collector.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Insecure = true
	cfg.SampleRate = 0.5
	p, err := New(ctx, cfg)
	if err != nil {
		t.Logf("provider creation failed (expected in some environments): %v", err)
		return
	}
	_, done := p.TrackOperation(ctx, "forge.test")
	done(nil)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShutdown()
	require.NoError(t, p.Shutdown(shutdownCtx))
}

func TestTrackOperation(t *testing.T) {
	p := Disabled()

	ctx, done := p.TrackOperation(context.Background(), "ledger.append", BuildAgent("b-1", "a-1")...)
	require.NotNil(t, ctx)
	AddSpanEvent(ctx, "chain.extended", AttrLedgerHash.String("abc"))
	SetSpanAttributes(ctx, AttrVerified.Bool(true))
	done(nil)

	_, done = p.TrackOperation(context.Background(), "ledger.append")
	done(errors.New("boom"))
}

func TestBuildAgent(t *testing.T) {
	attrs := BuildAgent("b-1", "a-1")
	require.Len(t, attrs, 2)
	require.Equal(t, AttrBuildID, attrs[0].Key)
	require.Equal(t, "b-1", attrs[0].Value.AsString())
	require.Equal(t, AttrAgentID, attrs[1].Key)
}
