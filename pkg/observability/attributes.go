package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for forge spans and metrics.
var (
	AttrOperation = attribute.Key("forge.operation")

	AttrBuildID  = attribute.Key("forge.build.id")
	AttrAgentID  = attribute.Key("forge.agent.id")
	AttrPhase    = attribute.Key("forge.phase")
	AttrTier     = attribute.Key("forge.tier")
	AttrAttempt  = attribute.Key("forge.attempt")
	AttrVerified = attribute.Key("forge.verified")

	AttrActionType   = attribute.Key("forge.ledger.action_type")
	AttrLedgerHash   = attribute.Key("forge.ledger.hash")
	AttrInvariant    = attribute.Key("forge.invariant.name")
	AttrReason       = attribute.Key("forge.reason")
	AttrEstimatedTok = attribute.Key("forge.constraints.estimated_tokens")
)

// BuildAgent returns the attributes identifying one agent within a build.
func BuildAgent(buildID, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBuildID.String(buildID),
		AttrAgentID.String(agentID),
	}
}

// AddSpanEvent adds an event to the span in ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanAttributes sets attributes on the span in ctx.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
