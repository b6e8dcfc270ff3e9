// Package retry computes deterministic retry schedules for agent runs.
//
// Delays are exponential with jitter derived from the build, agent and
// attempt, so replaying a build reproduces its schedule exactly.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/forge/pkg/agents"
)

// Params identifies one attempt.
type Params struct {
	BuildID string
	AgentID string
	// Attempt is zero-based; attempt 0 never waits.
	Attempt int
}

// Policy is a normalised agents.RetryPolicy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxJitter bounds the deterministic jitter added to each delay.
	MaxJitter time.Duration
}

// FromAgent normalises p: at least one attempt, MaxDelay no smaller than
// BaseDelay, and jitter up to half the base delay.
func FromAgent(p agents.RetryPolicy) Policy {
	out := Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   p.BaseDelay,
		MaxDelay:    p.MaxDelay,
		MaxJitter:   p.BaseDelay / 2,
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.BaseDelay < 0 {
		out.BaseDelay = 0
	}
	if out.MaxDelay < out.BaseDelay {
		out.MaxDelay = out.BaseDelay
	}
	return out
}

// Backoff returns the delay before the given attempt.
func Backoff(params Params, policy Policy) time.Duration {
	if params.Attempt <= 0 {
		return 0
	}
	// delay = base * 2^(attempt-1), capped
	exp := params.Attempt - 1
	if exp > 30 {
		exp = 30
	}
	delay := policy.BaseDelay << exp
	if delay > policy.MaxDelay || delay < 0 {
		delay = policy.MaxDelay
	}
	return delay + Jitter(params, policy)
}

// Jitter is a pseudo-random offset in [0, MaxJitter) seeded by params.
func Jitter(params Params, policy Policy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.BuildID, params.AgentID, params.Attempt)
	sum := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
