package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
	"github.com/Mindburn-Labs/forge/pkg/observability"
)

// Recorder durably appends ledger entries. *ledger.Ledger implements it.
type Recorder interface {
	AppendWithLock(ctx context.Context, e ledger.Entry) (string, error)
}

// Authority verifies declared agent identities against a directory of
// definitions and audits every decision.
type Authority struct {
	directory Directory
	recorder  Recorder
	versions  VersionPolicy
	roles     RolePolicy
	clock     func() time.Time
	logger    *slog.Logger
	obs       *observability.Provider
}

// AuthorityOption configures an Authority.
type AuthorityOption func(*Authority)

// WithVersionPolicy replaces the permissive version approval.
func WithVersionPolicy(p VersionPolicy) AuthorityOption {
	return func(a *Authority) { a.versions = p }
}

// WithRolePolicy replaces the permissive role authorization.
func WithRolePolicy(p RolePolicy) AuthorityOption {
	return func(a *Authority) { a.roles = p }
}

// WithClock overrides the verification clock.
func WithClock(clock func() time.Time) AuthorityOption {
	return func(a *Authority) { a.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AuthorityOption {
	return func(a *Authority) { a.logger = l }
}

// WithTelemetry sets the observability provider.
func WithTelemetry(p *observability.Provider) AuthorityOption {
	return func(a *Authority) { a.obs = p }
}

// NewAuthority creates an authority resolving agents in directory and
// auditing to recorder.
func NewAuthority(directory Directory, recorder Recorder, opts ...AuthorityOption) *Authority {
	a := &Authority{
		directory: directory,
		recorder:  recorder,
		versions:  Permissive{},
		roles:     Permissive{},
		clock:     time.Now,
		logger:    slog.Default().With("component", "identity"),
		obs:       observability.Disabled(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// VerifyAgent runs the identity checks in order and stops at the first
// failure:
//
//  1. the agent exists in the directory
//  2. the version is MAJOR.MINOR.PATCH
//  3. the role is a known role
//  4. the fingerprint is 64 lowercase hex characters
//  5. the version policy approves the version
//  6. the role policy authorizes the role
//
// Every call, pass or fail, is recorded as an IDENTITY_VERIFICATION entry.
// A rejected identity is a result, not an error; the error is non-nil only
// when the audit entry could not be written.
func (a *Authority) VerifyAgent(ctx context.Context, id AgentIdentity) (VerificationResult, error) {
	ctx, done := a.obs.TrackOperation(ctx, "identity.verify_agent", observability.BuildAgent(id.BuildID, id.AgentID)...)

	start := a.clock()
	reason, detail := a.check(id)
	end := a.clock()

	res := VerificationResult{
		AgentID:    id.AgentID,
		BuildID:    id.BuildID,
		Verified:   reason == "",
		Reason:     reason,
		Detail:     detail,
		VerifiedAt: end.UTC(),
		Duration:   end.Sub(start),
	}

	payload := ledger.IdentityVerification{
		Version:     id.Version,
		Role:        string(id.Role),
		Fingerprint: id.Fingerprint,
		Verified:    res.Verified,
		Reason:      string(res.Reason),
		DurationNS:  res.Duration.Nanoseconds(),
	}
	entry, err := ledger.NewEntry(id.BuildID, id.AgentID, payload)
	if err == nil {
		res.LedgerHash, err = a.recorder.AppendWithLock(ctx, entry)
	}
	if err != nil {
		err = fmt.Errorf("record identity verification for %s/%s: %w", id.BuildID, id.AgentID, err)
		done(err)
		return res, err
	}

	observability.SetSpanAttributes(ctx,
		observability.AttrVerified.Bool(res.Verified),
		observability.AttrReason.String(string(res.Reason)),
		observability.AttrLedgerHash.String(res.LedgerHash))
	if res.Verified {
		a.logger.DebugContext(ctx, "identity verified", "build_id", id.BuildID, "agent_id", id.AgentID, "version", id.Version)
	} else {
		a.logger.WarnContext(ctx, "identity rejected",
			"build_id", id.BuildID, "agent_id", id.AgentID, "reason", res.Reason, "detail", detail)
	}
	done(nil)
	return res, nil
}

func (a *Authority) check(id AgentIdentity) (Reason, string) {
	def, ok := a.directory.Lookup(id.AgentID)
	if !ok {
		return ReasonAgentNotFound, ""
	}
	if !ValidVersion(id.Version) {
		return ReasonInvalidVersionFormat, ""
	}
	if !id.Role.Valid() {
		return ReasonInvalidRole, ""
	}
	if !ValidFingerprint(id.Fingerprint) {
		return ReasonInvalidFingerprintFormat, ""
	}
	if err := a.versions.ApproveVersion(def, id); err != nil {
		return ReasonVersionNotApproved, err.Error()
	}
	if err := a.roles.AuthorizeRole(def, id); err != nil {
		return ReasonRoleNotAuthorized, err.Error()
	}
	return "", ""
}

// Verified returns id stamped with the verification time and duration of a
// successful result.
func Verified(id AgentIdentity, res VerificationResult) AgentIdentity {
	if res.Verified {
		at := res.VerifiedAt
		id.VerifiedAt = &at
		id.VerificationDuration = res.Duration
	}
	return id
}

var _ Directory = (*agents.Catalog)(nil)
