package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrNotVerified        = errors.New("identity not verified")
	ErrAttestationInvalid = errors.New("invalid attestation")
)

const (
	DefaultAttestationIssuer = "forge/identity"
	DefaultAttestationTTL    = 24 * time.Hour
	attestationKDFSalt       = "forge-build-attestation"
)

// AttestationClaims bind a verified identity to its build.
type AttestationClaims struct {
	jwt.RegisteredClaims
	BuildID     string `json:"build_id"`
	Version     string `json:"version"`
	Role        string `json:"role"`
	Fingerprint string `json:"fingerprint"`
	LedgerHash  string `json:"ledger_hash"`
}

// Attestor issues EdDSA JWTs for verified identities. Each build signs with
// its own Ed25519 key derived from a master secret with HKDF-SHA256, so an
// attestation never verifies against another build.
type Attestor struct {
	master []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// AttestorOption configures an Attestor.
type AttestorOption func(*Attestor)

// WithIssuer sets the iss claim.
func WithIssuer(iss string) AttestorOption { return func(a *Attestor) { a.issuer = iss } }

// WithTTL sets attestation lifetime.
func WithTTL(d time.Duration) AttestorOption { return func(a *Attestor) { a.ttl = d } }

// WithAttestorClock overrides the clock used for iat, exp and validation.
func WithAttestorClock(clock func() time.Time) AttestorOption {
	return func(a *Attestor) { a.clock = clock }
}

// NewAttestor creates an attestor. masterSecret must be at least 32 bytes.
func NewAttestor(masterSecret []byte, opts ...AttestorOption) (*Attestor, error) {
	if len(masterSecret) < 32 {
		return nil, fmt.Errorf("attestation master secret must be at least 32 bytes, got %d", len(masterSecret))
	}
	a := &Attestor{
		master: append([]byte(nil), masterSecret...),
		issuer: DefaultAttestationIssuer,
		ttl:    DefaultAttestationTTL,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Attestor) buildKey(buildID string) (ed25519.PrivateKey, error) {
	r := hkdf.New(sha256.New, a.master, []byte(attestationKDFSalt), []byte(buildID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PublicKey returns the verification key of a build.
func (a *Attestor) PublicKey(buildID string) (ed25519.PublicKey, error) {
	priv, err := a.buildKey(buildID)
	if err != nil {
		return nil, err
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Issue signs an attestation for an identity that passed VerifyAgent.
func (a *Attestor) Issue(id AgentIdentity, res VerificationResult) (string, error) {
	if !res.Verified || res.AgentID != id.AgentID || res.BuildID != id.BuildID {
		return "", fmt.Errorf("%w: %s/%s", ErrNotVerified, id.BuildID, id.AgentID)
	}
	key, err := a.buildKey(id.BuildID)
	if err != nil {
		return "", err
	}
	now := a.clock().UTC()
	claims := AttestationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AgentID,
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{id.BuildID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        res.LedgerHash,
		},
		BuildID:     id.BuildID,
		Version:     id.Version,
		Role:        string(id.Role),
		Fingerprint: id.Fingerprint,
		LedgerHash:  res.LedgerHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(key)
}

// Verify checks signature, issuer, expiry and build binding of an
// attestation and returns its claims.
func (a *Attestor) Verify(tokenString, buildID string) (*AttestationClaims, error) {
	pub, err := a.PublicKey(buildID)
	if err != nil {
		return nil, err
	}
	claims := &AttestationClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(buildID),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttestationInvalid, err)
	}
	if !token.Valid || claims.BuildID != buildID {
		return nil, fmt.Errorf("%w: not bound to build %s", ErrAttestationInvalid, buildID)
	}
	return claims, nil
}
