// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and domain-separated digests for forge records.
//
// Every hash that ends up in the governance ledger or in an agent
// fingerprint is computed over bytes produced here, so the digest of a
// record never depends on struct field order, map iteration order or
// platform float formatting.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestLength is the length of a hex encoded SHA-256 digest.
const DigestLength = sha256.Size * 2

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is marshaled with encoding/json first, so struct tags are respected,
// and the result is transformed into canonical form: keys sorted by UTF-16
// code units, no insignificant whitespace, no HTML escaping and ES6 number
// formatting.
func JCS(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// Raw canonicalizes an already serialized JSON document.
func Raw(doc []byte) ([]byte, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return []byte("null"), nil
	}
	out, err := jcs.Transform(doc)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DomainHash computes SHA256(domain || 0x00 || data).
//
// The null separator keeps the domain and the payload from running into
// each other, so two different domains can never produce colliding inputs.
func DomainHash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DomainCanonicalHash is DomainHash over the canonical JSON form of v.
func DomainCanonicalHash(domain string, v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return DomainHash(domain, b), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
