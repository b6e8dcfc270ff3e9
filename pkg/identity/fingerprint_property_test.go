//go:build property
// +build property

package identity

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: ComputeFingerprint(x) == ComputeFingerprint(x), and changing
// one argument changes the digest.
func TestFingerprintPurity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is deterministic", prop.ForAll(
		func(code, prompt string, tools []string) bool {
			return ComputeFingerprint(code, prompt, tools) == ComputeFingerprint(code, prompt, append([]string(nil), tools...))
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.Property("changing code changes the fingerprint", prop.ForAll(
		func(code, suffix, prompt string, tools []string) bool {
			return ComputeFingerprint(code, prompt, tools) != ComputeFingerprint(code+suffix, prompt, tools)
		},
		gen.AnyString(),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
		gen.AnyString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("appending a tool changes the fingerprint", prop.ForAll(
		func(code, prompt string, tools []string, extra string) bool {
			return ComputeFingerprint(code, prompt, tools) != ComputeFingerprint(code, prompt, append(append([]string(nil), tools...), extra))
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
