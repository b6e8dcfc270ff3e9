package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/forge/pkg/evidence"
	"github.com/Mindburn-Labs/forge/pkg/identity"
)

// testEnv points the CLI at a fresh SQLite ledger and evidence directory.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("FORGE_STORE", "sqlite")
	t.Setenv("FORGE_DSN", filepath.Join(dir, "forge.db"))
	t.Setenv("FORGE_REDIS_ADDR", "")
	t.Setenv("FORGE_OTLP_ENDPOINT", "")
	t.Setenv("FORGE_CATALOG", "")
	t.Setenv("FORGE_PROFILE", "")
	t.Setenv("FORGE_ATTESTATION_SECRET", "")
	t.Setenv("FORGE_LOG_LEVEL", "ERROR")
	t.Setenv("FORGE_EVIDENCE_SINK", "fs")
	t.Setenv("FORGE_EVIDENCE_DIR", filepath.Join(dir, "evidence"))
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"catalog", "fingerprint", "run", "verify-chain", "export", "verify-bundle", "verify-attestation"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestRun_UsageErrors(t *testing.T) {
	testEnv(t)

	code, _, stderr := run(t, "catalog", "--format", "yaml")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, `invalid format "yaml"`)

	code, _, stderr = run(t, "verify-chain")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "--build is required")

	code, _, _ = run(t, "no-such-command")
	assert.Equal(t, exitError, code)
}

func TestCatalogCheck(t *testing.T) {
	testEnv(t)

	code, stdout, _ := run(t, "catalog", "--check")
	require.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(stdout, "catalog ok: 37 agents, hash "), stdout)

	code, stdout, _ = run(t, "catalog", "--tier", "basic")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "DISCOVERY\n")
	assert.Contains(t, stdout, "requirements-analyst")
	assert.NotContains(t, stdout, "compliance-scout")
}

func TestFingerprint(t *testing.T) {
	dir := testEnv(t)
	code := filepath.Join(dir, "agent.go")
	prompt := filepath.Join(dir, "prompt.txt")
	require.NoError(t, os.WriteFile(code, []byte("package agent"), 0o600))
	require.NoError(t, os.WriteFile(prompt, []byte("Design the API."), 0o600))

	exit, stdout, _ := run(t, "fingerprint", "--code", code, "--prompt", prompt, "--tool", "fs.write", "--tool", "fs.read")
	require.Equal(t, exitOK, exit)
	want := identity.ComputeFingerprint("package agent", "Design the API.", []string{"fs.write", "fs.read"})
	assert.Equal(t, want+"\n", stdout)
}

func TestRunExportVerify(t *testing.T) {
	dir := testEnv(t)

	code, stdout, stderr := run(t, "run", "--build", "b-cli", "--export")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "Build b-cli (basic tier) PASSED")
	assert.Contains(t, stdout, "Evidence: sha256:")

	code, stdout, _ = run(t, "verify-chain", "--build", "b-cli")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Chain of b-cli PASSED")

	code, stdout, _ = run(t, "export", "--build", "b-cli", "--format", "json")
	require.Equal(t, exitOK, code)
	var exported map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &exported))
	require.NotEmpty(t, exported["path"])

	code, stdout, _ = run(t, "verify-bundle", exported["path"])
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "build b-cli")

	code, stdout, _ = run(t, "verify-bundle", exported["path"], "--prove", "3", "--format", "json")
	require.Equal(t, exitOK, code)
	dec := json.NewDecoder(strings.NewReader(stdout))
	var verdict evidence.Verification
	require.NoError(t, dec.Decode(&verdict))
	assert.True(t, verdict.Valid)
	var proof evidence.InclusionProof
	require.NoError(t, dec.Decode(&proof))
	assert.Equal(t, 3, proof.Index)
	assert.True(t, evidence.VerifyInclusion(proof, ""))

	// the address resolves through the configured sink
	code, _, _ = run(t, "verify-bundle", exported["address"])
	assert.Equal(t, exitOK, code)

	data, err := os.ReadFile(exported["path"])
	require.NoError(t, err)
	b, err := evidence.Parse(data)
	require.NoError(t, err)
	b.Entries[2].AgentID = "mallory"
	tampered, err := evidence.Marshal(b)
	require.NoError(t, err)
	path := filepath.Join(dir, "tampered.json")
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	code, stdout, _ = run(t, "verify-bundle", path)
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "FAILED: digest mismatch")

	code, _, stderr = run(t, "export", "--build", "unknown", "--out", filepath.Join(dir, "exported"))
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "no ledger entries")
}

func TestRun_ProfileRejectsAgent(t *testing.T) {
	dir := testEnv(t)
	profiles := filepath.Join(dir, "profiles")
	require.NoError(t, os.MkdirAll(profiles, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(profiles, "profile_nodesign.yaml"), []byte(`
invariants:
  - name: no.design-system
    expression: 'identity.agent_id != "design-system"'
`), 0o600))
	t.Setenv("FORGE_PROFILES_DIR", profiles)
	t.Setenv("FORGE_PROFILE", "nodesign")

	code, stdout, _ := run(t, "run", "--build", "b-profile")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "design-system REJECTED: invariants: [no.design-system]")

	// a failed build still has a valid chain
	code, _, _ = run(t, "verify-chain", "--build", "b-profile")
	assert.Equal(t, exitOK, code)
}

func TestRun_ProfileWasmInvariant(t *testing.T) {
	dir := testEnv(t)
	module, err := filepath.Abs(filepath.Join("testdata", "deny.wasm"))
	require.NoError(t, err)
	profiles := filepath.Join(dir, "profiles")
	require.NoError(t, os.MkdirAll(profiles, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(profiles, "profile_sandboxed.yaml"), []byte(`
wasm_invariants:
  - name: wasm.deny
    path: `+module+`
  - name: wasm.missing
    path: missing.wasm
`), 0o600))
	t.Setenv("FORGE_PROFILES_DIR", profiles)
	t.Setenv("FORGE_PROFILE", "sandboxed")

	// relative paths resolve against the profiles directory
	code, _, stderr := run(t, "run", "--build", "b-wasm")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "wasm invariant wasm.missing")
	assert.Contains(t, stderr, filepath.Join(profiles, "missing.wasm"))

	require.NoError(t, os.WriteFile(filepath.Join(profiles, "profile_sandboxed.yaml"), []byte(`
wasm_invariants:
  - name: wasm.deny
    path: `+module+`
`), 0o600))
	code, stdout, _ := run(t, "run", "--build", "b-wasm")
	assert.Equal(t, exitFailed, code)
	assert.Contains(t, stdout, "requirements-analyst REJECTED: invariants: [wasm.deny]")
}

func TestRun_Attestations(t *testing.T) {
	testEnv(t)
	t.Setenv("FORGE_ATTESTATION_SECRET", strings.Repeat("s", 32))

	code, stdout, stderr := run(t, "run", "--build", "b-att", "--format", "json")
	require.Equal(t, exitOK, code, stderr)
	var out struct {
		Report struct {
			Results []struct {
				AgentID     string `json:"agent_id"`
				Attestation string `json:"attestation"`
			} `json:"results"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.NotEmpty(t, out.Report.Results)
	token := out.Report.Results[0].Attestation
	require.NotEmpty(t, token)

	code, stdout, _ = run(t, "verify-attestation", "--build", "b-att", token)
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Attestation PASSED: "+out.Report.Results[0].AgentID)

	code, _, _ = run(t, "verify-attestation", "--build", "b-other", token)
	assert.Equal(t, exitFailed, code)
}
