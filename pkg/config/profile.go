package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/forge/pkg/agents"
)

// Profile is a named set of governance settings applied to a run: identity
// policies, extra invariants and tier policy overrides.
type Profile struct {
	Name           string                 `yaml:"name" json:"name"`
	Versions       VersionProfile         `yaml:"versions" json:"versions"`
	RoleExpression string                 `yaml:"role_expression,omitempty" json:"role_expression,omitempty"`
	Invariants     []InvariantProfile     `yaml:"invariants,omitempty" json:"invariants,omitempty"`
	WasmInvariants []WasmInvariantProfile `yaml:"wasm_invariants,omitempty" json:"wasm_invariants,omitempty"`
	Tiers          map[string]TierProfile `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	TokenBudget    int                    `yaml:"token_budget,omitempty" json:"token_budget,omitempty"`
}

// VersionProfile holds semver constraints. Agents overrides Global per
// agent id.
type VersionProfile struct {
	Global string            `yaml:"global,omitempty" json:"global,omitempty"`
	Agents map[string]string `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// InvariantProfile is a CEL invariant over the declared identity.
type InvariantProfile struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// WasmInvariantProfile is a WebAssembly invariant module. A relative Path
// is resolved against the profiles directory.
type WasmInvariantProfile struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path" json:"path"`
	MemoryPages uint32 `yaml:"memory_pages,omitempty" json:"memory_pages,omitempty"`
}

// TierProfile replaces the coordinator policy of one tier.
type TierProfile struct {
	CriticalTypes []string `yaml:"critical_types" json:"critical_types"`
	MinConfidence float64  `yaml:"min_confidence" json:"min_confidence"`
	MaxDecisions  int      `yaml:"max_decisions" json:"max_decisions"`
	MaxChars      int      `yaml:"max_chars" json:"max_chars"`
}

// LoadProfile loads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied profile path
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	p, err := parseProfile(data, profilesDir)
	if err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir, keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path) //nolint:gosec // matched under profilesDir
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		p, err := parseProfile(data, profilesDir)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if p.Name == "" {
			// profile_strict.yaml -> strict
			base := filepath.Base(path)
			p.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func parseProfile(data []byte, dir string) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	for i, w := range p.WasmInvariants {
		if !filepath.IsAbs(w.Path) {
			p.WasmInvariants[i].Path = filepath.Join(dir, w.Path)
		}
	}
	return &p, nil
}

// Validate checks field shapes. Expressions and constraints are compiled by
// their consumers.
func (p *Profile) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, inv := range p.Invariants {
		switch {
		case inv.Name == "" || strings.TrimSpace(inv.Expression) == "":
			errs = append(errs, fmt.Errorf("invariants[%d]: name and expression are required", i))
		case seen[inv.Name]:
			errs = append(errs, fmt.Errorf("invariants[%d]: duplicate name %q", i, inv.Name))
		}
		seen[inv.Name] = true
	}
	for i, w := range p.WasmInvariants {
		switch {
		case w.Name == "" || w.Path == "":
			errs = append(errs, fmt.Errorf("wasm_invariants[%d]: name and path are required", i))
		case seen[w.Name]:
			errs = append(errs, fmt.Errorf("wasm_invariants[%d]: duplicate name %q", i, w.Name))
		}
		seen[w.Name] = true
	}
	for tier, tp := range p.Tiers {
		if !agents.Tier(tier).Valid() {
			errs = append(errs, fmt.Errorf("tiers: unknown tier %q", tier))
		}
		if tp.MinConfidence < 0 || tp.MinConfidence > 1 {
			errs = append(errs, fmt.Errorf("tiers.%s: min_confidence %g outside [0, 1]", tier, tp.MinConfidence))
		}
	}
	if p.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("token_budget: must not be negative, got %d", p.TokenBudget))
	}
	return errors.Join(errs...)
}
