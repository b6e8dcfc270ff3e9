package agents

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog_Shape(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, c.Len(), 35)
	for _, p := range Phases {
		assert.NotEmpty(t, c.InPhase(p), "phase %s has no agents", p)
	}

	d, ok := c.Lookup("system-architect")
	require.True(t, ok)
	assert.Equal(t, PhaseArchitecture, d.Phase)
	assert.Equal(t, RoleArchitect, d.Role)
	assert.Equal(t, []string{"requirements-analyst", "domain-modeler"}, d.Dependencies)
	assert.Equal(t, 2, d.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, d.Retry.BaseDelay)
	assert.Equal(t, 10*time.Minute, d.Timeout)
}

func TestDefaultCatalog_OrderRespectsDependencies(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	pos := map[string]int{}
	for i, id := range c.Order() {
		pos[id] = i
	}
	require.Len(t, pos, c.Len())

	lastPhase := -1
	for _, id := range c.Order() {
		d, _ := c.Lookup(id)
		assert.GreaterOrEqual(t, d.Phase.Ordinal(), lastPhase, "phase order regressed at %s", id)
		lastPhase = d.Phase.Ordinal()
		for _, dep := range d.Dependencies {
			assert.Less(t, pos[dep], pos[id], "%s scheduled before dependency %s", id, dep)
		}
	}
}

func TestCatalog_ForTier(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	basic, err := c.ForTier(TierBasic)
	require.NoError(t, err)
	enterprise, err := c.ForTier(TierEnterprise)
	require.NoError(t, err)

	assert.Less(t, basic.Len(), enterprise.Len())
	assert.Equal(t, c.Len(), enterprise.Len())
	_, ok := basic.Lookup("tenancy-architect")
	assert.False(t, ok)
	for _, d := range basic.All() {
		assert.Equal(t, TierBasic, d.Tier)
	}
}

func TestNewCatalog_Rejects(t *testing.T) {
	base := func(id string, deps ...string) Definition {
		return Definition{ID: id, Name: id, Phase: PhaseDiscovery, Tier: TierBasic, Role: RoleAnalyst, Dependencies: deps}
	}

	tests := []struct {
		name string
		defs []Definition
		err  error
	}{
		{"missing id", []Definition{{Phase: PhaseDiscovery, Tier: TierBasic, Role: RoleAnalyst}}, ErrInvalidDefinition},
		{"duplicate", []Definition{base("a"), base("a")}, ErrInvalidDefinition},
		{"unknown dependency", []Definition{base("a", "ghost")}, ErrInvalidDefinition},
		{"self dependency", []Definition{base("a", "a")}, ErrDependencyCycle},
		{"cycle", []Definition{base("a", "b"), base("b", "a")}, ErrDependencyCycle},
		{"bad role", []Definition{{ID: "a", Phase: PhaseDiscovery, Tier: TierBasic, Role: "WIZARD"}}, ErrInvalidDefinition},
		{"later phase dependency", []Definition{
			base("a", "b"),
			{ID: "b", Phase: PhaseData, Tier: TierBasic, Role: RoleDataEngineer},
		}, ErrInvalidDefinition},
		{"higher tier dependency", []Definition{
			base("a", "b"),
			{ID: "b", Phase: PhaseDiscovery, Tier: TierEnterprise, Role: RoleAnalyst},
		}, ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.defs)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestCatalog_Dependents(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	direct := c.Dependents("schema-generator")
	assert.ElementsMatch(t, []string{"migration-planner", "seed-data-generator", "row-security-designer", "service-generator"}, direct)

	all := c.TransitiveDependents("schema-generator")
	assert.Contains(t, all, "release-manager")
	assert.NotContains(t, all, "schema-generator")
}

func TestCatalog_HashStable(t *testing.T) {
	a, err := DefaultCatalog()
	require.NoError(t, err)
	b, err := DefaultCatalog()
	require.NoError(t, err)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	basic, err := a.ForTier(TierBasic)
	require.NoError(t, err)
	hbasic, err := basic.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, ha, hbasic)
}

func TestLoadCatalogFile(t *testing.T) {
	doc := `
defaults:
  retry:
    max_attempts: 3
  timeout: 30s
agents:
  - id: solo
    name: Solo
    phase: DISCOVERY
    tier: basic
    role: ANALYST
    prompt: do it
    retry:
      max_attempts: 5
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	c, err := LoadCatalogFile(path)
	require.NoError(t, err)
	d, err := c.Get("solo")
	require.NoError(t, err)
	assert.Equal(t, 5, d.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, d.Timeout)

	_, err = c.Get("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}
