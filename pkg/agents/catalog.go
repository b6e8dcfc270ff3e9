package agents

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/forge/pkg/canonicalize"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidDefinition = errors.New("invalid agent definition")
	ErrDependencyCycle   = errors.New("dependency cycle")
)

//go:embed catalog/default.yaml
var defaultCatalogYAML []byte

// catalogFile is the on-disk layout of a catalog document.
type catalogFile struct {
	Defaults struct {
		Retry   RetryPolicy   `yaml:"retry"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"defaults"`
	Agents []Definition `yaml:"agents"`
}

// Catalog is the validated, immutable set of agent definitions for a
// pipeline. It is safe for concurrent use because it is never mutated after
// construction.
type Catalog struct {
	defs  []Definition
	index map[string]int
	order []string
}

// DefaultCatalog returns the built-in eight-phase pipeline.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalogFile reads and validates a catalog from a YAML file.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %q: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes a YAML catalog document, applies defaults and
// validates the dependency graph.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	defs := make([]Definition, len(file.Agents))
	for i, d := range file.Agents {
		if d.Retry.MaxAttempts == 0 {
			d.Retry = file.Defaults.Retry
		}
		if d.Timeout == 0 {
			d.Timeout = file.Defaults.Timeout
		}
		defs[i] = d
	}
	return NewCatalog(defs)
}

// NewCatalog validates defs and builds a catalog from them.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		defs:  make([]Definition, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("%w: entry %d has no id", ErrInvalidDefinition, i)
		}
		if _, dup := c.index[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidDefinition, d.ID)
		}
		if !d.Phase.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown phase %q", ErrInvalidDefinition, d.ID, d.Phase)
		}
		if !d.Tier.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown tier %q", ErrInvalidDefinition, d.ID, d.Tier)
		}
		if !d.Role.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown role %q", ErrInvalidDefinition, d.ID, d.Role)
		}
		d.Dependencies = append([]string(nil), d.Dependencies...)
		c.defs[i] = d
		c.index[d.ID] = i
	}

	for _, d := range c.defs {
		seen := make(map[string]struct{}, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			if dep == d.ID {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, d.ID)
			}
			if _, dup := seen[dep]; dup {
				return nil, fmt.Errorf("%w: %s lists %q twice", ErrInvalidDefinition, d.ID, dep)
			}
			seen[dep] = struct{}{}

			up, ok := c.Lookup(dep)
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on unknown agent %q", ErrInvalidDefinition, d.ID, dep)
			}
			if up.Phase.Ordinal() > d.Phase.Ordinal() {
				return nil, fmt.Errorf("%w: %s (%s) depends on later phase agent %s (%s)",
					ErrInvalidDefinition, d.ID, d.Phase, up.ID, up.Phase)
			}
			if !d.Tier.Includes(up.Tier) {
				return nil, fmt.Errorf("%w: %s (%s) depends on higher tier agent %s (%s)",
					ErrInvalidDefinition, d.ID, d.Tier, up.ID, up.Tier)
			}
		}
	}

	order, err := c.topological()
	if err != nil {
		return nil, err
	}
	c.order = order
	return c, nil
}

// Lookup returns the definition for id.
func (c *Catalog) Lookup(id string) (Definition, bool) {
	i, ok := c.index[id]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i], true
}

// Get is Lookup with an error for missing agents.
func (c *Catalog) Get(id string) (Definition, error) {
	d, ok := c.Lookup(id)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return d, nil
}

// Len returns the number of agents in the catalog.
func (c *Catalog) Len() int { return len(c.defs) }

// All returns every definition in catalog order.
func (c *Catalog) All() []Definition {
	return append([]Definition(nil), c.defs...)
}

// InPhase returns the definitions of phase p in catalog order.
func (c *Catalog) InPhase(p Phase) []Definition {
	var out []Definition
	for _, d := range c.defs {
		if d.Phase == p {
			out = append(out, d)
		}
	}
	return out
}

// ForTier returns the sub-catalog of agents that run in a build of tier t.
// Validation guarantees the subset is closed under dependencies.
func (c *Catalog) ForTier(t Tier) (*Catalog, error) {
	var defs []Definition
	for _, d := range c.defs {
		if t.Includes(d.Tier) {
			defs = append(defs, d)
		}
	}
	return NewCatalog(defs)
}

// Order returns agent ids in a dependency-respecting order: phases in
// pipeline order, and within a phase every agent after its dependencies.
func (c *Catalog) Order() []string {
	return append([]string(nil), c.order...)
}

// Dependents returns the ids of agents that list id as a direct dependency.
func (c *Catalog) Dependents(id string) []string {
	var out []string
	for _, d := range c.defs {
		if d.DependsOn(id) {
			out = append(out, d.ID)
		}
	}
	return out
}

// TransitiveDependents returns every agent reachable downstream of id,
// sorted.
func (c *Catalog) TransitiveDependents(id string) []string {
	seen := map[string]struct{}{}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range c.Dependents(cur) {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Hash returns a digest of the catalog graph. Two catalogs with the same
// agents, phases, tiers, roles, prompts and edges have the same hash.
func (c *Catalog) Hash() (string, error) {
	type node struct {
		ID     string   `json:"id"`
		Phase  Phase    `json:"phase"`
		Tier   Tier     `json:"tier"`
		Role   Role     `json:"role"`
		Deps   []string `json:"deps"`
		Prompt string   `json:"prompt"`
	}
	nodes := make([]node, len(c.defs))
	for i, d := range c.defs {
		nodes[i] = node{ID: d.ID, Phase: d.Phase, Tier: d.Tier, Role: d.Role, Deps: d.Dependencies, Prompt: d.Prompt}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return canonicalize.DomainCanonicalHash("forge/catalog/v1", nodes)
}

// topological orders agents phase by phase. Dependencies never point to a
// later phase, so within a phase Kahn's algorithm over catalog order yields
// a stable order.
func (c *Catalog) topological() ([]string, error) {
	done := make(map[string]bool, len(c.defs))
	order := make([]string, 0, len(c.defs))

	ready := func(d Definition) bool {
		for _, dep := range d.Dependencies {
			if !done[dep] {
				return false
			}
		}
		return true
	}

	for _, p := range Phases {
		pending := c.InPhase(p)
		for len(pending) > 0 {
			var rest []Definition
			for _, d := range pending {
				if ready(d) {
					done[d.ID] = true
					order = append(order, d.ID)
				} else {
					rest = append(rest, d)
				}
			}
			if len(rest) == len(pending) {
				stuck := make([]string, len(rest))
				for i, d := range rest {
					stuck[i] = d.ID
				}
				return nil, fmt.Errorf("%w among %v", ErrDependencyCycle, stuck)
			}
			pending = rest
		}
	}
	return order, nil
}
