package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/forge/pkg/agents"
)

type catalogSummary struct {
	Hash   string                               `json:"hash"`
	Agents int                                  `json:"agents"`
	Phases map[agents.Phase][]agents.Definition `json:"phases,omitempty"`
}

func newCatalogCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		check bool
		tier  string
	)
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List or check the agent catalog",
		Long: `List the phases and agents of the configured catalog (FORGE_CATALOG,
or the built-in pipeline). With --check the catalog is only validated and
its graph hash printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			cat := a.catalog
			if tier != "" {
				if cat, err = cat.ForTier(agents.Tier(tier)); err != nil {
					return fmt.Errorf("tier %s: %w", tier, err)
				}
			}
			hash, err := cat.Hash()
			if err != nil {
				return err
			}
			summary := catalogSummary{Hash: hash, Agents: cat.Len()}
			if !check {
				summary.Phases = map[agents.Phase][]agents.Definition{}
				for _, p := range agents.Phases {
					if defs := cat.InPhase(p); len(defs) > 0 {
						summary.Phases[p] = defs
					}
				}
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return writeJSON(out, summary)
			}
			if check {
				_, _ = fmt.Fprintf(out, "catalog ok: %d agents, hash %s\n", summary.Agents, summary.Hash)
				return nil
			}
			for _, p := range agents.Phases {
				defs := summary.Phases[p]
				if len(defs) == 0 {
					continue
				}
				_, _ = fmt.Fprintf(out, "%s\n", p)
				for _, d := range defs {
					deps := ""
					if len(d.Dependencies) > 0 {
						deps = " <- " + strings.Join(d.Dependencies, ", ")
					}
					_, _ = fmt.Fprintf(out, "  %-28s %-12s %-20s%s\n", d.ID, d.Tier, d.Role, deps)
				}
			}
			_, _ = fmt.Fprintf(out, "%d agents, hash %s\n", summary.Agents, summary.Hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "validate only")
	cmd.Flags().StringVar(&tier, "tier", "", "restrict to the agents of a tier")
	return cmd
}
