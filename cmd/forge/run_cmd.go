package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/forge/pkg/agents"
	"github.com/Mindburn-Labs/forge/pkg/evidence"
	"github.com/Mindburn-Labs/forge/pkg/pipeline"
)

type runOutput struct {
	Report   pipeline.Report `json:"report"`
	Evidence string          `json:"evidence,omitempty"`
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		buildID     string
		tier        string
		parallelism int
		tenancy     string
		export      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a build with the deterministic demo executor",
		Long: `Run every agent of a tier through constraint injection, identity
verification and the invariant engine, recording each step to the
configured ledger. Agents are played by a deterministic demo executor.

With FORGE_ATTESTATION_SECRET set, succeeded agents carry an EdDSA
attestation. With --export the verified ledger is exported to the
configured evidence sink afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			l, err := a.openLedger(ctx)
			if err != nil {
				return err
			}
			authority, err := a.authority(l)
			if err != nil {
				return err
			}
			engine, err := a.engine(ctx)
			if err != nil {
				return err
			}
			attestor, err := a.attestor()
			if err != nil {
				return err
			}

			if tier == "" {
				tier = a.cfg.Tier
			}
			if parallelism == 0 {
				parallelism = a.cfg.Parallelism
			}
			exec := pipeline.NewDemoExecutor()
			if tenancy != "" {
				exec.Tenancy = tenancy
			}
			opts := []pipeline.Option{
				pipeline.WithTier(agents.Tier(tier)),
				pipeline.WithParallelism(parallelism),
				pipeline.WithCoordinator(a.coordinator()),
				pipeline.WithEngine(engine),
				pipeline.WithLogger(a.logger.With("component", "pipeline")),
				pipeline.WithTelemetry(a.obs),
			}
			if a.cfg.DispatchQPS > 0 {
				opts = append(opts, pipeline.WithDispatchRate(rate.Limit(a.cfg.DispatchQPS), 1))
			}
			if attestor != nil {
				opts = append(opts, pipeline.WithAttestor(attestor))
			}
			runner, err := pipeline.NewRunner(a.catalog, l, authority, exec, opts...)
			if err != nil {
				return err
			}

			if buildID == "" {
				buildID = uuid.NewString()
			}
			report, err := runner.Run(ctx, buildID)
			if err != nil {
				return err
			}
			out := runOutput{Report: report}

			if export {
				sink, err := evidence.NewSink(ctx, a.sinkConfig())
				if err != nil {
					return err
				}
				if out.Evidence, err = exportBundle(ctx, l, sink, buildID, time.Now()); err != nil {
					return err
				}
			}

			if rootOpts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
					return err
				}
			} else {
				printReport(cmd, out)
			}
			if !report.Passed {
				return errVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build", "", "build id (default: random)")
	cmd.Flags().StringVar(&tier, "tier", "", "build tier (default: FORGE_TIER)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "concurrent agents (default: FORGE_PARALLELISM)")
	cmd.Flags().StringVar(&tenancy, "tenancy", "", "tenancy decision of architect agents")
	cmd.Flags().BoolVar(&export, "export", false, "export an evidence bundle after the run")
	return cmd
}

func printReport(cmd *cobra.Command, out runOutput) {
	w := cmd.OutOrStdout()
	r := out.Report
	verdict := "PASSED"
	if !r.Passed {
		verdict = "FAILED"
	}
	_, _ = fmt.Fprintf(w, "Build %s (%s tier) %s\n", r.BuildID, r.Tier, verdict)
	_, _ = fmt.Fprintf(w, "Agents: %d succeeded, %d failed, %d blocked\n", r.Succeeded, r.Failed, r.Blocked)
	for _, res := range r.Results {
		if res.Status == agents.StatusSucceeded {
			continue
		}
		_, _ = fmt.Fprintf(w, "  - %s %s: %s", res.AgentID, res.Status, res.Reason)
		if len(res.Blocks) > 0 {
			_, _ = fmt.Fprintf(w, " (blocks %d)", len(res.Blocks))
		}
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintf(w, "Ledger: %d entries, head %s\n", r.Chain.Length, r.Chain.Head)
	if out.Evidence != "" {
		_, _ = fmt.Fprintf(w, "Evidence: %s\n", out.Evidence)
	}
}
