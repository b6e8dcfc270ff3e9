package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

func newVerifyChainCommand(rootOpts *rootOptions) *cobra.Command {
	var buildID string
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Verify the ledger hash chain of a build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if buildID == "" {
				return errors.New("--build is required")
			}
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
			report, err := l.VerifyChain(ctx, buildID)
			if err != nil && !errors.Is(err, ledger.ErrChainBroken) {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else if report.Valid {
				_, _ = fmt.Fprintf(out, "Chain of %s PASSED: %d entries, head %s\n", buildID, report.Length, report.Head)
			} else {
				_, _ = fmt.Fprintf(out, "Chain of %s FAILED at entry %d: %s\n", buildID, report.FailedIndex, report.Reason)
			}
			if !report.Valid {
				return errVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build", "", "build id (REQUIRED)")
	return cmd
}
