package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/forge/pkg/evidence"
)

// newVerifyBundleCommand verifies a bundle offline. The argument is a file
// path, or a sha256: address looked up in the configured sink.
func newVerifyBundleCommand(rootOpts *rootOptions) *cobra.Command {
	var prove int
	cmd := &cobra.Command{
		Use:   "verify-bundle <file|sha256:address>",
		Short: "Verify an evidence bundle without the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				data []byte
				err  error
			)
			if strings.HasPrefix(args[0], "sha256:") {
				a, err := newApp(ctx, cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				defer a.Close(ctx)
				sink, err := evidence.NewSink(ctx, a.sinkConfig())
				if err != nil {
					return err
				}
				if data, err = sink.Get(ctx, args[0]); err != nil {
					return err
				}
			} else if data, err = os.ReadFile(args[0]); err != nil { //nolint:gosec // operator-supplied path
				return err
			}

			b, err := evidence.Parse(data)
			if err != nil {
				return err
			}
			v := evidence.Verify(b)

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if err := writeJSON(out, v); err != nil {
					return err
				}
			} else if v.Valid {
				_, _ = fmt.Fprintf(out, "Bundle %s PASSED: build %s, %d entries, head %s\n", b.BundleID, b.BuildID, b.Length, b.Head)
			} else {
				_, _ = fmt.Fprintf(out, "Bundle %s FAILED: %s\n", b.BundleID, v.Reason)
			}
			if !v.Valid {
				return errVerificationFailed
			}
			if prove >= 0 {
				p, err := b.Prove(prove)
				if err != nil {
					return err
				}
				return writeJSON(out, p)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&prove, "prove", -1, "print the inclusion proof of the entry at this index")
	return cmd
}

func newVerifyAttestationCommand(rootOpts *rootOptions) *cobra.Command {
	var buildID string
	cmd := &cobra.Command{
		Use:   "verify-attestation <token>",
		Short: "Verify an identity attestation issued for a build",
		Args:  cobra.ExactArgs(1),
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

			attestor, err := a.attestor()
			if err != nil {
				return err
			}
			if attestor == nil {
				return errors.New("FORGE_ATTESTATION_SECRET is not set")
			}

			out := cmd.OutOrStdout()
			claims, err := attestor.Verify(args[0], buildID)
			if err != nil {
				_, _ = fmt.Fprintf(out, "Attestation FAILED: %v\n", err)
				return errVerificationFailed
			}
			if rootOpts.Format == "json" {
				return writeJSON(out, claims)
			}
			_, _ = fmt.Fprintf(out, "Attestation PASSED: %s@%s (%s) in build %s, fingerprint %s\n",
				claims.Subject, claims.Version, claims.Role, claims.BuildID, claims.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build", "", "build id (REQUIRED)")
	return cmd
}
