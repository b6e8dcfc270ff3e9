package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/forge/pkg/identity"
)

func newFingerprintCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		codePath   string
		promptPath string
		tools      []string
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute an agent implementation fingerprint",
		Long: `Compute the fingerprint of an agent implementation from its code, its
prompt template and its tool permissions, in the order given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if codePath == "" || promptPath == "" {
				return errors.New("--code and --prompt are required")
			}
			code, err := os.ReadFile(codePath) //nolint:gosec // operator-supplied path
			if err != nil {
				return err
			}
			prompt, err := os.ReadFile(promptPath) //nolint:gosec // operator-supplied path
			if err != nil {
				return err
			}
			fp := identity.ComputeFingerprint(string(code), string(prompt), tools)

			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"fingerprint": fp})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), fp)
			return err
		},
	}
	cmd.Flags().StringVar(&codePath, "code", "", "file holding the agent code (REQUIRED)")
	cmd.Flags().StringVar(&promptPath, "prompt", "", "file holding the prompt template (REQUIRED)")
	cmd.Flags().StringSliceVar(&tools, "tool", nil, "tool permission, repeatable")
	return cmd
}
