// Command forge runs and audits governed agent builds.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes:
//
//	0 = success
//	1 = verification failed
//	2 = usage or runtime error
const (
	exitOK     = 0
	exitFailed = 1
	exitError  = 2
)

// errVerificationFailed is returned by commands that printed a failing
// verdict and only need the exit code.
var errVerificationFailed = errors.New("verification failed")

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errVerificationFailed):
		return exitFailed
	default:
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

// rootOptions holds global flags.
type rootOptions struct {
	Format string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "forge",
		Short:         "Governed agent pipeline",
		Long:          "Runs agent builds under identity verification, invariant checks and a hash-chained governance ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newCatalogCommand(opts))
	cmd.AddCommand(newFingerprintCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newVerifyChainCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newVerifyBundleCommand(opts))
	cmd.AddCommand(newVerifyAttestationCommand(opts))
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
