package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/forge/pkg/evidence"
	"github.com/Mindburn-Labs/forge/pkg/ledger"
)

// exportBundle snapshots buildID and stores it in sink.
func exportBundle(ctx context.Context, l *ledger.Ledger, sink evidence.Sink, buildID string, now time.Time) (string, error) {
	b, err := evidence.Export(ctx, l, buildID, now)
	if err != nil {
		return "", err
	}
	data, err := evidence.Marshal(b)
	if err != nil {
		return "", err
	}
	return sink.Put(ctx, data)
}

func newExportCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		buildID   string
		outDir    string
		s3Bucket  string
		gcsBucket string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger of a build as an evidence bundle",
		Long: `Export the verified ledger of a build as a self-verifying evidence
bundle. The bundle goes to the configured evidence sink unless --out,
--s3-bucket or --gcs-bucket selects one. A broken chain is not exported.`,
		Args: cobra.NoArgs,
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

			sc := a.sinkConfig()
			switch {
			case outDir != "":
				sc.Type, sc.Dir = evidence.SinkTypeFS, outDir
			case s3Bucket != "":
				sc.Type, sc.S3.Bucket = evidence.SinkTypeS3, s3Bucket
			case gcsBucket != "":
				sc.Type, sc.GCS.Bucket = evidence.SinkTypeGCS, gcsBucket
			}
			sink, err := evidence.NewSink(ctx, sc)
			if err != nil {
				return err
			}
			l, err := a.openLedger(ctx)
			if err != nil {
				return err
			}
			address, err := exportBundle(ctx, l, sink, buildID, time.Now())
			if err != nil {
				return err
			}

			result := map[string]string{"build_id": buildID, "address": address}
			if fs, ok := sink.(*evidence.FileSink); ok {
				if result["path"], err = fs.Path(address); err != nil {
					return err
				}
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %s as %s\n", buildID, address)
			if p := result["path"]; p != "" {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Path: %s\n", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&buildID, "build", "", "build id (REQUIRED)")
	cmd.Flags().StringVar(&outDir, "out", "", "export to a directory")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "export to an S3 bucket")
	cmd.Flags().StringVar(&gcsBucket, "gcs-bucket", "", "export to a GCS bucket (gcp builds)")
	cmd.MarkFlagsMutuallyExclusive("out", "s3-bucket", "gcs-bucket")
	return cmd
}
