package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/jobusage/pkg/ingest"
)

type IngestCmd struct{}

func NewIngestCmd() *IngestCmd {
	return &IngestCmd{}
}

func (c *IngestCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one ingestion cycle against the source files",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			pattern, _ := flags.GetString("file-pattern")
			bucket, _ := flags.GetString("s3-bucket")
			concurrency, _ := flags.GetInt("concurrency")
			batchSize, _ := flags.GetInt("batch-size")

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			source, err := ingest.NewSource(ctx, e.log, bucket, pattern)
			if err != nil {
				return err
			}
			pipeline, err := ingest.NewPipeline(ctx, ingest.PipelineConfig{
				Logger:      e.log,
				Source:      source,
				DB:          e.db,
				Concurrency: concurrency,
				BatchSize:   batchSize,
			})
			if err != nil {
				return err
			}
			res, err := pipeline.RunCycle(ctx)
			if err != nil {
				return err
			}
			printCycle(cmd.OutOrStdout(), res)
			if res.Failed > 0 {
				return fmt.Errorf("%d files failed to load", res.Failed)
			}
			return nil
		},
	}
	cmd.Flags().String("file-pattern", os.Getenv("JOBUSAGE_FILE_PATTERN"), "Glob of usage files, e.g. /data/usage/**/*.arrow (or set JOBUSAGE_FILE_PATTERN env var)")
	cmd.Flags().String("s3-bucket", os.Getenv("JOBUSAGE_S3_BUCKET"), "Read usage files from this S3 bucket (or set JOBUSAGE_S3_BUCKET env var)")
	cmd.Flags().Int("concurrency", 4, "Number of files loaded concurrently")
	cmd.Flags().Int("batch-size", 1000, "Number of facts inserted per transaction")
	return cmd
}

func printCycle(w io.Writer, res ingest.CycleResult) {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Listed", "Removed", "Stale", "Loaded", "Failed", "Facts"})
	table.Append([]string{
		strconv.Itoa(res.Listed),
		strconv.Itoa(res.Removed),
		strconv.Itoa(res.Stale),
		strconv.Itoa(res.Loaded),
		strconv.Itoa(res.Failed),
		strconv.FormatInt(res.Facts, 10),
	})
	table.Render()
}
