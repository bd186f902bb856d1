package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	processLimit int
	processWait  bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Queue pending files for ingestion",
	Long: `Claim up to --limit pending or modified files and queue one ingestion
job per file. With --wait the jobs are processed now and the command returns
once the queue is drained.`,
	Args: cobra.NoArgs,
	RunE: runProcess,
}

func init() {
	processCmd.Flags().IntVar(&processLimit, "limit", 50, "maximum number of files to queue")
	processCmd.Flags().BoolVar(&processWait, "wait", false, "process the queue now and wait until it is drained")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	queued, err := env.c.Ingest.ProcessPendingFiles(ctx, processLimit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %d file(s)\n", queued)

	if !processWait {
		return nil
	}
	if err := env.waitForDrain(ctx); err != nil {
		return err
	}

	stats, err := env.c.Queue.Stats(ctx)
	if err != nil {
		return err
	}
	printQueueStats(cmd, stats)
	return nil
}
