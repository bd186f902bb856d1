package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/docsync/pkg/ingest"
	"github.com/spf13/cobra"
)

var (
	ingestMetadata    []string
	ingestWait        bool
	ingestFileType    string
	ingestFilename    string
	ingestDeleteAfter bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Queue text or a file for ingestion",
	Long: `Queue raw text or a single file for parsing, embedding and storage in
the vector store. Without --wait the job stays queued for the daemon.`,
}

var ingestTextCmd = &cobra.Command{
	Use:   "text <text>",
	Short: "Queue raw text",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestText,
}

var ingestFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Queue a file (pdf, txt, md)",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngestFile,
}

func init() {
	for _, c := range []*cobra.Command{ingestTextCmd, ingestFileCmd} {
		c.Flags().StringArrayVar(&ingestMetadata, "meta", nil, "metadata as key=value (repeatable)")
		c.Flags().BoolVar(&ingestWait, "wait", false, "process the job now and wait for its outcome")
	}
	ingestFileCmd.Flags().StringVar(&ingestFileType, "type", "", "file type (default is the file extension)")
	ingestFileCmd.Flags().StringVar(&ingestFilename, "name", "", "original file name (default is the base name)")
	ingestFileCmd.Flags().BoolVar(&ingestDeleteAfter, "delete-after", false, "delete the file once the job is finished")

	ingestCmd.AddCommand(ingestTextCmd)
	ingestCmd.AddCommand(ingestFileCmd)
	rootCmd.AddCommand(ingestCmd)
}

func runIngestText(cmd *cobra.Command, args []string) error {
	meta, err := parseMetadata(ingestMetadata)
	if err != nil {
		return err
	}

	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.c.Ingest.EnqueueTextIngestion(cmd.Context(), args[0], meta)
	if err != nil {
		return err
	}
	return reportJob(cmd, env, id)
}

func runIngestFile(cmd *cobra.Command, args []string) error {
	meta, err := parseMetadata(ingestMetadata)
	if err != nil {
		return err
	}

	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path %s: %w", args[0], err)
	}
	fileType := ingestFileType
	if fileType == "" {
		fileType = strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	}
	filename := ingestFilename
	if filename == "" {
		filename = filepath.Base(path)
	}

	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.c.Ingest.EnqueueFileIngestion(cmd.Context(), path, fileType, filename, meta, ingest.FileOptions{
		DeleteAfterProcessing: ingestDeleteAfter,
	})
	if err != nil {
		return err
	}
	return reportJob(cmd, env, id)
}

// reportJob prints the queued job id, and with --wait runs it to a terminal
// state and prints the outcome
func reportJob(cmd *cobra.Command, env *commandEnv, id string) error {
	if !ingestWait {
		fmt.Fprintf(cmd.OutOrStdout(), "Queued job %s\n", id)
		return nil
	}

	ctx := cmd.Context()
	if err := env.waitForJobs(ctx, []string{id}); err != nil {
		return err
	}

	job, err := env.c.Queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Result != nil && job.Result.Success {
		fmt.Fprintf(cmd.OutOrStdout(), "Job %s completed, vector %s\n", job.ID, job.Result.ID)
		return nil
	}
	return fmt.Errorf("job %s failed after %d attempt(s): %s", job.ID, job.Attempts, job.LastError)
}
