package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/harun/docsync/pkg/queue"
	"github.com/spf13/cobra"
)

var (
	jobsState string
	jobsLimit int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by state",
	Args:  cobra.NoArgs,
	RunE:  runJobsStats,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in one state",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a waiting or delayed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRemove,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsState, "state", string(queue.StateWaiting), "job state (waiting, delayed, active, completed, failed)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")

	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsRemoveCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	stats, err := env.c.Queue.Stats(cmd.Context())
	if err != nil {
		return err
	}
	printQueueStats(cmd, stats)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	state := queue.State(jobsState)
	if !state.Valid() {
		return fmt.Errorf("unknown job state %q", jobsState)
	}

	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	jobs, err := env.c.Queue.List(cmd.Context(), state, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s jobs.\n", state)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tATTEMPTS\tCREATED\tSUBJECT\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			job.ID, job.Payload.Kind, job.Attempts, job.MaxAttempts,
			job.CreatedAt.Format("2006-01-02 15:04:05"), jobSubject(job), job.LastError)
	}
	return w.Flush()
}

// jobSubject names what a job ingests: the file name, or a text preview
func jobSubject(job *queue.Job) string {
	switch {
	case job.Payload.File != nil:
		return job.Payload.File.Filename
	case job.Payload.Text != nil:
		text := []rune(job.Payload.Text.Text)
		if len(text) > 40 {
			return string(text[:40]) + "..."
		}
		return string(text)
	}
	return ""
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := env.c.Queue.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runJobsRemove(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.c.Queue.Remove(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
	return nil
}
