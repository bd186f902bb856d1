package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/harun/docsync/pkg/tracker"
	"github.com/spf13/cobra"
)

var (
	filesStatus  []string
	filesFolder  string
	filesLimit   int
	pendingLimit int
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Inspect tracked files",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked files",
	Args:  cobra.NoArgs,
	RunE:  runFilesList,
}

var filesRetryCmd = &cobra.Command{
	Use:   "retry [file-id...]",
	Short: "Return files in error to pending",
	Long: `Return tracked files in error to pending so the next process pass
queues them again. Their attempt count and last error are cleared. Without
ids every failed file is retried.`,
	Args: cobra.ArbitraryArgs,
	RunE: runFilesRetry,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List files waiting to be processed",
	Long: `List pending and modified files of active folders, most recently
modified first, in the order the process pass picks them up.`,
	Args: cobra.NoArgs,
	RunE: runPending,
}

func init() {
	filesListCmd.Flags().StringSliceVar(&filesStatus, "status", nil, "filter by status (pending, processing, completed, error, modified, deleted)")
	filesListCmd.Flags().StringVar(&filesFolder, "folder", "", "filter by folder id or name")
	filesListCmd.Flags().IntVar(&filesLimit, "limit", 0, "maximum number of files (0 lists all)")
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 10, "maximum number of files")

	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesRetryCmd)
	rootCmd.AddCommand(filesCmd)
	rootCmd.AddCommand(pendingCmd)
}

func runFilesList(cmd *cobra.Command, args []string) error {
	filter := tracker.FileFilter{Limit: filesLimit}
	for _, s := range filesStatus {
		status := tracker.FileStatus(s)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	if filesFolder != "" {
		folder, err := env.c.Store.FindFolder(cmd.Context(), filesFolder)
		if err != nil {
			return err
		}
		filter.FolderID = folder.ID
	}

	files, err := env.c.Store.ListFiles(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tracked files.")
		return nil
	}
	return printFiles(cmd.OutOrStdout(), files)
}

func runFilesRetry(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	n, err := env.c.Store.RetryFailedFiles(cmd.Context(), args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Returned %d file(s) to pending\n", n)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	files, err := env.c.Store.GetPendingFiles(cmd.Context(), pendingLimit)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No pending files.")
		return nil
	}
	return printFiles(cmd.OutOrStdout(), files)
}

func printFiles(out io.Writer, files []*tracker.TrackedFile) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tATTEMPTS\tMODIFIED\tPATH\tERROR")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			f.ID, f.Status, f.ProcessingAttempts,
			f.LastModifiedAt.Format("2006-01-02 15:04:05"), f.FilePath, f.LastError)
	}
	return w.Flush()
}
