package cli

import (
	"fmt"
	"sort"

	"github.com/harun/docsync/pkg/tracker"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [folder]",
	Short: "Scan monitored folders for changes",
	Long: `Scan one monitored folder (by id or name) or every active folder.
New files are tracked as pending, changed files as modified, and files that
vanished are marked deleted. Stale vectors of changed or deleted files are
removed from the vector store.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()

	if len(args) == 1 {
		folder, err := env.c.Store.FindFolder(ctx, args[0])
		if err != nil {
			return err
		}
		stats, err := env.c.Scanner.ScanFolder(ctx, folder.ID)
		if err != nil {
			return err
		}
		printScanStats(cmd, folder.Name, stats)
		return nil
	}

	results, err := env.c.Scanner.ScanAllFolders(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active folders to scan.")
		return nil
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printScanStats(cmd, name, results[name])
	}
	return nil
}

func printScanStats(cmd *cobra.Command, name string, stats tracker.ScanStats) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s: added=%d modified=%d unchanged=%d deleted=%d errors=%d\n",
		name, stats.Added, stats.Modified, stats.Unchanged, stats.Deleted, stats.Errors)
}
