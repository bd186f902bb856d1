package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/harun/docsync/internal/daemon"
	"github.com/harun/docsync/pkg/queue"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the docsync daemon together with queue
depth, tracked file counts and scheduled task state. When the daemon is
stopped the counts are read from the data directory directly.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return printOfflineStatus(cmd)
	}

	if cfg.Metrics.Enabled {
		status, err := fetchStatus(cmd.Context(), "http://"+cfg.Metrics.Addr+"/status")
		if err == nil {
			printStatus(cmd, status)
			return nil
		}
		cmd.PrintErrf("Status endpoint unavailable: %v\n", err)
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
	fmt.Fprintf(cmd.OutOrStdout(), "PID: %d\n", pid)
	// The PID file is written at start, so its mtime approximates uptime.
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}
	return nil
}

func fetchStatus(ctx context.Context, url string) (daemon.Status, error) {
	var status daemon.Status

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("failed to decode status: %w", err)
	}
	return status, nil
}

func printStatus(cmd *cobra.Command, status daemon.Status) {
	fmt.Fprintln(cmd.OutOrStdout(), "Status: running")
	fmt.Fprintf(cmd.OutOrStdout(), "PID: %d\n", status.PID)
	fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", status.Version)
	fmt.Fprintf(cmd.OutOrStdout(), "Uptime: %s\n", formatDuration(status.Uptime))

	if status.Queue != nil {
		printQueueStats(cmd, *status.Queue)
	}
	printFileCounts(cmd, status.Files)

	if len(status.Tasks) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Tasks:")
		for _, task := range status.Tasks {
			line := fmt.Sprintf("  %-8s %-14s runs=%d", task.Name, task.Spec, task.Runs)
			if task.LastStatus != "" {
				line += " last=" + task.LastStatus
			}
			if task.NextRunAt != nil {
				line += " next=" + task.NextRunAt.Format(time.RFC3339)
			}
			if task.LastError != "" {
				line += " error=" + task.LastError
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
}

func printOfflineStatus(cmd *cobra.Command) error {
	env, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	stats, err := env.c.Queue.Stats(cmd.Context())
	if err != nil {
		return err
	}
	counts, err := env.c.Store.StatusCounts(cmd.Context())
	if err != nil {
		return err
	}

	printQueueStats(cmd, stats)
	files := make(map[string]int, len(counts))
	for st, n := range counts {
		files[string(st)] = n
	}
	printFileCounts(cmd, files)
	return nil
}

func printQueueStats(cmd *cobra.Command, stats queue.Stats) {
	fmt.Fprintf(cmd.OutOrStdout(), "Queue: waiting=%d delayed=%d active=%d completed=%d failed=%d\n",
		stats.Waiting, stats.Delayed, stats.Active, stats.Completed, stats.Failed)
}

func printFileCounts(cmd *cobra.Command, files map[string]int) {
	if len(files) == 0 {
		return
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprint(cmd.OutOrStdout(), "Files:")
	for _, name := range names {
		fmt.Fprintf(cmd.OutOrStdout(), " %s=%d", name, files[name])
	}
	fmt.Fprintln(cmd.OutOrStdout())
}
