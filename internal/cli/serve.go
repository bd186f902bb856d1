package cli

import (
	"fmt"

	"github.com/harun/docsync/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the docsync daemon in the foreground",
	Long: `Run the docsync daemon in the foreground.
The daemon processes queued jobs on its worker lanes, scans monitored folders
and queues pending files on the configured schedules, and serves /metrics,
/healthz and /status on the metrics address. SIGINT or SIGTERM stops it
gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cmd, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, version)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}

	if addr := d.StatusAddr(); addr != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "docsync %s running (PID %d), status at http://%s/status\n", version, d.Status().PID, addr)
	}

	d.Wait()
	return nil
}
