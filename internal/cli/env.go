package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/docsync/internal/config"
	"github.com/harun/docsync/internal/daemon"
	"github.com/harun/docsync/internal/logger"
	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/pkg/queue"
	"github.com/spf13/cobra"
)

const waitPollInterval = 100 * time.Millisecond

// loadConfig reads the config file and applies the --log-level override
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands log warnings and
// above to the console unless --log-level says otherwise; the file log
// keeps the configured level.
func newLogger(cmd *cobra.Command, cfg *config.Config, oneShot bool) (*logger.Logger, error) {
	level := cfg.Logging.Level
	if oneShot && !cmd.Flags().Changed("log-level") {
		level = "warn"
	}
	return logger.New(logger.Config{
		Level:     level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}

// commandEnv is what a one-shot command works with: the loaded config, a
// logger and the components opened on the data directory
type commandEnv struct {
	cfg *config.Config
	log *logger.Logger
	c   *daemon.Components
}

// openEnv opens the components for a one-shot command. It fails while the
// daemon holds the data directory.
func openEnv(cmd *cobra.Command) (*commandEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cmd, cfg, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	c, err := daemon.OpenComponents(cmd.Context(), cfg, log)
	if err != nil {
		log.Close()
		if errors.Is(err, daemon.ErrDataDirLocked) {
			return nil, fmt.Errorf("%w (stop the daemon with 'docsync stop' first)", err)
		}
		return nil, err
	}

	if cfg.Audit.Enabled {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger")
		}
	}

	return &commandEnv{cfg: cfg, log: log, c: c}, nil
}

func (e *commandEnv) Close() error {
	err := e.c.Close()
	_ = observability.GetAuditLogger().Close()
	_ = e.log.Close()
	return err
}

// runWorkersUntil runs the worker lanes until done reports true, then stops
// them and waits for in-flight attempts to finish
func (e *commandEnv) runWorkersUntil(ctx context.Context, done func(ctx context.Context) (bool, error)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.c.Ingest.Run(runCtx)
	}()

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			cancel()
			<-errCh
			return ctx.Err()
		case <-ticker.C:
			ok, err := done(ctx)
			if err != nil || ok {
				cancel()
				<-errCh
				return err
			}
		}
	}
}

// waitForJobs runs workers until every listed job is terminal. A job that
// retention already pruned counts as terminal.
func (e *commandEnv) waitForJobs(ctx context.Context, ids []string) error {
	return e.runWorkersUntil(ctx, func(ctx context.Context) (bool, error) {
		for _, id := range ids {
			job, err := e.c.Queue.Get(ctx, id)
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			if err != nil {
				return false, err
			}
			if !job.State.Terminal() {
				return false, nil
			}
		}
		return true, nil
	})
}

// waitForDrain runs workers until the queue holds no waiting, delayed or
// active jobs
func (e *commandEnv) waitForDrain(ctx context.Context) error {
	return e.runWorkersUntil(ctx, func(ctx context.Context) (bool, error) {
		stats, err := e.c.Queue.Stats(ctx)
		if err != nil {
			return false, err
		}
		return stats.Waiting+stats.Delayed+stats.Active == 0, nil
	})
}

// parseMetadata turns repeated key=value flags into a metadata map
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", pair)
		}
		meta[key] = value
	}
	return meta, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
