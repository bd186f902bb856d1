package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/docsync/internal/config"
	"github.com/harun/docsync/internal/logger"
	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/queue"
	"github.com/harun/docsync/pkg/schedule"
	"github.com/harun/docsync/pkg/tracker"
)

const (
	// TaskScan and TaskProcess are the scheduled task names
	TaskScan    = "scan"
	TaskProcess = "process"

	shutdownTimeout = 30 * time.Second
)

// Daemon runs the ingestion pipeline continuously: worker lanes consume the
// job queue while the scheduler scans folders and queues pending files
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	version string

	components *Components
	scheduler  *schedule.Service
	server     *statusServer
	eventLoop  *EventLoop
	lifecycle  *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool                 `json:"running"`
	PID       int                  `json:"pid"`
	Version   string               `json:"version"`
	StartTime time.Time            `json:"startTime"`
	Uptime    time.Duration        `json:"uptime"`
	Queue     *queue.Stats         `json:"queue,omitempty"`
	Files     map[string]int       `json:"files,omitempty"`
	Tasks     []schedule.TaskState `json:"tasks,omitempty"`
}

// New opens every component on the configured data directory and prepares
// the scheduler. The data directory stays locked until Stop.
func New(cfg *config.Config, log *logger.Logger, version string) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		version: version,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, version, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	components, err := OpenComponents(ctx, cfg, log)
	if err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	d.components = components

	if cfg.Audit.Enabled {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
		} else {
			log.Info().Str("path", cfg.Audit.File).Msg("Audit logger initialized")
		}
	}

	if cfg.Scheduler.Enabled {
		if err := d.initializeScheduler(); err != nil {
			d.abort()
			return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		d.server = newStatusServer(d, cfg.Metrics.Addr)
	}
	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases whatever New managed to open
func (d *Daemon) abort() {
	d.cancel()
	if d.components != nil {
		if err := d.components.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close components")
		}
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) initializeScheduler() error {
	d.scheduler = schedule.NewService(schedule.Config{
		Logger: d.logger.Component("scheduler"),
	})

	scanner := d.components.Scanner
	svc := d.components.Ingest
	limit := d.config.Scheduler.ProcessLimit

	err := d.scheduler.Add(TaskScan, d.config.Scheduler.ScanCron, func(ctx context.Context) error {
		results, err := scanner.ScanAllFolders(ctx)
		if err != nil {
			return err
		}
		var total tracker.ScanStats
		for _, stats := range results {
			total.Added += stats.Added
			total.Modified += stats.Modified
			total.Deleted += stats.Deleted
			total.Errors += stats.Errors
		}
		logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
		logger.Info().
			Int("folders", len(results)).
			Int("added", total.Added).
			Int("modified", total.Modified).
			Int("deleted", total.Deleted).
			Int("errors", total.Errors).
			Msg("Scheduled scan finished")
		return nil
	})
	if err != nil {
		return err
	}

	err = d.scheduler.Add(TaskProcess, d.config.Scheduler.ProcessCron, func(ctx context.Context) error {
		queued, err := svc.ProcessPendingFiles(ctx, limit)
		if queued > 0 {
			logger := tracing.LoggerFromContext(ctx, d.logger.GetZerolog())
			logger.Info().
				Int("queued", queued).
				Msg("Pending files queued")
		}
		return err
	})
	if err != nil {
		return err
	}

	d.logger.Info().
		Str("scan_cron", d.config.Scheduler.ScanCron).
		Str("process_cron", d.config.Scheduler.ProcessCron).
		Msg("Scheduler initialized")
	return nil
}

// Start launches the worker lanes, the scheduler, the status server and the
// gauge loop, then runs one scan and one process pass in the background
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Str("version", d.version).Msg("Starting docsync daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return err
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.components.Ingest.Run(d.ctx); err != nil {
			d.logger.Error().Err(err).Msg("Job dispatcher exited")
		}
	}()
	logger.Info().Int("concurrency", d.components.Queue.Concurrency()).Msg("Worker lanes started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	if d.scheduler != nil {
		d.scheduler.Start()

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.initialSync(d.ctx)
		}()
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// initialSync catches up on changes made while the daemon was down
func (d *Daemon) initialSync(ctx context.Context) {
	for _, name := range []string{TaskScan, TaskProcess} {
		if ctx.Err() != nil {
			return
		}
		if err := d.scheduler.RunNow(ctx, name); err != nil && !errors.Is(err, schedule.ErrAlreadyRunning) {
			d.logger.Warn().Err(err).Str("task", name).Msg("Initial sync step failed")
		}
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts everything down in reverse order. In-flight jobs finish their
// current attempt; jobs still queued stay in the queue for the next start.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping docsync daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if d.scheduler != nil {
		if err := d.scheduler.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop scheduler")
		}
		logger.Info().Msg("Scheduler stopped")
	}

	if d.server != nil {
		if err := d.server.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop status server")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.components.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close components")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases a daemon that was never started, or stops a running one
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()

	if running {
		return d.Stop()
	}
	d.abort()
	return nil
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.StatusContext(ctx)
}

// StatusContext is Status with a caller-supplied context for the store reads
func (d *Daemon) StatusContext(ctx context.Context) Status {
	d.mu.RLock()
	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
		Version: d.version,
	}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	d.mu.RUnlock()

	if !status.Running {
		return status
	}

	if stats, err := d.components.Queue.Stats(ctx); err == nil {
		status.Queue = &stats
	}
	if counts, err := d.components.Store.StatusCounts(ctx); err == nil {
		status.Files = make(map[string]int, len(counts))
		for st, n := range counts {
			status.Files[string(st)] = n
		}
	}
	if d.scheduler != nil {
		status.Tasks = d.scheduler.Tasks()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetComponents returns the opened ingestion components
func (d *Daemon) GetComponents() *Components {
	return d.components
}

// GetScheduler returns the scheduler, nil when scheduling is disabled
func (d *Daemon) GetScheduler() *schedule.Service {
	return d.scheduler
}

// StatusAddr returns the bound status server address, empty when disabled
func (d *Daemon) StatusAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}
