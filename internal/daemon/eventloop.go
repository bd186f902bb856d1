package daemon

import (
	"context"
	"time"

	"github.com/harun/docsync/internal/observability"
	"github.com/harun/docsync/pkg/queue"
)

const defaultGaugeInterval = 30 * time.Second

// EventLoop refreshes the queue and tracker gauges on a fixed interval
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: defaultGaugeInterval,
	}
}

// Run refreshes gauges once immediately and then on every tick until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.refreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.refreshGauges(ctx)
		}
	}
}

func (e *EventLoop) refreshGauges(ctx context.Context) {
	c := e.daemon.components

	stats, err := c.Queue.Stats(ctx)
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Failed to read queue stats")
	} else {
		observability.SetQueueSize(string(queue.StateWaiting), stats.Waiting)
		observability.SetQueueSize(string(queue.StateDelayed), stats.Delayed)
		observability.SetQueueSize(string(queue.StateActive), stats.Active)
		observability.SetQueueSize(string(queue.StateCompleted), stats.Completed)
		observability.SetQueueSize(string(queue.StateFailed), stats.Failed)

		if stats.Waiting > 0 || stats.Active > 0 {
			e.daemon.logger.Debug().
				Int("waiting", stats.Waiting).
				Int("delayed", stats.Delayed).
				Int("active", stats.Active).
				Msg("Queue stats")
		}
	}

	counts, err := c.Store.StatusCounts(ctx)
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Failed to read tracked file counts")
		return
	}
	for status, n := range counts {
		observability.SetTrackedFiles(string(status), n)
	}
}
