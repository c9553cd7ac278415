package worker

import (
	"context"
	"log/slog"
	"time"

	"photomesh/internal/config"
	"photomesh/internal/queue"
	"photomesh/internal/telemetry"
)

// Runner is the worker main loop: pull one descriptor, run the pipeline,
// repeat. One job at a time per process; parallelism across jobs comes from
// running N worker processes against the shared queue.
type Runner struct {
	cfg      config.Config
	queue    *queue.Queue
	pipeline *Pipeline
	lane     string
	logger   *slog.Logger
}

func NewRunner(cfg config.Config, q *queue.Queue, p *Pipeline, lane string, logger *slog.Logger) *Runner {
	if lane == "" {
		lane = cfg.DefaultLane
	}
	return &Runner{cfg: cfg, queue: q, pipeline: p, lane: lane, logger: logger}
}

// Run blocks until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started", slog.String("lane", r.lane))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if stats, err := r.queue.LaneStats(ctx, r.lane); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(r.lane).Set(float64(stats.FIFODepth + stats.PriorityDepth))
		}

		desc, err := r.queue.Dequeue(ctx, r.lane, r.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("dequeue failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if desc == nil {
			continue
		}

		r.logger.Info("descriptor received",
			slog.String("job_id", desc.JobID),
			slog.Int("priority", desc.Priority),
		)
		telemetry.InFlightGauge.Inc()
		r.pipeline.Run(ctx, desc)
		telemetry.InFlightGauge.Dec()
	}
}
