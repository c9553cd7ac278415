package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"photomesh/internal/models"
	"photomesh/internal/pricing"
	"photomesh/internal/store"
	"photomesh/internal/telemetry"
)

// JobStore is the slice of the durable job store the relay writes through.
// The relay is the sole writer of job state after creation.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	MarkExporting(ctx context.Context, id string) error
	MarkTerminal(ctx context.Context, id, status string, at time.Time, errCode, errMsg *string) error
	SetCostIfUnset(ctx context.Context, id string, cost float64) (bool, error)
	InsertOutputs(ctx context.Context, jobID string, outputs []models.OutputRef) error
	InsertUsageEvent(ctx context.Context, jobID, eventType string, gpuMinutes float64, details map[string]any) error
	CreateWebhookEvent(ctx context.Context, jobID, eventType, url string, payload map[string]any) (models.WebhookEvent, error)
}

// Ledger is the credits interface the relay bills through.
type Ledger interface {
	Debit(ctx context.Context, orgID string, amount float64, reason string, jobID *string) error
	Credit(ctx context.Context, orgID string, amount float64, reason string, jobID *string) error
	HasEntry(ctx context.Context, jobID, reason string) (bool, error)
}

// Stream is the status-event source plus the webhook hand-off.
type Stream interface {
	NextStatus(ctx context.Context, timeout time.Duration) (*models.StatusEvent, string, error)
	AckStatus(ctx context.Context, raw string) error
	RequeueStatus(ctx context.Context, raw string) error
	RecoverPending(ctx context.Context) (int, error)
	PushWebhook(ctx context.Context, eventID string) error
	StatusDepth(ctx context.Context) (int64, error)
}

// Relay drains the status-event stream and applies each event to the job
// store with billing side effects. It runs as a single serialized consumer:
// per-job ordering is the one guarantee this subsystem must uphold, so
// horizontal scaling means sharding job ids across relay instances, never
// two relays on one stream.
type Relay struct {
	store   JobStore
	ledger  Ledger
	stream  Stream
	pricing *pricing.Model
	timeout time.Duration
	logger  *slog.Logger
}

func New(st JobStore, ledger Ledger, stream Stream, model *pricing.Model, logger *slog.Logger) *Relay {
	return &Relay{
		store:   st,
		ledger:  ledger,
		stream:  stream,
		pricing: model,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Run consumes the stream until the context is canceled. Events are acked
// only after the transition is durably applied; on store failure the event
// goes back to the stream for another pass.
func (r *Relay) Run(ctx context.Context) error {
	if moved, err := r.stream.RecoverPending(ctx); err != nil {
		r.logger.Warn("recover pending events", slog.String("error", err.Error()))
	} else if moved > 0 {
		r.logger.Info("recovered in-flight status events", slog.Int("count", moved))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := r.stream.StatusDepth(ctx); err == nil {
			telemetry.StatusStreamDepth.Set(float64(depth))
		}

		ev, raw, err := r.stream.NextStatus(ctx, r.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if raw != "" {
				// Undecodable payload: poison, drop it.
				r.logger.Error("discarding malformed status event", slog.String("error", err.Error()))
				telemetry.AnomalousEvents.Inc()
				_ = r.stream.AckStatus(ctx, raw)
				continue
			}
			r.logger.Error("read status stream", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if ev == nil {
			continue
		}

		if err := r.Apply(ctx, ev); err != nil {
			r.logger.Error("apply failed, returning event to stream",
				slog.String("job_id", ev.JobID),
				slog.String("status", ev.Status),
				slog.String("error", err.Error()),
			)
			_ = r.stream.RequeueStatus(ctx, raw)
			time.Sleep(time.Second)
			continue
		}
		_ = r.stream.AckStatus(ctx, raw)
	}
}

// Apply processes a single status event. Returning an error means the store
// could not durably apply the transition and the event must be redelivered;
// discards (orphaned or anomalous events) return nil.
func (r *Relay) Apply(ctx context.Context, ev *models.StatusEvent) error {
	log := r.logger.With(slog.String("job_id", ev.JobID), slog.String("status", ev.Status))

	job, err := r.store.GetJob(ctx, ev.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("event for unknown job, discarding")
		telemetry.AnomalousEvents.Inc()
		return nil
	}
	if err != nil {
		return err
	}

	// Duplicate delivery of the terminal event the job already holds:
	// confirm the no-op, apply nothing.
	if models.IsTerminal(job.Status) && job.Status == ev.Status {
		log.Debug("duplicate terminal event, no-op")
		return nil
	}

	if !models.CanTransition(job.Status, ev.Status) {
		log.Warn("anomalous transition, discarding", slog.String("current", job.Status))
		telemetry.AnomalousEvents.Inc()
		return nil
	}

	// Usage lands before the terminal write: once the job row turns
	// terminal, a redelivery short-circuits as a duplicate and would never
	// get back here. The insert itself is conflict-safe.
	if ev.GPUMinutes != nil {
		if err := r.recordUsage(ctx, job.ID, ev); err != nil {
			return err
		}
	}

	switch ev.Status {
	case models.StatusRunning:
		if err := r.store.MarkRunning(ctx, job.ID, ev.Timestamp); err != nil {
			return err
		}
	case models.StatusExporting:
		if err := r.store.MarkExporting(ctx, job.ID); err != nil {
			return err
		}
	case models.StatusCompleted:
		if err := r.applyCompleted(ctx, job, ev, log); err != nil {
			return err
		}
	case models.StatusFailed:
		if err := r.applyFailed(ctx, job, ev, log); err != nil {
			return err
		}
	case models.StatusCanceled:
		if err := r.store.MarkTerminal(ctx, job.ID, models.StatusCanceled, ev.Timestamp, nil, nil); err != nil {
			return err
		}
		telemetry.JobsCanceled.Inc()
	}

	if job.WebhookURL != nil {
		r.enqueueWebhook(ctx, job, ev, log)
	}
	return nil
}

// applyCompleted writes the completed job's cost, outputs and ledger entries
// before marking it terminal. Each side effect carries its own idempotency
// guard and every failure is returned, so a redelivered event finishes
// whatever an interrupted pass left undone without repeating what landed.
func (r *Relay) applyCompleted(ctx context.Context, job models.Job, ev *models.StatusEvent, log *slog.Logger) error {
	cost := r.pricing.JobCredits(job.Quality, job.TargetFormats)

	if _, err := r.store.SetCostIfUnset(ctx, job.ID, cost); err != nil {
		return err
	}
	if err := r.store.InsertOutputs(ctx, job.ID, ev.Outputs); err != nil {
		return err
	}
	if job.OrgID != nil {
		jobRef := job.ID
		if job.EstimateCredits != nil {
			released, err := r.ledger.HasEntry(ctx, job.ID, models.ReasonReserveRelease)
			if err != nil {
				return err
			}
			if !released {
				if err := r.ledger.Credit(ctx, *job.OrgID, *job.EstimateCredits, models.ReasonReserveRelease, &jobRef); err != nil {
					return err
				}
			}
		}
		charged, err := r.ledger.HasEntry(ctx, job.ID, models.ReasonJobCharge)
		if err != nil {
			return err
		}
		if !charged {
			if err := r.ledger.Debit(ctx, *job.OrgID, cost, models.ReasonJobCharge, &jobRef); err != nil {
				return err
			}
			log.Info("charged job", slog.Float64("cost_credits", cost))
		}
	}

	var errMsg *string
	if ev.ErrorMessage != "" {
		errMsg = &ev.ErrorMessage
	}
	if err := r.store.MarkTerminal(ctx, job.ID, models.StatusCompleted, ev.Timestamp, nil, errMsg); err != nil {
		return err
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

func (r *Relay) applyFailed(ctx context.Context, job models.Job, ev *models.StatusEvent, log *slog.Logger) error {
	// Refund the reservation at most once, guarded by the ledger itself so
	// a duplicate failed event can never double-refund.
	if job.OrgID != nil && job.EstimateCredits != nil {
		refunded, err := r.ledger.HasEntry(ctx, job.ID, models.ReasonRefund)
		if err != nil {
			return err
		}
		if !refunded {
			jobRef := job.ID
			if err := r.ledger.Credit(ctx, *job.OrgID, *job.EstimateCredits, models.ReasonRefund, &jobRef); err != nil {
				return err
			}
			log.Info("refunded estimate", slog.Float64("estimate_credits", *job.EstimateCredits))
		}
	}

	var errCode, errMsg *string
	if ev.ErrorCode != "" {
		errCode = &ev.ErrorCode
	}
	if ev.ErrorMessage != "" {
		errMsg = &ev.ErrorMessage
	}
	if err := r.store.MarkTerminal(ctx, job.ID, models.StatusFailed, ev.Timestamp, errCode, errMsg); err != nil {
		return err
	}
	telemetry.JobsFailed.Inc()
	return nil
}

func (r *Relay) recordUsage(ctx context.Context, jobID string, ev *models.StatusEvent) error {
	details := map[string]any{
		"status":    ev.Status,
		"worker_id": ev.WorkerID,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
	}
	if err := r.store.InsertUsageEvent(ctx, jobID, "gpu_minutes", *ev.GPUMinutes, details); err != nil {
		return err
	}
	telemetry.GPUMinutes.Add(*ev.GPUMinutes)
	return nil
}

// enqueueWebhook persists a notification row and hands it to the
// dispatcher. Failures are logged, never propagated: notification delivery
// is fire-and-forget from the job's perspective.
func (r *Relay) enqueueWebhook(ctx context.Context, job models.Job, ev *models.StatusEvent, log *slog.Logger) {
	// completed_at mirrors the stored row. MarkTerminal keeps an existing
	// completed_at, so when the loaded job already has one the event's
	// timestamp must not overwrite it in the notification.
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.Format(time.RFC3339)
	} else if models.IsTerminal(ev.Status) {
		completedAt = ev.Timestamp.Format(time.RFC3339)
	}
	payload := map[string]any{
		"job_id":       job.ID,
		"status":       ev.Status,
		"created_at":   job.CreatedAt.Format(time.RFC3339),
		"completed_at": completedAt,
	}
	event, err := r.store.CreateWebhookEvent(ctx, job.ID, "job."+ev.Status, *job.WebhookURL, payload)
	if err != nil {
		log.Error("persist webhook event failed", slog.String("error", err.Error()))
		return
	}
	if err := r.stream.PushWebhook(ctx, event.ID); err != nil {
		log.Error("queue webhook failed", slog.String("event_id", event.ID), slog.String("error", err.Error()))
	}
}
