package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"photomesh/internal/config"
	"photomesh/internal/models"
	"photomesh/internal/telemetry"
)

// EventStore is the slice of the job store the dispatcher reads and stamps.
type EventStore interface {
	GetWebhookEvent(ctx context.Context, id string) (models.WebhookEvent, error)
	IncrementWebhookAttempts(ctx context.Context, id string) (int, error)
	MarkWebhookDelivered(ctx context.Context, id string, at time.Time) error
}

// DeliveryQueue feeds event ids and parks retries until due.
type DeliveryQueue interface {
	NextWebhook(ctx context.Context, timeout time.Duration) (string, error)
	ScheduleWebhookRetry(ctx context.Context, eventID string, due time.Time) error
	PromoteDueWebhooks(ctx context.Context, now time.Time, limit int64) (int, error)
}

// Dispatcher delivers signed job notifications with bounded retry. Delivery
// is fire-and-forget from the job's perspective: exhausted events are
// abandoned and logged, never surfaced to the job owner.
type Dispatcher struct {
	store       EventStore
	queue       DeliveryQueue
	client      *http.Client
	secret      []byte
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	sweep       time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewDispatcher(cfg config.Config, st EventStore, q DeliveryQueue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       st,
		queue:       q,
		client:      &http.Client{Timeout: cfg.WebhookTimeout},
		secret:      []byte(cfg.WebhookSecret),
		maxAttempts: cfg.WebhookMaxAttempts,
		backoffBase: cfg.WebhookBackoffBase,
		backoffMax:  cfg.WebhookBackoffMax,
		sweep:       cfg.WebhookSweep,
		now:         time.Now,
		logger:      logger,
	}
}

// Run consumes the delivery queue until the context is canceled, sweeping
// due retries back onto the ready list between pops.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("webhook dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := d.queue.PromoteDueWebhooks(ctx, d.now(), 100); err != nil {
			d.logger.Error("promote due webhooks", slog.String("error", err.Error()))
		}

		eventID, err := d.queue.NextWebhook(ctx, d.sweep)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("pop webhook queue", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if eventID == "" {
			continue
		}
		if err := d.Deliver(ctx, eventID); err != nil {
			d.logger.Error("deliver webhook", slog.String("event_id", eventID), slog.String("error", err.Error()))
		}
	}
}

// Deliver attempts one delivery of the event. The attempts counter is
// persisted before the HTTP call so a crash mid-retry never loses it; a
// redelivered command for an already-delivered event is a no-op.
func (d *Dispatcher) Deliver(ctx context.Context, eventID string) error {
	event, err := d.store.GetWebhookEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load webhook event: %w", err)
	}
	if event.DeliveredAt != nil {
		return nil
	}

	attempts, err := d.store.IncrementWebhookAttempts(ctx, eventID)
	if err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}

	body, err := canonicalBody(event)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ok := d.post(ctx, event, body)
	if ok {
		if err := d.store.MarkWebhookDelivered(ctx, eventID, d.now()); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		telemetry.WebhookDelivered.Inc()
		d.logger.Info("webhook delivered",
			slog.String("event_id", eventID),
			slog.Int("attempts", attempts),
		)
		return nil
	}

	if attempts >= d.maxAttempts {
		// Abandon permanently: delivered_at stays null and nothing is
		// re-scheduled.
		telemetry.WebhookAbandoned.Inc()
		d.logger.Warn("webhook abandoned",
			slog.String("event_id", eventID),
			slog.String("url", event.URL),
			slog.Int("attempts", attempts),
		)
		return nil
	}

	due := d.now().Add(d.backoff(attempts))
	if err := d.queue.ScheduleWebhookRetry(ctx, eventID, due); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	telemetry.WebhookRetries.Inc()
	d.logger.Info("webhook retry scheduled",
		slog.String("event_id", eventID),
		slog.Int("attempts", attempts),
		slog.Time("due", due),
	)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, event models.WebhookEvent, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.URL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "photomesh-webhook/1.0")
	req.Header.Set("X-Webhook-Event", event.Type)
	req.Header.Set("X-Webhook-Delivery", event.ID)
	req.Header.Set("X-Webhook-Signature", Sign(d.secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// backoff returns the delay before the next try: min(max, base * 2^(n-1)).
func (d *Dispatcher) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.backoffBase << (attempts - 1)
	if delay > d.backoffMax {
		delay = d.backoffMax
	}
	return delay
}

// canonicalBody renders the delivery payload with the event id merged in.
// encoding/json emits map keys in sorted order, which is the canonical form
// the signature covers.
func canonicalBody(event models.WebhookEvent) ([]byte, error) {
	payload := make(map[string]any, len(event.Payload)+1)
	for k, v := range event.Payload {
		payload[k] = v
	}
	payload["event_id"] = event.ID
	return json.Marshal(payload)
}

// Sign computes the X-Webhook-Signature header value for a body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
