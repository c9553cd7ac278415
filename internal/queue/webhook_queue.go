package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PushWebhook queues a webhook event id for immediate delivery.
func (q *Queue) PushWebhook(ctx context.Context, eventID string) error {
	return q.client.LPush(ctx, webhookReadyKey, eventID).Err()
}

// NextWebhook blocks for the next deliverable webhook event id. Returns ""
// on timeout.
func (q *Queue) NextWebhook(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, timeout, webhookReadyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop webhook: %w", err)
	}
	return res[1], nil
}

// ScheduleWebhookRetry parks an event id in the retry set until due. The
// retry set is an explicit delay queue: nothing sleeps, the dispatcher
// sweeps due entries with PromoteDueWebhooks.
func (q *Queue) ScheduleWebhookRetry(ctx context.Context, eventID string, due time.Time) error {
	return q.client.ZAdd(ctx, webhookRetryKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: eventID,
	}).Err()
}

// PromoteDueWebhooks moves retry entries whose due time has passed onto the
// ready list. Returns how many were promoted.
func (q *Queue) PromoteDueWebhooks(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, webhookRetryKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan webhook retries: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, webhookRetryKey, id)
		pipe.LPush(ctx, webhookReadyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// WebhookRetryDue returns the scheduled delivery time for an event id, if
// one is parked in the retry set.
func (q *Queue) WebhookRetryDue(ctx context.Context, eventID string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, webhookRetryKey, eventID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}
