package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"photomesh/internal/models"
)

// PushStatus emits a worker status event onto the relay stream.
func (q *Queue) PushStatus(ctx context.Context, ev *models.StatusEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return q.client.LPush(ctx, statusKey, payload).Err()
}

// NextStatus moves the next status event into the processing list and
// returns it. The raw payload must be passed back to AckStatus once the
// event has been durably applied, or to RequeueStatus to retry it; events
// left in the processing list after a crash are re-drained by
// RecoverPending. Returns (nil, "", nil) on timeout.
func (q *Queue) NextStatus(ctx context.Context, timeout time.Duration) (*models.StatusEvent, string, error) {
	raw, err := q.client.BLMove(ctx, statusKey, statusProcessingKey, "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("pop status event: %w", err)
	}

	var ev models.StatusEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, raw, fmt.Errorf("decode status event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, raw, err
	}
	return &ev, raw, nil
}

// AckStatus drops a consumed event from the processing list.
func (q *Queue) AckStatus(ctx context.Context, raw string) error {
	return q.client.LRem(ctx, statusProcessingKey, 1, raw).Err()
}

// RequeueStatus returns an event to the stream tail so it is retried next.
func (q *Queue) RequeueStatus(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, statusProcessingKey, 1, raw)
	pipe.RPush(ctx, statusKey, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// RecoverPending moves any events stranded in the processing list back onto
// the stream. Called once at relay startup.
func (q *Queue) RecoverPending(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, statusProcessingKey, statusKey, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover pending: %w", err)
		}
		moved++
	}
}

// StatusDepth reports how many status events are waiting for the relay.
func (q *Queue) StatusDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, statusKey).Result()
}
