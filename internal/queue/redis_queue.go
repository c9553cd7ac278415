package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"photomesh/internal/config"
	"photomesh/internal/models"
)

const (
	statusKey           = "queue:job_updates"
	statusProcessingKey = "queue:job_updates:processing"
	webhookReadyKey     = "queue:webhooks"
	webhookRetryKey     = "queue:webhooks:retry"
)

// ErrUnavailable wraps Redis failures on the enqueue path so callers can
// surface them as QueueUnavailable.
var ErrUnavailable = errors.New("queue unavailable")

// Queue coordinates the per-lane work queues, the status-event stream, and
// the webhook delivery queues in Redis.
type Queue struct {
	client *redis.Client
	lanes  []string
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// New wraps an existing client. lanes is the set of lane classes the queue
// will scan for cancellations.
func New(client *redis.Client, lanes []string) *Queue {
	if len(lanes) == 0 {
		lanes = []string{"standard"}
	}
	return &Queue{client: client, lanes: lanes}
}

func fifoKey(lane string) string     { return fmt.Sprintf("queue:%s", lane) }
func priorityKey(lane string) string { return fmt.Sprintf("queue:%s:priority", lane) }

// Enqueue places a descriptor on the lane. Priority > 0 goes to the lane's
// priority set; priority 0 goes to the FIFO list.
func (q *Queue) Enqueue(ctx context.Context, desc *models.Descriptor, lane string, priority int) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}
	if priority > 0 {
		if err := q.client.ZAdd(ctx, priorityKey(lane), redis.Z{Score: float64(priority), Member: payload}).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, fifoKey(lane), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue pops the next descriptor from the lane. Strict priority: the
// priority set is drained before the FIFO list is ever consulted, so a
// steady stream of prioritized work can starve FIFO submissions. That is a
// known trade-off of this policy (no priority aging), not a bug.
//
// The pop itself is atomic (ZPOPMAX / BRPOP), so two workers never receive
// the same descriptor. Returns (nil, nil) when nothing arrives within the
// timeout.
func (q *Queue) Dequeue(ctx context.Context, lane string, timeout time.Duration) (*models.Descriptor, error) {
	popped, err := q.client.ZPopMax(ctx, priorityKey(lane), 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pop priority lane: %w", err)
	}
	if len(popped) > 0 {
		return decodeDescriptor(fmt.Sprint(popped[0].Member))
	}

	res, err := q.client.BRPop(ctx, timeout, fifoKey(lane)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop fifo lane: %w", err)
	}
	return decodeDescriptor(res[1])
}

// Stats reports the pending depth of both lane structures.
type Stats struct {
	FIFODepth     int64 `json:"fifo_depth"`
	PriorityDepth int64 `json:"priority_depth"`
}

// LaneStats returns queue depths for one lane class.
func (q *Queue) LaneStats(ctx context.Context, lane string) (Stats, error) {
	pipe := q.client.Pipeline()
	fifo := pipe.LLen(ctx, fifoKey(lane))
	prio := pipe.ZCard(ctx, priorityKey(lane))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("lane stats: %w", err)
	}
	return Stats{FIFODepth: fifo.Val(), PriorityDepth: prio.Val()}, nil
}

// RemoveJob deletes a queued descriptor by job id across all lanes. Best
// effort: a descriptor already held by a worker is not reclaimed.
func (q *Queue) RemoveJob(ctx context.Context, jobID string) (bool, error) {
	removed := false
	for _, lane := range q.lanes {
		members, err := q.client.ZRange(ctx, priorityKey(lane), 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("scan priority lane: %w", err)
		}
		for _, m := range members {
			if descriptorJobID(m) == jobID {
				if n, err := q.client.ZRem(ctx, priorityKey(lane), m).Result(); err == nil && n > 0 {
					removed = true
				}
			}
		}

		items, err := q.client.LRange(ctx, fifoKey(lane), 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("scan fifo lane: %w", err)
		}
		for _, item := range items {
			if descriptorJobID(item) == jobID {
				if n, err := q.client.LRem(ctx, fifoKey(lane), 0, item).Result(); err == nil && n > 0 {
					removed = true
				}
			}
		}
	}
	return removed, nil
}

func decodeDescriptor(raw string) (*models.Descriptor, error) {
	var desc models.Descriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return &desc, nil
}

func descriptorJobID(raw string) string {
	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return ""
	}
	return probe.JobID
}
