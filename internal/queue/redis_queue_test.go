package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"photomesh/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, []string{"standard", "rush"}), mr
}

func testDescriptor(jobID string) *models.Descriptor {
	return &models.Descriptor{
		JobID: jobID,
		Images: []models.ImageRef{
			{StorageKey: "uploads/" + jobID + "/a.jpg", Filename: "a.jpg"},
			{StorageKey: "uploads/" + jobID + "/b.jpg", Filename: "b.jpg"},
			{StorageKey: "uploads/" + jobID + "/c.jpg", Filename: "c.jpg"},
		},
		Params: models.ProcessingParams{
			Quality:       models.QualityFast,
			TargetFormats: []string{"glb"},
			MaxIterations: 3000,
		},
		OutputPrefix: "org/anon/jobs/" + jobID + "/outputs",
		QueuedAt:     time.Now().UTC(),
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, testDescriptor("job-1"), "standard", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testDescriptor("job-2"), "standard", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx, "standard", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first == nil || first.JobID != "job-1" {
		t.Fatalf("expected job-1 first, got %+v", first)
	}
	second, err := q.Dequeue(ctx, "standard", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if second == nil || second.JobID != "job-2" {
		t.Fatalf("expected job-2 second, got %+v", second)
	}
}

func TestDequeuePriorityBeforeFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, testDescriptor("fifo-job"), "standard", 0); err != nil {
		t.Fatalf("enqueue fifo: %v", err)
	}
	if err := q.Enqueue(ctx, testDescriptor("low-prio"), "standard", 1); err != nil {
		t.Fatalf("enqueue priority 1: %v", err)
	}
	if err := q.Enqueue(ctx, testDescriptor("high-prio"), "standard", 5); err != nil {
		t.Fatalf("enqueue priority 5: %v", err)
	}

	want := []string{"high-prio", "low-prio", "fifo-job"}
	for _, expected := range want {
		desc, err := q.Dequeue(ctx, "standard", time.Second)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if desc == nil || desc.JobID != expected {
			t.Fatalf("expected %s, got %+v", expected, desc)
		}
	}
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	desc, err := q.Dequeue(ctx, "standard", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil on empty lane, got %+v", desc)
	}
}

func TestEnqueueRejectsInvalidDescriptor(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	desc := testDescriptor("bad-job")
	desc.Params.TargetFormats = nil
	if err := q.Enqueue(ctx, desc, "standard", 0); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLaneStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, testDescriptor("a"), "standard", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testDescriptor("b"), "standard", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testDescriptor("c"), "standard", 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := q.LaneStats(ctx, "standard")
	if err != nil {
		t.Fatalf("lane stats: %v", err)
	}
	if stats.FIFODepth != 2 || stats.PriorityDepth != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRemoveJobAcrossLanes(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, testDescriptor("keep"), "standard", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, testDescriptor("doomed"), "rush", 4); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed, err := q.RemoveJob(ctx, "doomed")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected doomed to be removed")
	}

	stats, err := q.LaneStats(ctx, "rush")
	if err != nil {
		t.Fatalf("lane stats: %v", err)
	}
	if stats.PriorityDepth != 0 {
		t.Fatalf("rush priority set should be empty, got %+v", stats)
	}

	desc, err := q.Dequeue(ctx, "standard", time.Second)
	if err != nil || desc == nil || desc.JobID != "keep" {
		t.Fatalf("keep should survive removal, got %+v err=%v", desc, err)
	}
}

func TestRemoveJobMissing(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	removed, err := q.RemoveJob(ctx, "nope")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed {
		t.Fatal("nothing should have been removed")
	}
}
