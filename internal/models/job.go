package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusExporting = "exporting"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Quality tiers accepted at submission.
const (
	QualityFast = "fast"
	QualityHigh = "high"
)

// Ledger entry reasons.
const (
	ReasonReserve        = "job_reserve"
	ReasonReserveRelease = "reserve_release"
	ReasonJobCharge      = "job_charge"
	ReasonRefund         = "refund"
	ReasonPurchase       = "purchase"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// transitions is the full state grammar. canceled is only reachable from
// queued and running; a worker that already started keeps going and its
// eventual terminal event is discarded by the relay.
var transitions = map[string][]string{
	StatusQueued:    {StatusRunning, StatusCanceled},
	StatusRunning:   {StatusExporting, StatusCompleted, StatusFailed, StatusCanceled},
	StatusExporting: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one billable unit of reconstruction work. Mutated only by the
// status relay after creation.
type Job struct {
	ID              string     `json:"id"`
	OrgID           *string    `json:"org_id,omitempty"`
	Status          string     `json:"status"`
	Quality         string     `json:"quality"`
	TargetFormats   []string   `json:"target_formats"`
	EstimateCredits *float64   `json:"estimate_credits,omitempty"`
	CostCredits     *float64   `json:"cost_credits,omitempty"`
	ErrorCode       *string    `json:"error_code,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	WebhookURL      *string    `json:"webhook_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobOutput is an exported artifact row, created only on completion.
type JobOutput struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Format     string    `json:"format"`
	StorageKey string    `json:"storage_key"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageEvent records one pipeline execution's resource usage.
type UsageEvent struct {
	ID         string         `json:"id"`
	JobID      string         `json:"job_id"`
	EventType  string         `json:"event_type"`
	GPUMinutes float64        `json:"gpu_minutes"`
	Details    map[string]any `json:"details"`
	CreatedAt  time.Time      `json:"created_at"`
}

// LedgerEntry is an immutable signed-delta credits transaction.
type LedgerEntry struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	Delta        float64   `json:"delta"`
	Reason       string    `json:"reason"`
	JobID        *string   `json:"job_id,omitempty"`
	ExternalTxID *string   `json:"external_tx_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookEvent tracks one notification and its delivery attempts. Attempts
// is persisted before every delivery try so retries survive a crash.
type WebhookEvent struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	Type        string         `json:"type"`
	URL         string         `json:"url"`
	Payload     map[string]any `json:"payload"`
	Attempts    int            `json:"attempts"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
