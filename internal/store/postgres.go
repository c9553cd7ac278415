package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"photomesh/internal/models"
)

// ErrNotFound is returned when a job or webhook event does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. The status relay is the
// only writer of job state after creation; every update here is a guarded
// single-row statement, so no cross-entity transactions are needed.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for sibling persistence components
// (the credits ledger shares this connection pool).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OrgID           *string
	Quality         string
	TargetFormats   []string
	EstimateCredits *float64
	WebhookURL      *string
}

// CreateJob inserts a queued job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Quality == "" {
		p.Quality = models.QualityFast
	}
	formatsJSON, err := json.Marshal(p.TargetFormats)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal target formats: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, org_id, status, quality, target_formats, estimate_credits, webhook_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, p.OrgID, models.StatusQueued, p.Quality, formatsJSON, p.EstimateCredits, p.WebhookURL, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:              id,
		OrgID:           p.OrgID,
		Status:          models.StatusQueued,
		Quality:         p.Quality,
		TargetFormats:   p.TargetFormats,
		EstimateCredits: p.EstimateCredits,
		WebhookURL:      p.WebhookURL,
		CreatedAt:       now,
	}, nil
}

// DeleteJob removes a job row. Used only to compensate a failed enqueue so
// no record remains for a submission the queue never accepted.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, org_id, status, quality, target_formats, estimate_credits, cost_credits,
		       error_code, error_message, webhook_url, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var orgID pgtype.UUID
	var formatsJSON []byte
	var estimate, cost pgtype.Float8
	var errCode, errMsg, webhookURL pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &orgID, &job.Status, &job.Quality, &formatsJSON, &estimate, &cost,
		&errCode, &errMsg, &webhookURL, &job.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(formatsJSON, &job.TargetFormats); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal target formats: %w", err)
	}
	job.OrgID = uuidPtr(orgID)
	job.EstimateCredits = floatPtr(estimate)
	job.CostCredits = floatPtr(cost)
	job.ErrorCode = textPtr(errCode)
	job.ErrorMessage = textPtr(errMsg)
	job.WebhookURL = textPtr(webhookURL)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// MarkRunning transitions a job to running, stamping started_at only once.
func (s *Store) MarkRunning(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $1
	`, id, models.StatusRunning, at.UTC())
	return err
}

// MarkExporting flips the job into the exporting stage.
func (s *Store) MarkExporting(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2 WHERE id = $1`, id, models.StatusExporting)
	return err
}

// MarkTerminal applies a terminal status with completion timestamp and
// optional error details.
func (s *Store) MarkTerminal(ctx context.Context, id, status string, at time.Time, errCode, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = COALESCE(completed_at, $3), error_code = $4, error_message = $5
		WHERE id = $1
	`, id, status, at.UTC(), errCode, errMsg)
	return err
}

// SetCostIfUnset writes cost_credits at most once. Returns true when this
// call performed the write, false when the cost was already set. This is
// the exactly-once billing guard.
func (s *Store) SetCostIfUnset(ctx context.Context, id string, cost float64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET cost_credits = $2 WHERE id = $1 AND cost_credits IS NULL
	`, id, cost)
	if err != nil {
		return false, fmt.Errorf("set cost: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertOutputs appends output rows for a completed job. A (job_id, format)
// pair already present is left untouched, so replaying the insert after a
// partial failure never duplicates rows.
func (s *Store) InsertOutputs(ctx context.Context, jobID string, outputs []models.OutputRef) error {
	for _, out := range outputs {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO job_outputs (id, job_id, format, storage_key, size_bytes, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (job_id, format) DO NOTHING
		`, uuid.New().String(), jobID, out.Format, out.StorageKey, out.SizeBytes)
		if err != nil {
			return fmt.Errorf("insert output %s: %w", out.Format, err)
		}
	}
	return nil
}

// ListOutputs returns a job's output rows.
func (s *Store) ListOutputs(ctx context.Context, jobID string) ([]models.JobOutput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, format, storage_key, size_bytes, created_at
		FROM job_outputs WHERE job_id = $1 ORDER BY created_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	var outputs []models.JobOutput
	for rows.Next() {
		var out models.JobOutput
		if err := rows.Scan(&out.ID, &out.JobID, &out.Format, &out.StorageKey, &out.SizeBytes, &out.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// InsertUsageEvent appends one usage row for a pipeline execution.
func (s *Store) InsertUsageEvent(ctx context.Context, jobID, eventType string, gpuMinutes float64, details map[string]any) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal usage details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO usage_events (id, job_id, event_type, gpu_minutes, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (job_id, event_type) DO NOTHING
	`, uuid.New().String(), jobID, eventType, gpuMinutes, detailsJSON)
	return err
}

// CreateWebhookEvent persists a pending notification and returns it.
func (s *Store) CreateWebhookEvent(ctx context.Context, jobID, eventType, url string, payload map[string]any) (models.WebhookEvent, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("marshal webhook payload: %w", err)
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, job_id, type, url, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
	`, id, jobID, eventType, url, payloadJSON, now)
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("insert webhook event: %w", err)
	}
	return models.WebhookEvent{
		ID:        id,
		JobID:     jobID,
		Type:      eventType,
		URL:       url,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

// GetWebhookEvent fetches a webhook event by id.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (models.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, job_id, type, url, payload, attempts, delivered_at, created_at
		FROM webhook_events WHERE id = $1
	`, id)

	var ev models.WebhookEvent
	var payloadJSON []byte
	var deliveredAt pgtype.Timestamptz
	err := row.Scan(&ev.ID, &ev.JobID, &ev.Type, &ev.URL, &payloadJSON, &ev.Attempts, &deliveredAt, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
		return models.WebhookEvent{}, fmt.Errorf("unmarshal webhook payload: %w", err)
	}
	ev.DeliveredAt = timePtr(deliveredAt)
	return ev, nil
}

// IncrementWebhookAttempts bumps and returns the attempts counter. Called
// before each delivery try so a crash mid-retry never loses the count.
func (s *Store) IncrementWebhookAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE webhook_events SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts
	`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// MarkWebhookDelivered stamps a successful delivery.
func (s *Store) MarkWebhookDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET delivered_at = $2 WHERE id = $1
	`, id, at.UTC())
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func floatPtr(f pgtype.Float8) *float64 {
	if f.Valid {
		return &f.Float64
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		utc := t.Time.UTC()
		return &utc
	}
	return nil
}

func uuidPtr(u pgtype.UUID) *string {
	if u.Valid {
		s := uuid.UUID(u.Bytes).String()
		return &s
	}
	return nil
}
