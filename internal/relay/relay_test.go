package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"photomesh/internal/config"
	"photomesh/internal/credits"
	"photomesh/internal/models"
	"photomesh/internal/pricing"
	"photomesh/internal/store"
)

type fakeJobStore struct {
	jobs          map[string]*models.Job
	outputs       map[string][]models.OutputRef
	usageEvents   int
	usageSeen     map[string]bool
	webhookEvents []models.WebhookEvent
	outputsErr    error // returned by the next InsertOutputs, then cleared
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:      make(map[string]*models.Job),
		outputs:   make(map[string][]models.OutputRef),
		usageSeen: make(map[string]bool),
	}
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return *job, nil
}

func (f *fakeJobStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	job := f.jobs[id]
	job.Status = models.StatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &at
	}
	return nil
}

func (f *fakeJobStore) MarkExporting(_ context.Context, id string) error {
	f.jobs[id].Status = models.StatusExporting
	return nil
}

func (f *fakeJobStore) MarkTerminal(_ context.Context, id, status string, at time.Time, errCode, errMsg *string) error {
	job := f.jobs[id]
	job.Status = status
	if job.CompletedAt == nil {
		job.CompletedAt = &at
	}
	job.ErrorCode = errCode
	job.ErrorMessage = errMsg
	return nil
}

func (f *fakeJobStore) SetCostIfUnset(_ context.Context, id string, cost float64) (bool, error) {
	job := f.jobs[id]
	if job.CostCredits != nil {
		return false, nil
	}
	job.CostCredits = &cost
	return true, nil
}

// InsertOutputs mirrors the store's conflict handling: one row per
// (job, format), re-inserts are silently skipped.
func (f *fakeJobStore) InsertOutputs(_ context.Context, jobID string, outputs []models.OutputRef) error {
	if f.outputsErr != nil {
		err := f.outputsErr
		f.outputsErr = nil
		return err
	}
	for _, out := range outputs {
		exists := false
		for _, have := range f.outputs[jobID] {
			if have.Format == out.Format {
				exists = true
				break
			}
		}
		if !exists {
			f.outputs[jobID] = append(f.outputs[jobID], out)
		}
	}
	return nil
}

func (f *fakeJobStore) InsertUsageEvent(_ context.Context, jobID, eventType string, _ float64, _ map[string]any) error {
	key := jobID + "/" + eventType
	if !f.usageSeen[key] {
		f.usageSeen[key] = true
		f.usageEvents++
	}
	return nil
}

func (f *fakeJobStore) CreateWebhookEvent(_ context.Context, jobID, eventType, url string, payload map[string]any) (models.WebhookEvent, error) {
	ev := models.WebhookEvent{
		ID:      "evt-" + jobID + "-" + eventType,
		JobID:   jobID,
		Type:    eventType,
		URL:     url,
		Payload: payload,
	}
	f.webhookEvents = append(f.webhookEvents, ev)
	return ev, nil
}

type ledgerEntry struct {
	orgID  string
	jobID  string
	delta  float64
	reason string
}

// fakeLedger keeps the real ledger's rules: balance is the sum of deltas,
// debits refuse to overdraw when enforceBalance is on, credits always land.
type fakeLedger struct {
	entries        []ledgerEntry
	enforceBalance bool
	debitErr       error // returned by the next Debit, then cleared
}

func (f *fakeLedger) Debit(_ context.Context, orgID string, amount float64, reason string, jobID *string) error {
	if f.debitErr != nil {
		err := f.debitErr
		f.debitErr = nil
		return err
	}
	if f.enforceBalance && f.balance() < amount {
		return credits.ErrInsufficientCredits
	}
	f.entries = append(f.entries, ledgerEntry{orgID, deref(jobID), -amount, reason})
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, orgID string, amount float64, reason string, jobID *string) error {
	f.entries = append(f.entries, ledgerEntry{orgID, deref(jobID), amount, reason})
	return nil
}

func (f *fakeLedger) HasEntry(_ context.Context, jobID, reason string) (bool, error) {
	for _, e := range f.entries {
		if e.jobID == jobID && e.reason == reason {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) balance() float64 {
	var sum float64
	for _, e := range f.entries {
		sum += e.delta
	}
	return sum
}

func (f *fakeLedger) count(reason string) int {
	n := 0
	for _, e := range f.entries {
		if e.reason == reason {
			n++
		}
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type fakeStream struct {
	webhooks []string
}

func (f *fakeStream) NextStatus(context.Context, time.Duration) (*models.StatusEvent, string, error) {
	return nil, "", nil
}
func (f *fakeStream) AckStatus(context.Context, string) error     { return nil }
func (f *fakeStream) RequeueStatus(context.Context, string) error { return nil }
func (f *fakeStream) RecoverPending(context.Context) (int, error) { return 0, nil }
func (f *fakeStream) PushWebhook(_ context.Context, eventID string) error {
	f.webhooks = append(f.webhooks, eventID)
	return nil
}
func (f *fakeStream) StatusDepth(context.Context) (int64, error) { return 0, nil }

func newTestRelay(st *fakeJobStore, ledger *fakeLedger, stream *fakeStream) *Relay {
	model := pricing.NewModel(config.Config{
		CreditsFastJob: 1.0,
		CreditsHighJob: 2.5,
		USDZMultiplier: 1.2,
	})
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(st, ledger, stream, model, logger)
}

func seedJob(st *fakeJobStore, status string) *models.Job {
	org := "org-1"
	estimate := 1.0
	url := "https://example.com/hook"
	job := &models.Job{
		ID:              "job-1",
		OrgID:           &org,
		Status:          status,
		Quality:         models.QualityFast,
		TargetFormats:   []string{"glb"},
		EstimateCredits: &estimate,
		WebhookURL:      &url,
		CreatedAt:       time.Now().UTC(),
	}
	st.jobs[job.ID] = job
	return job
}

func TestApplyRunning(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusQueued)
	r := newTestRelay(st, &fakeLedger{}, &fakeStream{})

	ev := &models.StatusEvent{JobID: "job-1", Status: models.StatusRunning, WorkerID: "w1", Timestamp: time.Now()}
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, models.StatusRunning, st.jobs["job-1"].Status)
	require.NotNil(t, st.jobs["job-1"].StartedAt)
}

func TestApplyCompletedChargesOnce(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusRunning)
	ledger := &fakeLedger{}
	stream := &fakeStream{}
	r := newTestRelay(st, ledger, stream)

	minutes := 4.2
	ev := &models.StatusEvent{
		JobID:      "job-1",
		Status:     models.StatusCompleted,
		WorkerID:   "w1",
		Timestamp:  time.Now(),
		GPUMinutes: &minutes,
		Outputs:    []models.OutputRef{{Format: "glb", StorageKey: "org/org-1/jobs/job-1/outputs/model.glb", SizeBytes: 99}},
	}
	require.NoError(t, r.Apply(context.Background(), ev))

	job := st.jobs["job-1"]
	require.Equal(t, models.StatusCompleted, job.Status)
	require.NotNil(t, job.CostCredits)
	require.Equal(t, 1.0, *job.CostCredits)
	require.Len(t, st.outputs["job-1"], 1)
	require.Equal(t, 1, ledger.count(models.ReasonReserveRelease))
	require.Equal(t, 1, ledger.count(models.ReasonJobCharge))
	require.Equal(t, 1, st.usageEvents)

	// Redelivery of the same terminal event is a pure no-op.
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Len(t, st.outputs["job-1"], 1)
	require.Equal(t, 1, ledger.count(models.ReasonReserveRelease))
	require.Equal(t, 1, ledger.count(models.ReasonJobCharge))
	require.Equal(t, 1, st.usageEvents)
	require.Len(t, stream.webhooks, 1)
}

func TestApplyFailedRefundsOnce(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusRunning)
	ledger := &fakeLedger{}
	r := newTestRelay(st, ledger, &fakeStream{})

	ev := &models.StatusEvent{
		JobID:        "job-1",
		Status:       models.StatusFailed,
		WorkerID:     "w1",
		Timestamp:    time.Now(),
		ErrorCode:    "train_failed",
		ErrorMessage: "CUDA out of memory",
	}
	require.NoError(t, r.Apply(context.Background(), ev))

	job := st.jobs["job-1"]
	require.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	require.Equal(t, "train_failed", *job.ErrorCode)
	require.Equal(t, 1, ledger.count(models.ReasonRefund))

	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, 1, ledger.count(models.ReasonRefund))
}

func TestApplyDiscardsIllegalTransition(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusCanceled)
	ledger := &fakeLedger{}
	r := newTestRelay(st, ledger, &fakeStream{})

	// The worker finished a job that was canceled while it ran. Its report
	// is discarded, never billed.
	ev := &models.StatusEvent{JobID: "job-1", Status: models.StatusCompleted, WorkerID: "w1", Timestamp: time.Now()}
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, models.StatusCanceled, st.jobs["job-1"].Status)
	require.Empty(t, ledger.entries)
	require.Nil(t, st.jobs["job-1"].CostCredits)
}

func TestApplyDiscardsUnknownJob(t *testing.T) {
	st := newFakeJobStore()
	r := newTestRelay(st, &fakeLedger{}, &fakeStream{})

	ev := &models.StatusEvent{JobID: "ghost", Status: models.StatusRunning, WorkerID: "w1", Timestamp: time.Now()}
	require.NoError(t, r.Apply(context.Background(), ev))
}

func TestApplyCanceledFromQueued(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusQueued)
	stream := &fakeStream{}
	r := newTestRelay(st, &fakeLedger{}, stream)

	ev := &models.StatusEvent{JobID: "job-1", Status: models.StatusCanceled, WorkerID: "api", Timestamp: time.Now()}
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, models.StatusCanceled, st.jobs["job-1"].Status)
	require.Len(t, stream.webhooks, 1)
	require.Equal(t, "job.canceled", st.webhookEvents[0].Type)
}

func TestApplyExportingThenCompleted(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusRunning)
	r := newTestRelay(st, &fakeLedger{}, &fakeStream{})

	evExport := &models.StatusEvent{JobID: "job-1", Status: models.StatusExporting, WorkerID: "w1", Timestamp: time.Now()}
	require.NoError(t, r.Apply(context.Background(), evExport))
	require.Equal(t, models.StatusExporting, st.jobs["job-1"].Status)

	evDone := &models.StatusEvent{
		JobID:     "job-1",
		Status:    models.StatusCompleted,
		WorkerID:  "w1",
		Timestamp: time.Now(),
		Outputs:   []models.OutputRef{{Format: "glb", StorageKey: "k", SizeBytes: 1}},
	}
	require.NoError(t, r.Apply(context.Background(), evDone))
	require.Equal(t, models.StatusCompleted, st.jobs["job-1"].Status)
}

func TestApplyCompletedResumesAfterOutputFailure(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusRunning)
	ledger := &fakeLedger{}
	r := newTestRelay(st, ledger, &fakeStream{})

	minutes := 3.0
	ev := &models.StatusEvent{
		JobID:      "job-1",
		Status:     models.StatusCompleted,
		WorkerID:   "w1",
		Timestamp:  time.Now(),
		GPUMinutes: &minutes,
		Outputs:    []models.OutputRef{{Format: "glb", StorageKey: "k", SizeBytes: 9}},
	}

	// The output insert fails after the cost write landed. The event must
	// come back for redelivery, not be acked with half the effects applied.
	st.outputsErr = errors.New("connection reset")
	require.Error(t, r.Apply(context.Background(), ev))
	require.NotEqual(t, models.StatusCompleted, st.jobs["job-1"].Status)
	require.Empty(t, st.outputs["job-1"])
	require.Zero(t, ledger.count(models.ReasonJobCharge))

	// Redelivery finishes the remainder exactly once.
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, models.StatusCompleted, st.jobs["job-1"].Status)
	require.Len(t, st.outputs["job-1"], 1)
	require.Equal(t, 1, ledger.count(models.ReasonReserveRelease))
	require.Equal(t, 1, ledger.count(models.ReasonJobCharge))
	require.Equal(t, 1, st.usageEvents)
}

func TestApplyCompletedResumesAfterChargeFailure(t *testing.T) {
	st := newFakeJobStore()
	seedJob(st, models.StatusRunning)
	ledger := &fakeLedger{debitErr: errors.New("connection reset")}
	r := newTestRelay(st, ledger, &fakeStream{})

	ev := &models.StatusEvent{
		JobID:     "job-1",
		Status:    models.StatusCompleted,
		WorkerID:  "w1",
		Timestamp: time.Now(),
		Outputs:   []models.OutputRef{{Format: "glb", StorageKey: "k", SizeBytes: 9}},
	}

	// Outputs and the reservation release land, the charge debit fails.
	require.Error(t, r.Apply(context.Background(), ev))
	require.NotEqual(t, models.StatusCompleted, st.jobs["job-1"].Status)
	require.Equal(t, 1, ledger.count(models.ReasonReserveRelease))
	require.Zero(t, ledger.count(models.ReasonJobCharge))

	// Redelivery skips what already landed and completes the charge.
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, models.StatusCompleted, st.jobs["job-1"].Status)
	require.Len(t, st.outputs["job-1"], 1)
	require.Equal(t, 1, ledger.count(models.ReasonReserveRelease))
	require.Equal(t, 1, ledger.count(models.ReasonJobCharge))
}

func TestApplyCompletedChargeRefusedWhenBalanceShort(t *testing.T) {
	st := newFakeJobStore()
	job := seedJob(st, models.StatusRunning)
	job.Quality = models.QualityHigh // cost 2.5, reserved only 1.0

	ledger := &fakeLedger{enforceBalance: true}
	ledger.entries = append(ledger.entries,
		ledgerEntry{orgID: "org-1", delta: 1.0, reason: models.ReasonPurchase},
		ledgerEntry{orgID: "org-1", jobID: "job-1", delta: -1.0, reason: models.ReasonReserve},
	)
	r := newTestRelay(st, ledger, &fakeStream{})

	ev := &models.StatusEvent{
		JobID:     "job-1",
		Status:    models.StatusCompleted,
		WorkerID:  "w1",
		Timestamp: time.Now(),
		Outputs:   []models.OutputRef{{Format: "glb", StorageKey: "k", SizeBytes: 9}},
	}
	err := r.Apply(context.Background(), ev)
	require.ErrorIs(t, err, credits.ErrInsufficientCredits)
	require.Zero(t, ledger.count(models.ReasonJobCharge))
	require.NotEqual(t, models.StatusCompleted, st.jobs["job-1"].Status)
}

func TestApplyFailedRestoresBalanceExactly(t *testing.T) {
	st := newFakeJobStore()
	job := seedJob(st, models.StatusRunning)
	estimate := 2.5
	job.EstimateCredits = &estimate

	// Balance history as the API left it: 10.0 purchased, 2.5 reserved.
	ledger := &fakeLedger{enforceBalance: true}
	ledger.entries = append(ledger.entries,
		ledgerEntry{orgID: "org-1", delta: 10.0, reason: models.ReasonPurchase},
		ledgerEntry{orgID: "org-1", jobID: "job-1", delta: -2.5, reason: models.ReasonReserve},
	)
	r := newTestRelay(st, ledger, &fakeStream{})
	require.Equal(t, 7.5, ledger.balance())

	ev := &models.StatusEvent{
		JobID:        "job-1",
		Status:       models.StatusFailed,
		WorkerID:     "w1",
		Timestamp:    time.Now(),
		ErrorCode:    "train_failed",
		ErrorMessage: "CUDA out of memory",
	}
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, 10.0, ledger.balance())
	require.Equal(t, 1, ledger.count(models.ReasonRefund))

	// A duplicate failed event must not move the balance again.
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Equal(t, 10.0, ledger.balance())
}

func TestWebhookSnapshotUsesStoredCompletedAt(t *testing.T) {
	st := newFakeJobStore()
	job := seedJob(st, models.StatusRunning)
	stored := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	job.CompletedAt = &stored

	stream := &fakeStream{}
	r := newTestRelay(st, &fakeLedger{}, stream)

	// The event carries a later timestamp than the row already holds; the
	// notification must report what is stored, not what was delivered.
	ev := &models.StatusEvent{
		JobID:     "job-1",
		Status:    models.StatusCompleted,
		WorkerID:  "w1",
		Timestamp: time.Now(),
		Outputs:   []models.OutputRef{{Format: "glb", StorageKey: "k", SizeBytes: 9}},
	}
	require.NoError(t, r.Apply(context.Background(), ev))
	require.Len(t, st.webhookEvents, 1)
	require.Equal(t, stored.Format(time.RFC3339), st.webhookEvents[0].Payload["completed_at"])
	require.Equal(t, stored, *st.jobs["job-1"].CompletedAt)
}
