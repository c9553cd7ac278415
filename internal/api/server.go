package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"photomesh/internal/config"
	"photomesh/internal/credits"
	"photomesh/internal/models"
	"photomesh/internal/pricing"
	"photomesh/internal/queue"
	"photomesh/internal/ratelimit"
	"photomesh/internal/store"
	"photomesh/internal/telemetry"
)

// Server wires the submission API. Everything past the enqueue belongs to
// the relay; the API only creates jobs, reserves credits, and feeds the
// work queue.
type Server struct {
	cfg     config.Config
	store   *store.Store
	ledger  *credits.Ledger
	queue   *queue.Queue
	limiter *ratelimit.TokenBucket
	pricing *pricing.Model
	logger  *slog.Logger
}

func New(cfg config.Config, st *store.Store, ledger *credits.Ledger, q *queue.Queue, limiter *ratelimit.TokenBucket, model *pricing.Model, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		ledger:  ledger,
		queue:   q,
		limiter: limiter,
		pricing: model,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/queues/{lane}/stats", s.handleLaneStats)
	r.Get("/credits/balance", s.handleBalance)
	return r
}

type submitRequest struct {
	Images     []models.ImageRef `json:"images"`
	Params     submitParams      `json:"params"`
	WebhookURL string            `json:"webhook_url"`
	Lane       string            `json:"lane"`
	Priority   int               `json:"priority"`
}

type submitParams struct {
	Quality               string   `json:"quality"`
	TargetFormats         []string `json:"target_formats"`
	MeshSimplifyTargetTri int      `json:"mesh_simplify_target_tris"`
}

type submitResponse struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	EstimateCredits *float64 `json:"estimate_credits,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Params.Quality == "" {
		req.Params.Quality = models.QualityFast
	}
	if err := validateSubmission(&req); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	orgID := orgFromRequest(r)
	limitKey := "anonymous"
	if orgID != nil {
		limitKey = *orgID
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), limitKey)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			httpError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	estimate := s.pricing.JobCredits(req.Params.Quality, req.Params.TargetFormats)

	var webhookURL *string
	if req.WebhookURL != "" {
		webhookURL = &req.WebhookURL
	}
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		OrgID:           orgID,
		Quality:         req.Params.Quality,
		TargetFormats:   req.Params.TargetFormats,
		EstimateCredits: &estimate,
		WebhookURL:      webhookURL,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "create job failed")
		return
	}

	// Reserve the estimate up front; a failed job refunds it, a completed
	// job releases it against the actual charge.
	if orgID != nil {
		if err := s.ledger.Debit(r.Context(), *orgID, estimate, models.ReasonReserve, &job.ID); err != nil {
			_ = s.store.DeleteJob(r.Context(), job.ID)
			if errors.Is(err, credits.ErrInsufficientCredits) {
				httpError(w, http.StatusPaymentRequired, "insufficient credits")
				return
			}
			httpError(w, http.StatusInternalServerError, "credit reservation failed")
			return
		}
	}

	desc := s.buildDescriptor(job, req)
	lane := req.Lane
	if lane == "" {
		lane = s.cfg.DefaultLane
	}
	if err := s.queue.Enqueue(r.Context(), desc, lane, req.Priority); err != nil {
		// No job record survives a submission the queue never accepted.
		s.logger.Error("enqueue failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		if orgID != nil {
			_ = s.ledger.Credit(r.Context(), *orgID, estimate, models.ReasonReserveRelease, &job.ID)
		}
		_ = s.store.DeleteJob(r.Context(), job.ID)
		httpError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, submitResponse{
		ID:              job.ID,
		Status:          job.Status,
		EstimateCredits: job.EstimateCredits,
	})
}

func (s *Server) buildDescriptor(job models.Job, req submitRequest) *models.Descriptor {
	maxIter := s.cfg.MaxIterFast
	if job.Quality == models.QualityHigh {
		maxIter = s.cfg.MaxIterHigh
	}
	tris := req.Params.MeshSimplifyTargetTri
	if tris <= 0 {
		tris = 150000
	}
	orgSegment := "anon"
	if job.OrgID != nil {
		orgSegment = *job.OrgID
	}
	return &models.Descriptor{
		JobID:  job.ID,
		Images: req.Images,
		Params: models.ProcessingParams{
			Quality:               job.Quality,
			TargetFormats:         job.TargetFormats,
			MaxIterations:         maxIter,
			MeshSimplifyTargetTri: tris,
			Compress:              true,
		},
		OutputPrefix: fmt.Sprintf("org/%s/jobs/%s/outputs", orgSegment, job.ID),
		FeatureUSDZ:  s.cfg.FeatureUSDZ,
		QueuedAt:     time.Now().UTC(),
		Priority:     req.Priority,
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	outputs, err := s.store.ListOutputs(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "load outputs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     job,
		"outputs": outputs,
	})
}

// handleCancel accepts cancellation for queued or running jobs. A worker
// that already picked the job up is not interrupted; it reports its real
// outcome and the relay discards it against the canceled state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "load job failed")
		return
	}
	if models.IsTerminal(job.Status) || job.Status == models.StatusExporting {
		httpError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}

	if _, err := s.queue.RemoveJob(r.Context(), id); err != nil {
		s.logger.Warn("queue removal failed", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	ev := &models.StatusEvent{
		JobID:     id,
		Status:    models.StatusCanceled,
		WorkerID:  "api",
		Timestamp: time.Now().UTC(),
	}
	if err := s.queue.PushStatus(r.Context(), ev); err != nil {
		httpError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

func (s *Server) handleLaneStats(w http.ResponseWriter, r *http.Request) {
	lane := chi.URLParam(r, "lane")
	stats, err := s.queue.LaneStats(r.Context(), lane)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	orgID := orgFromRequest(r)
	if orgID == nil {
		httpError(w, http.StatusBadRequest, "X-Org-ID header is required")
		return
	}
	balance, err := s.ledger.Balance(r.Context(), *orgID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "balance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": *orgID, "balance": balance})
}

func validateSubmission(req *submitRequest) error {
	if len(req.Images) < 3 {
		return fmt.Errorf("at least 3 images are required, got %d", len(req.Images))
	}
	if len(req.Images) > 50 {
		return fmt.Errorf("at most 50 images are allowed, got %d", len(req.Images))
	}
	for i, img := range req.Images {
		if img.StorageKey == "" {
			return fmt.Errorf("images[%d].storage_key is required", i)
		}
	}
	if req.Params.Quality != models.QualityFast && req.Params.Quality != models.QualityHigh {
		return fmt.Errorf("unknown quality %q", req.Params.Quality)
	}
	if len(req.Params.TargetFormats) == 0 {
		return errors.New("params.target_formats is required")
	}
	for _, format := range req.Params.TargetFormats {
		if format != "glb" && format != "usdz" {
			return fmt.Errorf("unsupported target format %q", format)
		}
	}
	if req.Priority < 0 {
		return errors.New("priority must be non-negative")
	}
	return nil
}

func orgFromRequest(r *http.Request) *string {
	if v := r.Header.Get("X-Org-ID"); v != "" {
		return &v
	}
	return nil
}

func httpError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
