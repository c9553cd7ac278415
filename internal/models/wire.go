package models

import (
	"errors"
	"fmt"
	"time"
)

// ImageRef points at one uploaded source photo in object storage.
type ImageRef struct {
	StorageKey string `json:"storage_key"`
	Filename   string `json:"filename"`
}

// ProcessingParams are the reconstruction knobs snapshotted at enqueue time.
type ProcessingParams struct {
	Quality               string   `json:"quality"`
	TargetFormats         []string `json:"target_formats"`
	MaxIterations         int      `json:"max_iterations"`
	MeshSimplifyTargetTri int      `json:"mesh_simplify_target_tris"`
	Compress              bool     `json:"compress"`
}

// Descriptor is the immutable work-queue payload: everything a worker needs
// to run one job without touching the job store.
type Descriptor struct {
	JobID        string           `json:"job_id"`
	Images       []ImageRef       `json:"images"`
	Params       ProcessingParams `json:"params"`
	OutputPrefix string           `json:"output_prefix"`
	FeatureUSDZ  bool             `json:"feature_usdz"`
	QueuedAt     time.Time        `json:"queued_at"`
	Priority     int              `json:"priority"`
}

// Validate rejects descriptors with missing required fields at the boundary.
func (d *Descriptor) Validate() error {
	if d.JobID == "" {
		return errors.New("descriptor: job_id is required")
	}
	if len(d.Images) == 0 {
		return errors.New("descriptor: images is required")
	}
	for i, img := range d.Images {
		if img.StorageKey == "" {
			return fmt.Errorf("descriptor: images[%d].storage_key is required", i)
		}
	}
	if d.Params.Quality != QualityFast && d.Params.Quality != QualityHigh {
		return fmt.Errorf("descriptor: unknown quality %q", d.Params.Quality)
	}
	if len(d.Params.TargetFormats) == 0 {
		return errors.New("descriptor: params.target_formats is required")
	}
	if d.OutputPrefix == "" {
		return errors.New("descriptor: output_prefix is required")
	}
	return nil
}

// OutputRef describes one uploaded artifact inside a status event.
type OutputRef struct {
	Format     string `json:"format"`
	StorageKey string `json:"storage_key"`
	SizeBytes  int64  `json:"size_bytes"`
}

// StatusEvent is the worker -> relay report. Delivery is at-least-once;
// the relay is responsible for making re-application safe.
type StatusEvent struct {
	JobID        string      `json:"job_id"`
	Status       string      `json:"status"`
	WorkerID     string      `json:"worker_id"`
	Timestamp    time.Time   `json:"timestamp"`
	ErrorCode    string      `json:"error_code,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	GPUMinutes   *float64    `json:"gpu_minutes,omitempty"`
	Outputs      []OutputRef `json:"outputs,omitempty"`
}

// Validate rejects events with missing required fields or an unknown status.
func (e *StatusEvent) Validate() error {
	if e.JobID == "" {
		return errors.New("status event: job_id is required")
	}
	switch e.Status {
	case StatusRunning, StatusExporting, StatusCompleted, StatusFailed, StatusCanceled:
	default:
		return fmt.Errorf("status event: unknown status %q", e.Status)
	}
	return nil
}
