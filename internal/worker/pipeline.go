package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"photomesh/internal/config"
	"photomesh/internal/models"
)

// Image validation bounds. Failing any of these is immediately fatal to the
// job; there is no retry.
const (
	minImages    = 3
	maxImages    = 50
	minImageSize = 1024
)

var validImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// ObjectStorage is the slice of the blob store the pipeline needs.
type ObjectStorage interface {
	Download(ctx context.Context, key, localPath string) error
	Upload(ctx context.Context, localPath, key, contentType string) (int64, error)
}

// Emitter carries worker status events to the relay. The pipeline never
// touches the job store directly.
type Emitter interface {
	PushStatus(ctx context.Context, ev *models.StatusEvent) error
}

// Pipeline drives one job through the reconstruction stages. Stages run
// sequentially, each under its own wall-clock timeout; the scratch
// directory is removed on every exit path.
type Pipeline struct {
	cfg      config.Config
	storage  ObjectStorage
	tool     Tool
	events   Emitter
	workerID string
	logger   *slog.Logger
}

func NewPipeline(cfg config.Config, st ObjectStorage, tool Tool, events Emitter, workerID string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		storage:  st,
		tool:     tool,
		events:   events,
		workerID: workerID,
		logger:   logger,
	}
}

// Run executes the full pipeline for one descriptor and reports the outcome
// as a status event. It never returns an error to the queue: every failure
// is converted into a terminal failed event.
func (p *Pipeline) Run(ctx context.Context, desc *models.Descriptor) {
	log := p.logger.With(slog.String("job_id", desc.JobID))
	p.emit(ctx, desc.JobID, models.StatusRunning, nil, "", "", nil)

	scratch, err := os.MkdirTemp(p.cfg.ScratchDir, "photomesh-job-")
	if err != nil {
		p.emit(ctx, desc.JobID, models.StatusFailed, nil, "scratch_failed", fmt.Sprintf("create scratch dir: %v", err), nil)
		return
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("scratch cleanup failed", slog.String("dir", scratch), slog.String("error", err.Error()))
		}
	}()

	imagesDir := filepath.Join(scratch, "images")
	datasetDir := filepath.Join(scratch, "dataset")
	trainDir := filepath.Join(scratch, "training")
	outputDir := filepath.Join(scratch, "outputs")
	for _, dir := range []string{imagesDir, datasetDir, trainDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			p.emit(ctx, desc.JobID, models.StatusFailed, nil, "scratch_failed", fmt.Sprintf("create %s: %v", dir, err), nil)
			return
		}
	}

	// Stage 1: download inputs.
	if err := p.download(ctx, desc, imagesDir); err != nil {
		log.Error("download stage failed", slog.String("error", err.Error()))
		p.emit(ctx, desc.JobID, models.StatusFailed, nil, "download_failed", err.Error(), nil)
		return
	}

	// Stage 2: validate inputs. Fatal, no retry.
	if err := validateImages(imagesDir); err != nil {
		log.Error("validation stage failed", slog.String("error", err.Error()))
		p.emit(ctx, desc.JobID, models.StatusFailed, nil, "validation_failed", err.Error(), nil)
		return
	}

	// Stage 3: prepare the dataset for the reconstruction tool.
	if err := p.prepare(ctx, imagesDir, datasetDir); err != nil {
		log.Error("prepare stage failed", slog.String("error", err.Error()))
		p.emit(ctx, desc.JobID, models.StatusFailed, nil, "prepare_failed", err.Error(), nil)
		return
	}

	// Stage 4: train. Wall clock is billed as gpu_minutes whatever the
	// outcome.
	trainStart := time.Now()
	configPath, trainErr := p.train(ctx, desc, datasetDir, trainDir)
	gpuMinutes := time.Since(trainStart).Minutes()
	if trainErr != nil {
		log.Error("train stage failed", slog.String("error", trainErr.Error()))
		p.emit(ctx, desc.JobID, models.StatusFailed, &gpuMinutes, "train_failed", trainErr.Error(), nil)
		return
	}

	// Stage 5: export every requested format independently.
	p.emit(ctx, desc.JobID, models.StatusExporting, nil, "", "", nil)
	artifacts, exportErrs := p.export(ctx, desc, configPath, outputDir)

	// Stage 6: upload whatever was produced.
	outputs, uploadErrs := p.upload(ctx, desc, artifacts)
	failures := append(exportErrs, uploadErrs...)

	// Completed if at least one requested format made it to storage;
	// failed only when zero did. Partial success counts as success.
	if len(outputs) == 0 {
		msg := "no output formats succeeded"
		if len(failures) > 0 {
			msg = joinErrors(failures)
		}
		log.Error("export stage produced nothing", slog.String("error", msg))
		p.emit(ctx, desc.JobID, models.StatusFailed, &gpuMinutes, "export_failed", msg, nil)
		return
	}

	partial := ""
	if len(failures) > 0 {
		partial = "partial export: " + joinErrors(failures)
		log.Warn("some formats failed", slog.String("detail", partial))
	}
	p.emit(ctx, desc.JobID, models.StatusCompleted, &gpuMinutes, "", partial, outputs)
	log.Info("job completed",
		slog.Int("outputs", len(outputs)),
		slog.Float64("gpu_minutes", gpuMinutes),
	)
}

func (p *Pipeline) download(ctx context.Context, desc *models.Descriptor, imagesDir string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()

	for i, img := range desc.Images {
		filename := filepath.Base(img.Filename)
		if filename == "" || filename == "." || filename == string(filepath.Separator) {
			filename = fmt.Sprintf("image_%03d.jpg", i)
		}
		if err := p.storage.Download(ctx, img.StorageKey, filepath.Join(imagesDir, filename)); err != nil {
			return fmt.Errorf("download %s: %w", img.StorageKey, err)
		}
	}
	return nil
}

func validateImages(imagesDir string) error {
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return fmt.Errorf("read images dir: %w", err)
	}
	if len(entries) < minImages {
		return fmt.Errorf("insufficient images: %d (need >=%d)", len(entries), minImages)
	}
	if len(entries) > maxImages {
		return fmt.Errorf("too many images: %d (max %d)", len(entries), maxImages)
	}
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !validImageExts[ext] {
			return fmt.Errorf("unsupported format: %s", e.Name())
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		if info.Size() < minImageSize {
			return fmt.Errorf("corrupted image: %s", e.Name())
		}
	}
	return nil
}

func (p *Pipeline) prepare(ctx context.Context, imagesDir, datasetDir string) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PrepareTimeout)
	defer cancel()

	if err := normalizeImages(imagesDir, p.cfg.MaxImageDim); err != nil {
		return fmt.Errorf("normalize images: %w", err)
	}
	return p.tool.PrepareDataset(ctx, imagesDir, datasetDir)
}

func (p *Pipeline) train(ctx context.Context, desc *models.Descriptor, datasetDir, trainDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TrainTimeout)
	defer cancel()
	return p.tool.Train(ctx, datasetDir, trainDir, desc.Params.Quality, desc.Params.MaxIterations)
}

// export attempts every requested format independently; one format's
// failure never aborts the others.
func (p *Pipeline) export(ctx context.Context, desc *models.Descriptor, configPath, outputDir string) (map[string]string, []error) {
	artifacts := make(map[string]string)
	var failures []error

	for _, format := range desc.Params.TargetFormats {
		if format == "usdz" && !desc.FeatureUSDZ {
			failures = append(failures, fmt.Errorf("usdz: export requested but feature disabled"))
			continue
		}
		exportCtx, cancel := context.WithTimeout(ctx, p.cfg.ExportTimeout)
		path, err := p.tool.Export(exportCtx, configPath, outputDir, format, desc.Params.MeshSimplifyTargetTri)
		cancel()
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", format, err))
			continue
		}
		artifacts[format] = path
	}
	return artifacts, failures
}

func (p *Pipeline) upload(ctx context.Context, desc *models.Descriptor, artifacts map[string]string) ([]models.OutputRef, []error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	// Stable upload order keeps logs and tests deterministic.
	formats := make([]string, 0, len(artifacts))
	for format := range artifacts {
		formats = append(formats, format)
	}
	sort.Strings(formats)

	var outputs []models.OutputRef
	var failures []error
	for _, format := range formats {
		key := strings.TrimSuffix(desc.OutputPrefix, "/") + "/model." + format
		size, err := p.storage.Upload(ctx, artifacts[format], key, contentTypeForFormat(format))
		if err != nil {
			failures = append(failures, fmt.Errorf("upload %s: %w", format, err))
			continue
		}
		outputs = append(outputs, models.OutputRef{
			Format:     format,
			StorageKey: key,
			SizeBytes:  size,
		})
	}
	return outputs, failures
}

func (p *Pipeline) emit(ctx context.Context, jobID, status string, gpuMinutes *float64, errCode, errMsg string, outputs []models.OutputRef) {
	ev := &models.StatusEvent{
		JobID:        jobID,
		Status:       status,
		WorkerID:     p.workerID,
		Timestamp:    time.Now().UTC(),
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
		GPUMinutes:   gpuMinutes,
		Outputs:      outputs,
	}
	if err := p.events.PushStatus(ctx, ev); err != nil {
		p.logger.Error("emit status event failed",
			slog.String("job_id", jobID),
			slog.String("status", status),
			slog.String("error", err.Error()),
		)
	}
}

func contentTypeForFormat(format string) string {
	switch format {
	case "glb":
		return "model/gltf-binary"
	case "usdz":
		return "model/vnd.usdz+zip"
	default:
		return "application/octet-stream"
	}
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
