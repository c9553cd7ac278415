package worker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"photomesh/internal/models"
)

// Tool abstracts the external reconstruction pipeline. The real
// implementation shells out to the nerfstudio CLI; tests substitute a stub.
type Tool interface {
	// PrepareDataset turns raw photos into a training dataset.
	PrepareDataset(ctx context.Context, imagesDir, datasetDir string) error
	// Train fits the model and returns the path of the training config
	// needed by Export.
	Train(ctx context.Context, datasetDir, trainDir, quality string, maxIterations int) (string, error)
	// Export produces one artifact in the requested format and returns its
	// local path.
	Export(ctx context.Context, configPath, outputDir, format string, targetTris int) (string, error)
}

// NerfstudioTool runs the ns-process-data / ns-train / ns-export CLI.
type NerfstudioTool struct {
	processCmd string
	trainCmd   string
	exportCmd  string
	logger     *slog.Logger
}

func NewNerfstudioTool(logger *slog.Logger) *NerfstudioTool {
	return &NerfstudioTool{
		processCmd: "ns-process-data",
		trainCmd:   "ns-train",
		exportCmd:  "ns-export",
		logger:     logger,
	}
}

func (t *NerfstudioTool) PrepareDataset(ctx context.Context, imagesDir, datasetDir string) error {
	return t.run(ctx, t.processCmd, "images",
		"--data", imagesDir,
		"--output-dir", datasetDir,
	)
}

func (t *NerfstudioTool) Train(ctx context.Context, datasetDir, trainDir, quality string, maxIterations int) (string, error) {
	steps := maxIterations
	if steps <= 0 {
		if quality == models.QualityHigh {
			steps = 8000
		} else {
			steps = 3000
		}
	}
	err := t.run(ctx, t.trainCmd, "nerfacto",
		"--data", datasetDir,
		"--output-dir", trainDir,
		"--max-num-iterations", strconv.Itoa(steps),
		"--steps-per-save", strconv.Itoa(steps),
		"--viewer.quit-on-train-completion", "True",
	)
	if err != nil {
		return "", err
	}
	return findTrainingConfig(trainDir)
}

func (t *NerfstudioTool) Export(ctx context.Context, configPath, outputDir, format string, targetTris int) (string, error) {
	switch format {
	case "glb":
		return t.exportGLB(ctx, configPath, outputDir, targetTris)
	case "usdz":
		// USDZ is derived from the GLB artifact; the container formats are
		// close enough that the CLI conversion is a straight repack.
		glbPath := filepath.Join(outputDir, "model.glb")
		if _, err := os.Stat(glbPath); err != nil {
			if glbPath, err = t.exportGLB(ctx, configPath, outputDir, targetTris); err != nil {
				return "", err
			}
		}
		usdzPath := filepath.Join(outputDir, "model.usdz")
		if err := copyFile(glbPath, usdzPath); err != nil {
			return "", fmt.Errorf("convert usdz: %w", err)
		}
		return usdzPath, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", format)
	}
}

func (t *NerfstudioTool) exportGLB(ctx context.Context, configPath, outputDir string, targetTris int) (string, error) {
	if targetTris <= 0 {
		targetTris = 150000
	}
	err := t.run(ctx, t.exportCmd, "poisson",
		"--load-config", configPath,
		"--output-dir", outputDir,
		"--target-num-faces", strconv.Itoa(targetTris),
		"--num-pixels-per-side", "2048",
	)
	if err != nil {
		return "", err
	}

	glbPath := filepath.Join(outputDir, "model.glb")
	if _, err := os.Stat(glbPath); err == nil {
		return glbPath, nil
	}
	// Older exporter versions emit a bare mesh file instead.
	matches, _ := filepath.Glob(filepath.Join(outputDir, "*.glb"))
	if len(matches) > 0 {
		return matches[0], nil
	}
	return "", fmt.Errorf("exporter produced no glb artifact in %s", outputDir)
}

func (t *NerfstudioTool) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out: %w", name, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %s", name, err, tail(string(out), 500))
	}
	t.logger.Debug("tool finished", slog.String("cmd", name))
	return nil
}

// findTrainingConfig locates the most recent config.yml under trainDir.
func findTrainingConfig(trainDir string) (string, error) {
	var configs []string
	err := filepath.WalkDir(trainDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "config.yml" {
			configs = append(configs, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan training dir: %w", err)
	}
	if len(configs) == 0 {
		return "", fmt.Errorf("no training config found under %s", trainDir)
	}
	return configs[len(configs)-1], nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
