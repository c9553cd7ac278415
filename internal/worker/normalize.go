package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// normalizeImages caps every photo's longest side at maxDim before the
// dataset is handed to the reconstruction tool. Oversized phone photos blow
// up feature-matching time without improving the mesh. webp inputs pass
// through untouched; the tool accepts them as-is.
func normalizeImages(imagesDir string, maxDim int) error {
	if maxDim <= 0 {
		return nil
	}
	entries, err := os.ReadDir(imagesDir)
	if err != nil {
		return fmt.Errorf("read images dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(imagesDir, e.Name())
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			// Not decodable by us (webp and friends). Leave it to the tool.
			continue
		}
		bounds := img.Bounds()
		if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
			continue
		}
		resized := imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
		if err := imaging.Save(resized, path, imaging.JPEGQuality(92)); err != nil {
			return fmt.Errorf("save normalized %s: %w", e.Name(), err)
		}
	}
	return nil
}
