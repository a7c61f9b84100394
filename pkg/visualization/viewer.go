// Package visualization exports reformatted slice sequences to image files.
package visualization

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"mprview/internal/logging"
	"mprview/internal/models"
	"mprview/pkg/engine"
	"mprview/pkg/reformat"
)

// SliceRenderer renders one reformat without storing it in the render cache.
// *engine.Service implements it.
type SliceRenderer interface {
	ReformatUncached(ctx context.Context, req models.ReconstructionRequest) (*engine.ReformatResponse, error)
}

// Viewer walks the slices of a plane and writes them to disk
type Viewer struct {
	renderer SliceRenderer
	numCores int
	logger   log.Interface
}

// NewViewer creates a viewer rendering through r
func NewViewer(r SliceRenderer, numCores int, logger log.Interface) *Viewer {
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}
	return &Viewer{renderer: r, numCores: numCores, logger: logging.OrDefault(logger)}
}

// SaveSlice writes an encoded image to filename
func (v *Viewer) SaveSlice(img *models.RenderedImage, filename string) error {
	if img == nil || len(img.Data) == 0 {
		return fmt.Errorf("no image data for %s", filename)
	}
	return os.WriteFile(filename, img.Data, 0644)
}

// SliceFilename names slice index of a plane, with the extension of the encoding
func SliceFilename(plane models.Plane, index int, contentType string) string {
	ext := "png"
	if contentType == "image/jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("slice_%s_%03d.%s", plane, index, ext)
}

// SaveSliceSequence renders every slice of req.Plane with the window of req and
// saves them to outputDir. Only MPR requests are accepted. It returns the number
// of files written.
func (v *Viewer) SaveSliceSequence(ctx context.Context, req models.ReconstructionRequest, outputDir string) (int, error) {
	if req.Kind != models.KindMPR {
		return 0, fmt.Errorf("%w: slice sequences are %s only, got %s", models.ErrInvalidRequest, models.KindMPR, req.Kind)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	// the first slice also tells how many there are
	req.Index = 0
	first, err := v.renderer.ReformatUncached(ctx, req)
	if err != nil {
		return 0, err
	}
	if err := v.SaveSlice(first.Image, filepath.Join(outputDir, SliceFilename(req.Plane, 0, first.Image.ContentType))); err != nil {
		return 0, err
	}
	count := planeCount(first.Counts, req.Plane)

	written := int32(1)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.numCores)
	for i := 1; i < count; i++ {
		r := req
		r.Index = i
		g.Go(func() error {
			resp, err := v.renderer.ReformatUncached(ctx, r)
			if err != nil {
				return fmt.Errorf("slice %d: %w", r.Index, err)
			}
			name := filepath.Join(outputDir, SliceFilename(r.Plane, resp.Index, resp.Image.ContentType))
			if err := v.SaveSlice(resp.Image, name); err != nil {
				return err
			}
			atomic.AddInt32(&written, 1)
			return nil
		})
	}
	err = g.Wait()

	v.logger.WithFields(log.Fields{
		"series":  req.SeriesID,
		"plane":   req.Plane.String(),
		"written": written,
		"dir":     outputDir,
	}).Info("slice sequence saved")
	return int(written), err
}

// RotatingFilename names the rotating projection taken at angle degrees
func RotatingFilename(angle float64, contentType string) string {
	ext := "png"
	if contentType == "image/jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("rotating_%03.0f.%s", angle, ext)
}

// SaveRotatingSequence renders the rotating projection of req every step
// degrees over a full turn and saves the views to outputDir.
func (v *Viewer) SaveRotatingSequence(ctx context.Context, req models.ReconstructionRequest, step float64, outputDir string) (int, error) {
	if !(step > 0 && step <= 360) {
		return 0, fmt.Errorf("%w: rotation step %g outside (0, 360]", models.ErrInvalidRequest, step)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}
	req.Kind = models.KindRotatingMIP

	var written int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.numCores)
	for angle := 0.0; angle < 360; angle += step {
		r := req
		r.Angle = angle
		g.Go(func() error {
			resp, err := v.renderer.ReformatUncached(ctx, r)
			if err != nil {
				return fmt.Errorf("angle %g: %w", r.Angle, err)
			}
			if err := v.SaveSlice(resp.Image, filepath.Join(outputDir, RotatingFilename(r.Angle, resp.Image.ContentType))); err != nil {
				return err
			}
			atomic.AddInt32(&written, 1)
			return nil
		})
	}
	err := g.Wait()

	v.logger.WithFields(log.Fields{
		"series":  req.SeriesID,
		"step":    step,
		"written": written,
		"dir":     outputDir,
	}).Info("rotating sequence saved")
	return int(written), err
}

func planeCount(c reformat.Counts, plane models.Plane) int {
	switch plane {
	case models.Sagittal:
		return c.Sagittal
	case models.Coronal:
		return c.Coronal
	default:
		return c.Axial
	}
}
