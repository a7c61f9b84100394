// Package surface reconstructs tissue surfaces from volumes, bone unless
// another tissue is selected.
//
// Extraction runs in steps:
//  1. Thresholding with the tissue rule, or above a given level
//  2. Morphological closing then opening on an exact distance transform
//  3. Hole filling and removal of small 6-connected components
//  4. Marching cubes on the cleaned mask with physical spacing
//  5. Optional Laplacian smoothing and random face decimation
//
// When step 4 yields nothing or fails, the mask is rendered as a set of
// projections instead, and the result is flagged as a fallback.
package surface

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/apex/log"

	"mprview/internal/logging"
	"mprview/internal/models"
	"mprview/pkg/config"
)

// Options holds the reconstructor settings shared by every request
type Options struct {
	NumCores           int
	AdaptiveK          float64
	ThresholdFloor     float64
	ClosingRadius      int
	OpeningRadius      int
	MinComponentVoxels int
	DecimationMinFaces int
	DecimationFactor   float64
	FallbackAngles     []float64
	Backend            string
	Seed               int64
}

// DefaultOptions returns the options of config.DefaultConfig
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig extracts the surface options from the application configuration
func OptionsFromConfig(cfg *config.Config) Options {
	s := cfg.Surface
	return Options{
		NumCores:           cfg.Processing.NumCores,
		AdaptiveK:          s.AdaptiveK,
		ThresholdFloor:     s.ThresholdFloor,
		ClosingRadius:      s.ClosingRadius,
		OpeningRadius:      s.OpeningRadius,
		MinComponentVoxels: s.MinComponentVoxels,
		DecimationMinFaces: s.DecimationMinFaces,
		DecimationFactor:   s.DecimationFactor,
		FallbackAngles:     append([]float64(nil), s.FallbackAngles...),
		Backend:            s.Backend,
		Seed:               s.Seed,
	}
}

// Params are the per-request settings
type Params struct {
	// Threshold is the iso level; nil selects the adaptive threshold
	Threshold *float64 `json:"threshold,omitempty"`

	// Smoothing is the number of Laplacian smoothing iterations
	Smoothing int `json:"smoothing,omitempty"`

	// DecimationFactor overrides the configured fraction of faces kept, in (0, 1]
	DecimationFactor float64 `json:"decimationFactor,omitempty"`

	// Tissue selects the mask rule; empty means bone. A Threshold replaces
	// the lower bound of any rule.
	Tissue Tissue `json:"tissue,omitempty"`
}

// Validate rejects out-of-range parameters
func (p Params) Validate() error {
	if p.DecimationFactor < 0 || p.DecimationFactor > 1 {
		return fmt.Errorf("%w: decimation factor %v outside (0, 1]", models.ErrInvalidRequest, p.DecimationFactor)
	}
	if p.Smoothing < 0 {
		return fmt.Errorf("%w: negative smoothing %d", models.ErrInvalidRequest, p.Smoothing)
	}
	if _, err := ParseTissue(string(p.Tissue)); err != nil {
		return err
	}
	return nil
}

// Result is a finished reconstruction: a mesh, or projections when Fallback is set
type Result struct {
	Mesh        *models.SurfaceMesh `json:"mesh,omitempty"`
	Stats       models.MeshStats    `json:"stats"`
	Tissue      Tissue              `json:"tissue"`
	Threshold   float64             `json:"threshold"`
	Upper       *float64            `json:"upper,omitempty"`
	MaskVoxels  int                 `json:"maskVoxels"`
	Backend     string              `json:"backend"`
	Fallback    bool                `json:"fallback"`
	Reason      string              `json:"reason,omitempty"`
	Projections []Projection        `json:"projections,omitempty"`
	Duration    time.Duration       `json:"duration"`
}

// Reconstructor extracts surfaces. It is safe for concurrent use.
type Reconstructor struct {
	opts   Options
	mesher Mesher
	logger log.Interface
}

// NewReconstructor creates a reconstructor with the configured backend
func NewReconstructor(opts Options, logger log.Interface) (*Reconstructor, error) {
	if opts.NumCores < 1 {
		opts.NumCores = runtime.NumCPU()
	}
	if opts.DecimationFactor <= 0 || opts.DecimationFactor > 1 {
		opts.DecimationFactor = 1
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	mesher, err := NewMesher(opts.Backend)
	if err != nil {
		return nil, err
	}
	return &Reconstructor{opts: opts, mesher: mesher, logger: logging.OrDefault(logger)}, nil
}

// Extract reconstructs the surface of vol. A failed mesh extraction is not an
// error: the result then carries projections and Fallback is set. Extract
// only fails when the fallback cannot be produced either.
func (r *Reconstructor) Extract(vol *models.Volume, p Params) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if vol == nil || len(vol.Data) == 0 {
		return nil, fmt.Errorf("%w: empty volume", models.ErrInsufficientData)
	}
	start := time.Now()

	tissue, _ := ParseTissue(string(p.Tissue))
	level, upper := r.threshold(vol, tissue, p)
	mask := r.cleanMask(vol, level, upper)
	res := &Result{Tissue: tissue, Threshold: level, MaskVoxels: mask.Count(), Backend: r.mesher.Name()}
	if !math.IsInf(upper, 1) {
		res.Upper = &upper
	}

	logger := r.logger.WithFields(log.Fields{
		"tissue":    string(tissue),
		"threshold": level,
		"voxels":    res.MaskVoxels,
		"backend":   res.Backend,
	})

	mesh, err := r.mesh(mask, vol.Spacing)
	if err != nil {
		logger.WithError(err).Warn("mesh extraction failed, rendering projections")
		projections, perr := Projections(mask, vol.Spacing, r.opts.FallbackAngles)
		if perr != nil {
			return nil, fmt.Errorf("fallback projections: %w", errors.Join(err, perr))
		}
		res.Fallback = true
		res.Reason = err.Error()
		res.Projections = projections
		res.Duration = time.Since(start)
		return res, nil
	}

	if p.Smoothing > 0 {
		mesh = Smooth(mesh, p.Smoothing, 0.5)
	}
	factor := r.opts.DecimationFactor
	if p.DecimationFactor > 0 {
		factor = p.DecimationFactor
	}
	before := len(mesh.Faces)
	mesh = Decimate(mesh, factor, r.opts.DecimationMinFaces, r.opts.Seed)

	res.Mesh = mesh
	res.Stats = mesh.Stats()
	res.Duration = time.Since(start)
	logger.WithFields(log.Fields{
		"vertices":  res.Stats.Vertices,
		"faces":     res.Stats.Faces,
		"decimated": before - res.Stats.Faces,
		"duration":  res.Duration,
	}).Info("surface extracted")
	return res, nil
}

func (r *Reconstructor) threshold(vol *models.Volume, tissue Tissue, p Params) (float64, float64) {
	lower, upper := TissueBand(vol, tissue, r.opts.AdaptiveK, r.opts.ThresholdFloor)
	if p.Threshold != nil {
		lower = *p.Threshold
	}
	return lower, upper
}

// cleanMask thresholds and cleans up the mask
func (r *Reconstructor) cleanMask(vol *models.Volume, lower, upper float64) *Mask {
	mask := ThresholdBand(vol, lower, upper)
	raw := mask.Count()
	if raw > 0 {
		mask = Close(mask, r.opts.ClosingRadius, r.opts.NumCores)
		mask = Open(mask, r.opts.OpeningRadius, r.opts.NumCores)
	}
	filled := FillHoles(mask)
	components := RemoveSmallComponents(mask, r.opts.MinComponentVoxels)

	r.logger.WithFields(log.Fields{
		"raw":        raw,
		"filled":     filled,
		"components": components,
	}).Debug("mask cleaned")
	return mask
}

// mesh runs the backend and turns an empty result, an error or a panic into a
// *models.MeshExtractionFailure
func (r *Reconstructor) mesh(mask *Mask, spacing models.Spacing) (mesh *models.SurfaceMesh, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			mesh = nil
			err = &models.MeshExtractionFailure{Reason: fmt.Sprintf("%s backend panicked: %v", r.mesher.Name(), rec)}
		}
	}()

	if mask.Count() == 0 {
		return nil, &models.MeshExtractionFailure{Reason: "mask is empty after cleanup"}
	}
	mesh, err = r.mesher.Mesh(mask, spacing)
	if err != nil {
		return nil, &models.MeshExtractionFailure{Reason: r.mesher.Name() + " backend failed", Err: err}
	}
	if len(mesh.Vertices) == 0 || len(mesh.Faces) == 0 {
		return nil, &models.MeshExtractionFailure{Reason: "no surface at iso level 0.5"}
	}
	return mesh, nil
}
