// Package volume builds 3D volumes from the slices of one series.
//
// The build runs in steps:
//  1. Validating slices and skipping those that cannot be used
//  2. Ordering slices by signed distance along the series normal
//  3. Rescaling stored values to physical units and stacking them
//  4. Thin-stack stabilization: cubic resampling of short stacks
//  5. Isotropy pass: linear resampling of the depth axis toward the in-plane spacing
package volume

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"mprview/internal/logging"
	"mprview/internal/models"
	"mprview/pkg/config"
	"mprview/pkg/interpolation"
)

// Params holds the volume building parameters.
// The thin-stack and isotropy constants are empirical defaults, not clinical requirements.
type Params struct {
	// NumCores specifies how many CPU cores to use for stacking and resampling
	NumCores int

	// ThinStackThreshold is the slice count below which the depth axis is cubic-resampled
	ThinStackThreshold int

	// SparseStackThreshold separates thin stacks from very sparse stacks
	SparseStackThreshold int

	// Thin stacks get max(ThinStackMinDepth, count*ThinStackFactor) slices
	ThinStackMinDepth int
	ThinStackFactor   int

	// Sparse stacks get max(SparseStackMinDepth, count*SparseStackFactor) slices
	SparseStackMinDepth int
	SparseStackFactor   int

	// AnisotropyTolerance is the relative excess of slice spacing over in-plane
	// spacing tolerated before the isotropy pass resamples
	AnisotropyTolerance float64

	// MaxDepth caps the depth produced by the isotropy pass
	MaxDepth int
}

// DefaultParams returns the parameters of config.DefaultConfig.
func DefaultParams() Params {
	return ParamsFromConfig(config.DefaultConfig())
}

// ParamsFromConfig extracts the volume parameters from the application configuration.
func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		NumCores:             cfg.Processing.NumCores,
		ThinStackThreshold:   cfg.Volume.ThinStackThreshold,
		SparseStackThreshold: cfg.Volume.SparseStackThreshold,
		ThinStackMinDepth:    cfg.Volume.ThinStackMinDepth,
		ThinStackFactor:      cfg.Volume.ThinStackFactor,
		SparseStackMinDepth:  cfg.Volume.SparseStackMinDepth,
		SparseStackFactor:    cfg.Volume.SparseStackFactor,
		AnisotropyTolerance:  cfg.Volume.AnisotropyTolerance,
		MaxDepth:             cfg.Volume.MaxDepth,
	}
}

// Builder turns slices into volumes. A Builder holds no per-build state and is
// safe for concurrent use.
type Builder struct {
	params Params
	logger log.Interface
}

// NewBuilder creates a builder. A nil logger logs through the apex default logger.
func NewBuilder(params Params, logger log.Interface) *Builder {
	if params.NumCores < 1 {
		params.NumCores = runtime.NumCPU()
	}
	return &Builder{params: params, logger: logging.OrDefault(logger)}
}

// placed is a slice with its signed distance along the series normal
type placed struct {
	slice *models.Slice
	dist  float64
}

// BuildSeries builds a volume and adds the slices the provider already skipped
// to the reported skip count.
func (b *Builder) BuildSeries(series *models.Series) (*models.Volume, error) {
	vol, err := b.Build(series.Slices)
	if err != nil {
		return nil, fmt.Errorf("series %s: %w", series.ID, err)
	}
	vol.SkippedSlices += series.Skipped
	return vol, nil
}

// Build sorts, rescales and stacks the slices and resamples the depth axis.
// It fails with models.ErrInsufficientData when fewer than 2 usable slices remain.
func (b *Builder) Build(slices []models.Slice) (*models.Volume, error) {
	start := time.Now()

	// Step 1: validate
	usable, skipped := b.usableSlices(slices)
	if len(usable) < 2 {
		return nil, fmt.Errorf("%w: %d usable slices of %d", models.ErrInsufficientData, len(usable), len(slices))
	}

	// Step 2: order along the normal
	ordered, usedPositions := orderSlices(usable)
	first := ordered[0].slice
	spacing := models.Spacing{
		Z: sliceSpacing(ordered, usedPositions),
		Y: models.CoerceSpacing(first.PixelSpacing[0]),
		X: models.CoerceSpacing(first.PixelSpacing[1]),
	}
	b.logger.WithFields(log.Fields{
		"slices":    len(ordered),
		"skipped":   skipped,
		"positions": usedPositions,
		"spacing_z": spacing.Z,
	}).Debug("slices ordered")

	// Step 3: rescale and stack
	data, err := b.stack(ordered)
	if err != nil {
		return nil, err
	}

	vol := &models.Volume{
		Data:          data,
		Width:         first.Cols,
		Height:        first.Rows,
		Depth:         len(ordered),
		Spacing:       spacing,
		Modality:      first.Modality,
		Monochrome1:   first.Monochrome1,
		SourceSlices:  len(ordered),
		SkippedSlices: skipped,
	}

	// Step 4: thin-stack stabilization
	if err := b.stabilizeThinStack(vol); err != nil {
		return nil, fmt.Errorf("thin-stack resampling: %w", err)
	}

	// Step 5: isotropy pass
	if err := b.resampleToIsotropy(vol); err != nil {
		return nil, fmt.Errorf("isotropy resampling: %w", err)
	}

	b.logger.WithFields(log.Fields{
		"dims":         fmt.Sprintf("%dx%dx%d", vol.Width, vol.Height, vol.Depth),
		"spacing":      fmt.Sprintf("%.3f/%.3f/%.3f", vol.Spacing.Z, vol.Spacing.Y, vol.Spacing.X),
		"size":         humanize.Bytes(vol.Bytes()),
		"interpolated": vol.Interpolated,
		"skipped":      vol.SkippedSlices,
		"took":         time.Since(start).String(),
	}).Info("volume built")

	return vol, nil
}

// usableSlices drops slices failing validation or whose grid differs from the
// first valid slice.
func (b *Builder) usableSlices(slices []models.Slice) ([]*models.Slice, int) {
	usable := make([]*models.Slice, 0, len(slices))
	skipped := 0
	for i := range slices {
		s := &slices[i]
		err := s.Validate()
		if err == nil && len(usable) > 0 && (s.Rows != usable[0].Rows || s.Cols != usable[0].Cols) {
			err = &models.DecodeFailure{
				Index:    s.Index,
				Filename: s.Filename,
				Reason: fmt.Sprintf("grid %dx%d differs from series grid %dx%d",
					s.Rows, s.Cols, usable[0].Rows, usable[0].Cols),
			}
		}
		if err != nil {
			skipped++
			b.logger.WithError(err).Warn("skipping slice")
			continue
		}
		usable = append(usable, s)
	}
	return usable, skipped
}

// seriesNormal returns the unit normal of the first slice carrying orientation,
// or the synthetic vertical axis.
func seriesNormal(slices []*models.Slice) r3.Vec {
	for _, s := range slices {
		if !s.HasOrientation {
			continue
		}
		row := r3.Vec{X: s.RowOrientation[0], Y: s.RowOrientation[1], Z: s.RowOrientation[2]}
		col := r3.Vec{X: s.ColOrientation[0], Y: s.ColOrientation[1], Z: s.ColOrientation[2]}
		n := r3.Cross(row, col)
		if r3.Norm(n) > 1e-6 {
			return r3.Unit(n)
		}
	}
	return r3.Vec{Z: 1}
}

// orderSlices sorts slices by signed distance along the series normal. When any
// slice lacks a position the original sequence index is the distance proxy.
func orderSlices(slices []*models.Slice) ([]placed, bool) {
	usePositions := true
	for _, s := range slices {
		if !s.HasPosition {
			usePositions = false
			break
		}
	}

	normal := seriesNormal(slices)
	out := make([]placed, len(slices))
	for i, s := range slices {
		d := float64(s.Index)
		if usePositions {
			d = r3.Dot(r3.Vec{X: s.Position[0], Y: s.Position[1], Z: s.Position[2]}, normal)
		}
		out[i] = placed{slice: s, dist: d}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].slice.Index < out[j].slice.Index
	})
	return out, usePositions
}

// sliceSpacing is the median step between consecutive positions, falling back to
// the nominal thickness and finally to 1.0.
func sliceSpacing(ordered []placed, usedPositions bool) float64 {
	if usedPositions {
		steps := make([]float64, 0, len(ordered)-1)
		for i := 1; i < len(ordered); i++ {
			steps = append(steps, math.Abs(ordered[i].dist-ordered[i-1].dist))
		}
		if m := median(steps); m > 1e-6 {
			return m
		}
	}
	return models.CoerceSpacing(ordered[0].slice.Thickness)
}

// stack rescales every slice into its depth position of a new buffer.
func (b *Builder) stack(ordered []placed) ([]float32, error) {
	first := ordered[0].slice
	planeLen := first.Rows * first.Cols
	data := make([]float32, planeLen*len(ordered))

	var g errgroup.Group
	g.SetLimit(b.params.NumCores)
	for z, p := range ordered {
		z, s := z, p.slice
		g.Go(func() error {
			dst := data[z*planeLen : (z+1)*planeLen]
			slope, intercept := s.RescaleSlope, s.RescaleIntercept
			for i, v := range s.Pixels {
				dst[i] = float32(float64(v)*slope + intercept)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("stacking slices: %w", err)
	}
	return data, nil
}

// ThinStackTarget returns the depth a stack of count slices is resampled to, or
// count when the stack is thick enough.
func (p Params) ThinStackTarget(count int) int {
	if count >= p.ThinStackThreshold {
		return count
	}
	if count >= p.SparseStackThreshold {
		return max(p.ThinStackMinDepth, count*p.ThinStackFactor)
	}
	return max(p.SparseStackMinDepth, count*p.SparseStackFactor)
}

// stabilizeThinStack cubic-resamples short stacks so reformats do not alias.
// The extra slices are an approximation, not acquired data.
func (b *Builder) stabilizeThinStack(vol *models.Volume) error {
	target := b.params.ThinStackTarget(vol.Depth)
	if target <= vol.Depth {
		return nil
	}

	if err := b.resampleDepth(vol, target, interpolation.Cubic); err != nil {
		return err
	}
	vol.Interpolated = true

	b.logger.WithFields(log.Fields{
		"slices":    vol.SourceSlices,
		"depth":     vol.Depth,
		"spacing_z": vol.Spacing.Z,
	}).Info("thin stack interpolated")
	return nil
}

// resampleToIsotropy linearly resamples the depth axis when the slice spacing
// exceeds the in-plane spacing by more than the tolerance. Depth only grows.
func (b *Builder) resampleToIsotropy(vol *models.Volume) error {
	inPlane := vol.Spacing.InPlane()
	if vol.Spacing.Z <= inPlane*(1+b.params.AnisotropyTolerance) {
		return nil
	}

	extent := vol.Spacing.Z * float64(vol.Depth-1)
	target := int(math.Round(extent/inPlane)) + 1
	if target > b.params.MaxDepth {
		b.logger.WithFields(log.Fields{
			"wanted": target,
			"max":    b.params.MaxDepth,
		}).Warn("isotropic depth capped")
		target = b.params.MaxDepth
	}
	if target <= vol.Depth {
		return nil
	}

	before := vol.Spacing.Z
	if err := b.resampleDepth(vol, target, interpolation.Linear); err != nil {
		return err
	}

	b.logger.WithFields(log.Fields{
		"depth":  vol.Depth,
		"from_z": before,
		"to_z":   vol.Spacing.Z,
	}).Debug("isotropy resampled")
	return nil
}

// resampleDepth replaces the volume data with target slices spanning the same
// physical extent and updates the z spacing accordingly.
func (b *Builder) resampleDepth(vol *models.Volume, target int, method interpolation.Method) error {
	planeLen := vol.Width * vol.Height
	r := interpolation.NewDepthResampler(method, b.params.NumCores)
	data, err := r.Resample(vol.Data, planeLen, vol.Depth, target)
	if err != nil {
		return err
	}

	vol.Spacing.Z = vol.Spacing.Z * float64(vol.Depth-1) / float64(target-1)
	vol.Data = data
	vol.Depth = target
	return nil
}

// median returns the median of values without modifying them
func median(values []float64) float64 {
	valuesCopy := make([]float64, len(values))
	copy(valuesCopy, values)
	sort.Float64s(valuesCopy)

	n := len(valuesCopy)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (valuesCopy[n/2-1] + valuesCopy[n/2]) / 2
	}
	return valuesCopy[n/2]
}
