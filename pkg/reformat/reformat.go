// Package reformat extracts 2D views from volumes: orthogonal slices,
// intensity projections over the whole volume or a slab, and curved reformats.
//
// Output orientation follows the volume layout: axial images are width x height,
// sagittal images are height x depth and coronal images are width x depth, with
// depth running down the rows.
package reformat

import (
	"fmt"
	"math"

	"github.com/apex/log"
	"gonum.org/v1/gonum/interp"

	"mprview/internal/logging"
	"mprview/internal/models"
)

// DefaultSlabThickness is the slab used by thick-slab requests that give none
const DefaultSlabThickness = 10

// MaxCurveSamples bounds the columns of a curved reformat. Longer paths are
// sampled more coarsely than once per voxel.
const MaxCurveSamples = 4096

// Counts holds the number of slices available on each plane
type Counts struct {
	Axial    int `json:"axial"`
	Sagittal int `json:"sagittal"`
	Coronal  int `json:"coronal"`
}

// SliceCounts returns the per-plane navigation bounds of a volume
func SliceCounts(vol *models.Volume) Counts {
	return Counts{Axial: vol.Depth, Sagittal: vol.Width, Coronal: vol.Height}
}

// SliceCount returns the number of slices on one plane
func SliceCount(vol *models.Volume, plane models.Plane) int {
	switch plane {
	case models.Sagittal:
		return vol.Width
	case models.Coronal:
		return vol.Height
	default:
		return vol.Depth
	}
}

// Engine reslices volumes. It holds no state besides its logger.
type Engine struct {
	logger log.Interface
}

// NewEngine creates a reformat engine
func NewEngine(logger log.Interface) *Engine {
	return &Engine{logger: logging.OrDefault(logger)}
}

// Reslice produces the 2D array a request asks for, together with the effective
// slice index (or slab start) after clamping.
func (e *Engine) Reslice(vol *models.Volume, req models.ReconstructionRequest) (models.Image2D, int, error) {
	switch req.Kind {
	case models.KindMPR:
		img, idx := e.Slice(vol, req.Plane, req.Index)
		return img, idx, nil
	case models.KindMIP:
		img, start := e.Project(vol, req.Plane, models.ReduceMax, req.SlabStart, req.SlabThickness)
		return img, start, nil
	case models.KindMinIP:
		img, start := e.Project(vol, req.Plane, models.ReduceMin, req.SlabStart, req.SlabThickness)
		return img, start, nil
	case models.KindMeanIP:
		img, start := e.Project(vol, req.Plane, models.ReduceMean, req.SlabStart, req.SlabThickness)
		return img, start, nil
	case models.KindThickSlab:
		thickness := req.SlabThickness
		if thickness <= 0 {
			thickness = DefaultSlabThickness
		}
		img, start := e.Project(vol, req.Plane, req.Reducer, req.SlabStart, thickness)
		return img, start, nil
	case models.KindCurvedMPR:
		img, err := Curved(vol, req.Curve)
		return img, 0, err
	case models.KindRotatingMIP:
		img, err := Rotating(vol, req.Angle, req.Reducer)
		return img, 0, err
	case models.KindBone3D:
		return models.Image2D{}, 0, fmt.Errorf("%w: %s is a surface reconstruction", models.ErrInvalidRequest, req.Kind)
	default:
		return models.Image2D{}, 0, fmt.Errorf("%w: %d", models.ErrUnknownKind, int(req.Kind))
	}
}

// clamp limits index to [0, count-1] and logs when it had to move it
func (e *Engine) clamp(plane models.Plane, index, count int) int {
	clamped := index
	if clamped >= count {
		clamped = count - 1
	}
	if clamped < 0 {
		clamped = 0
	}
	if clamped != index {
		e.logger.WithFields(log.Fields{
			"plane":     plane.String(),
			"requested": index,
			"clamped":   clamped,
			"count":     count,
		}).Warn("slice index out of range")
	}
	return clamped
}

// Slice extracts one orthogonal slice. Out-of-range indices are clamped.
func (e *Engine) Slice(vol *models.Volume, plane models.Plane, index int) (models.Image2D, int) {
	index = e.clamp(plane, index, SliceCount(vol, plane))
	w, h, d := vol.Width, vol.Height, vol.Depth

	switch plane {
	case models.Sagittal:
		img := models.NewImage2D(h, d)
		for z := 0; z < d; z++ {
			for y := 0; y < h; y++ {
				img.Data[z*h+y] = vol.Data[z*w*h+y*w+index]
			}
		}
		return img, index

	case models.Coronal:
		img := models.NewImage2D(w, d)
		for z := 0; z < d; z++ {
			copy(img.Data[z*w:(z+1)*w], vol.Data[z*w*h+index*w:z*w*h+(index+1)*w])
		}
		return img, index

	default:
		img := models.NewImage2D(w, h)
		copy(img.Data, vol.Data[index*w*h:(index+1)*w*h])
		return img, index
	}
}

// slabRange clamps [start, start+thickness) to the plane; thickness <= 0 means every slice
func (e *Engine) slabRange(plane models.Plane, start, thickness, count int) (int, int) {
	if thickness <= 0 {
		return 0, count
	}
	start = e.clamp(plane, start, count)
	end := start + thickness
	if end > count {
		end = count
	}
	return start, end
}

// Project collapses the plane's axis with the reducer, over the whole volume or
// over the slab [start, start+thickness). It returns the effective slab start.
func (e *Engine) Project(vol *models.Volume, plane models.Plane, reducer models.Reducer, start, thickness int) (models.Image2D, int) {
	start, end := e.slabRange(plane, start, thickness, SliceCount(vol, plane))
	w, h, d := vol.Width, vol.Height, vol.Depth

	var img models.Image2D
	switch plane {
	case models.Sagittal:
		img = models.NewImage2D(h, d)
		acc := newAccumulator(reducer, len(img.Data))
		for z := 0; z < d; z++ {
			for y := 0; y < h; y++ {
				row := vol.Data[z*w*h+y*w:]
				for x := start; x < end; x++ {
					acc.add(z*h+y, row[x])
				}
			}
		}
		acc.finish(img.Data, end-start)

	case models.Coronal:
		img = models.NewImage2D(w, d)
		acc := newAccumulator(reducer, len(img.Data))
		for z := 0; z < d; z++ {
			for y := start; y < end; y++ {
				row := vol.Data[z*w*h+y*w : z*w*h+(y+1)*w]
				for x, v := range row {
					acc.add(z*w+x, v)
				}
			}
		}
		acc.finish(img.Data, end-start)

	default:
		img = models.NewImage2D(w, h)
		acc := newAccumulator(reducer, len(img.Data))
		for z := start; z < end; z++ {
			for i, v := range vol.Data[z*w*h : (z+1)*w*h] {
				acc.add(i, v)
			}
		}
		acc.finish(img.Data, end-start)
	}
	return img, start
}

// accumulator reduces a stream of values per output pixel
type accumulator struct {
	reducer models.Reducer
	sums    []float64
	extreme []float32
}

func newAccumulator(reducer models.Reducer, n int) *accumulator {
	a := &accumulator{reducer: reducer}
	switch reducer {
	case models.ReduceMean:
		a.sums = make([]float64, n)
	case models.ReduceMin:
		a.extreme = make([]float32, n)
		for i := range a.extreme {
			a.extreme[i] = float32(math.Inf(1))
		}
	default:
		a.extreme = make([]float32, n)
		for i := range a.extreme {
			a.extreme[i] = float32(math.Inf(-1))
		}
	}
	return a
}

func (a *accumulator) add(i int, v float32) {
	switch a.reducer {
	case models.ReduceMean:
		a.sums[i] += float64(v)
	case models.ReduceMin:
		if v < a.extreme[i] {
			a.extreme[i] = v
		}
	default:
		if v > a.extreme[i] {
			a.extreme[i] = v
		}
	}
}

func (a *accumulator) finish(dst []float32, count int) {
	if a.reducer == models.ReduceMean {
		for i, s := range a.sums {
			dst[i] = float32(s / float64(count))
		}
		return
	}
	copy(dst, a.extreme)
}

// Curved samples the volume along a polyline drawn in the axial plane, for every
// depth. The result has one column per voxel of path length, at most
// MaxCurveSamples, and one row per slice.
func Curved(vol *models.Volume, path []models.Point2) (models.Image2D, error) {
	if err := models.ValidateCurve(path); err != nil {
		return models.Image2D{}, err
	}
	// drop repeated points so arc length is strictly increasing
	pts := make([]models.Point2, 0, len(path))
	for _, p := range path {
		p.X = math.Max(0, math.Min(float64(vol.Width-1), p.X))
		p.Y = math.Max(0, math.Min(float64(vol.Height-1), p.Y))
		if n := len(pts); n > 0 && math.Hypot(p.X-pts[n-1].X, p.Y-pts[n-1].Y) < 1e-9 {
			continue
		}
		pts = append(pts, p)
	}
	if len(pts) < 2 {
		return models.Image2D{}, fmt.Errorf("%w: curved reformat needs at least 2 distinct points", models.ErrInvalidRequest)
	}

	arc := make([]float64, len(pts))
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
		if i > 0 {
			arc[i] = arc[i-1] + math.Hypot(p.X-pts[i-1].X, p.Y-pts[i-1].Y)
		}
	}

	var fx, fy interp.PiecewiseLinear
	if err := fx.Fit(arc, xs); err != nil {
		return models.Image2D{}, err
	}
	if err := fy.Fit(arc, ys); err != nil {
		return models.Image2D{}, err
	}

	length := arc[len(arc)-1]
	samples := int(math.Round(length)) + 1
	samples = max(2, min(samples, MaxCurveSamples))

	img := models.NewImage2D(samples, vol.Depth)
	for j := 0; j < samples; j++ {
		s := length * float64(j) / float64(samples-1)
		x, y := fx.Predict(s), fy.Predict(s)
		for z := 0; z < vol.Depth; z++ {
			img.Data[z*samples+j] = bilinear(vol, x, y, z)
		}
	}
	return img, nil
}

// bilinear interpolates slice z at the in-plane point (x, y)
func bilinear(vol *models.Volume, x, y float64, z int) float32 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	x1, y1 := min(x0+1, vol.Width-1), min(y0+1, vol.Height-1)
	fx, fy := float32(x-float64(x0)), float32(y-float64(y0))

	v00 := vol.At(x0, y0, z)
	v10 := vol.At(x1, y0, z)
	v01 := vol.At(x0, y1, z)
	v11 := vol.At(x1, y1, z)

	top := v00 + (v10-v00)*fx
	bottom := v01 + (v11-v01)*fx
	return top + (bottom-top)*fy
}

// Rotating projects the volume after rotating it by angle degrees about the z
// axis through its center. Rays run along the rotated x axis, so angle 0 is the
// sagittal projection: the image is height x depth. Rays that leave the volume
// only reduce the samples they cross; a ray crossing none takes the volume
// minimum.
func Rotating(vol *models.Volume, angle float64, reducer models.Reducer) (models.Image2D, error) {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return models.Image2D{}, fmt.Errorf("%w: rotation angle %v", models.ErrInvalidRequest, angle)
	}
	w, h, d := vol.Width, vol.Height, vol.Depth
	img := models.NewImage2D(h, d)
	background := volumeMin(vol)

	sin, cos := math.Sincos(math.Mod(angle, 360) * math.Pi / 180)
	cx, cy := float64(w-1)/2, float64(h-1)/2
	const eps = 1e-9

	for v := 0; v < h; v++ {
		dv := float64(v) - cy
		for z := 0; z < d; z++ {
			acc := newAccumulator(reducer, 1)
			n := 0
			for u := 0; u < w; u++ {
				du := float64(u) - cx
				x := cx + cos*du - sin*dv
				y := cy + sin*du + cos*dv
				if x < -eps || y < -eps || x > float64(w-1)+eps || y > float64(h-1)+eps {
					continue
				}
				acc.add(0, bilinear(vol, math.Max(0, math.Min(x, float64(w-1))), math.Max(0, math.Min(y, float64(h-1))), z))
				n++
			}
			out := img.Data[z*h+v : z*h+v+1]
			if n == 0 {
				out[0] = background
				continue
			}
			acc.finish(out, n)
		}
	}
	return img, nil
}

// RotatingSequence projects the volume every step degrees over a full turn
func RotatingSequence(vol *models.Volume, step float64, reducer models.Reducer) ([]models.Image2D, error) {
	if !(step > 0) || step > 360 {
		return nil, fmt.Errorf("%w: rotation step %v outside (0, 360]", models.ErrInvalidRequest, step)
	}
	var out []models.Image2D
	for angle := 0.0; angle < 360; angle += step {
		img, err := Rotating(vol, angle, reducer)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

func volumeMin(vol *models.Volume) float32 {
	lowest := float32(math.Inf(1))
	for _, v := range vol.Data {
		if v < lowest {
			lowest = v
		}
	}
	if math.IsInf(float64(lowest), 1) {
		return 0
	}
	return lowest
}
