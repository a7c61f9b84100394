// Package interpolation resamples volumes along the stacking axis.
//
// Resampling is separable: every output slice is a fixed weighted sum of input
// slices, so the weights are computed once per (source depth, target depth,
// method) by fitting gonum interpolators to unit impulses, and then applied
// to every in-plane position in parallel.
package interpolation

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"gonum.org/v1/gonum/interp"
)

// Method selects the 1D interpolator used along the depth axis
type Method int

const (
	// Linear is piecewise linear interpolation between neighboring slices
	Linear Method = iota

	// Cubic is a natural cubic spline through all slices
	Cubic
)

func (m Method) String() string {
	switch m {
	case Linear:
		return "linear"
	case Cubic:
		return "cubic"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Tap is one input slice contributing to an output slice
type Tap struct {
	Index  int
	Weight float64
}

// weightEpsilon drops spline contributions too small to matter
const weightEpsilon = 1e-9

// ProgressCallback receives progress updates during resampling
type ProgressCallback func(completed, total int, message string)

// Weights returns, for each of dstCount output positions spread evenly over the
// source extent, the taps over the srcCount input samples.
func Weights(srcCount, dstCount int, method Method) ([][]Tap, error) {
	if srcCount < 2 {
		return nil, fmt.Errorf("need at least 2 source samples, got %d", srcCount)
	}
	if dstCount < 2 {
		return nil, fmt.Errorf("need at least 2 target samples, got %d", dstCount)
	}

	xs := make([]float64, srcCount)
	for i := range xs {
		xs[i] = float64(i)
	}
	targets := make([]float64, dstCount)
	last := float64(srcCount - 1)
	for j := range targets {
		targets[j] = math.Min(last, float64(j)*last/float64(dstCount-1))
	}

	taps := make([][]Tap, dstCount)
	ys := make([]float64, srcCount)
	for k := 0; k < srcCount; k++ {
		for i := range ys {
			ys[i] = 0
		}
		ys[k] = 1

		predictor := newPredictor(method, srcCount)
		if err := predictor.Fit(xs, ys); err != nil {
			return nil, fmt.Errorf("fitting %s basis %d: %w", method, k, err)
		}
		for j, t := range targets {
			w := predictor.Predict(t)
			if math.Abs(w) > weightEpsilon {
				taps[j] = append(taps[j], Tap{Index: k, Weight: w})
			}
		}
	}
	return taps, nil
}

func newPredictor(method Method, n int) interp.FittablePredictor {
	// a natural spline through two points is the straight line anyway
	if method == Cubic && n >= 3 {
		return &interp.NaturalCubic{}
	}
	return &interp.PiecewiseLinear{}
}

// DepthResampler changes the number of slices of a stacked volume
type DepthResampler struct {
	method           Method
	numCores         int
	progressCallback ProgressCallback
	startTime        time.Time
}

// NewDepthResampler creates a resampler using numCores workers (all CPUs when < 1)
func NewDepthResampler(method Method, numCores int) *DepthResampler {
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}
	return &DepthResampler{method: method, numCores: numCores}
}

// SetProgressCallback sets a callback function for progress reporting
func (r *DepthResampler) SetProgressCallback(callback ProgressCallback) {
	r.progressCallback = callback
}

func (r *DepthResampler) reportProgress(completed, total int, message string) {
	if r.progressCallback != nil {
		r.progressCallback(completed, total, message)
	}
}

// Resample maps a volume of srcDepth slices, each planeLen voxels, to dstDepth
// slices spanning the same physical extent. The first and last slices are kept.
func (r *DepthResampler) Resample(data []float32, planeLen, srcDepth, dstDepth int) ([]float32, error) {
	if planeLen <= 0 || len(data) != planeLen*srcDepth {
		return nil, fmt.Errorf("volume size %d does not match %d slices of %d voxels", len(data), srcDepth, planeLen)
	}
	if dstDepth == srcDepth {
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	}

	r.startTime = time.Now()
	taps, err := Weights(srcDepth, dstDepth, r.method)
	if err != nil {
		return nil, err
	}

	out := make([]float32, planeLen*dstDepth)

	// Each worker owns a contiguous band of in-plane positions so writes never overlap
	numWorkers := r.numCores
	if numWorkers > planeLen {
		numWorkers = planeLen
	}
	band := (planeLen + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		start := w * band
		end := start + band
		if end > planeLen {
			end = planeLen
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for j, row := range taps {
				dst := out[j*planeLen : (j+1)*planeLen]
				for i := start; i < end; i++ {
					var sum float64
					for _, tap := range row {
						sum += tap.Weight * float64(data[tap.Index*planeLen+i])
					}
					dst[i] = float32(sum)
				}
			}
		}(start, end)
	}
	wg.Wait()

	r.reportProgress(dstDepth, dstDepth, fmt.Sprintf("%s resample %d -> %d slices in %v",
		r.method, srcDepth, dstDepth, time.Since(r.startTime)))
	return out, nil
}
