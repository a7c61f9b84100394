// Package windowing maps physical intensities to 8-bit display values.
package windowing

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"sort"
	"strings"

	"github.com/apex/log"
	"gonum.org/v1/gonum/stat"

	"mprview/internal/logging"
	"mprview/internal/models"
)

// Window is a width/level pair in physical units
type Window struct {
	Width float64 `json:"width"`
	Level float64 `json:"level"`
}

// Bounds returns the intensities mapped to 0 and 255
func (w Window) Bounds() (lower, upper float64) {
	return w.Level - w.Width/2, w.Level + w.Width/2
}

// maxSamples bounds the number of values sorted for percentile estimates
const maxSamples = 1 << 18

// Options configure an Engine
type Options struct {
	// Enhance turns on modality-aware enhancement
	Enhance bool

	// LowPercentile and HighPercentile bound the automatic window, in percent
	LowPercentile  float64
	HighPercentile float64
}

// DefaultOptions returns enhancement on and a 1st/99th percentile auto window
func DefaultOptions() Options {
	return Options{Enhance: true, LowPercentile: 1, HighPercentile: 99}
}

// Params are the per-render settings
type Params struct {
	// Window is applied as is when its width is positive; otherwise a window is derived
	Window Window

	// Invert flips the final mapping
	Invert bool

	// Modality drives the enhancement choices
	Modality string
}

// Engine renders 2D arrays to 8-bit images. It is safe for concurrent use.
type Engine struct {
	opts   Options
	logger log.Interface
}

// NewEngine creates a windowing engine
func NewEngine(opts Options, logger log.Interface) *Engine {
	if opts.HighPercentile <= opts.LowPercentile {
		opts.LowPercentile, opts.HighPercentile = 1, 99
	}
	return &Engine{opts: opts, logger: logging.OrDefault(logger)}
}

// Render windows img into a grayscale image and returns the window used.
// It never fails: non-finite input is sanitized and empty input yields a 1x1 black image.
func (e *Engine) Render(img models.Image2D, p Params) (*image.Gray, Window) {
	if img.Width <= 0 || img.Height <= 0 || len(img.Data) < img.Width*img.Height {
		e.logger.WithFields(log.Fields{"width": img.Width, "height": img.Height}).Warn("rendering empty image")
		return image.NewGray(image.Rect(0, 0, 1, 1)), Window{Width: 1}
	}

	data := make([]float64, img.Width*img.Height)
	for i := range data {
		data[i] = float64(img.Data[i])
	}
	if n := sanitize(data); n > 0 {
		e.logger.WithField("replaced", n).Debug("non-finite pixels sanitized")
	}

	if e.opts.Enhance && isProjectionRadiography(p.Modality) {
		data = smooth(data, img.Width, img.Height)
		lo, hi := e.percentiles(data)
		for i, v := range data {
			data[i] = math.Max(lo, math.Min(hi, v))
		}
	}

	win := p.Window
	switch {
	case win.Width > 0 && !math.IsInf(win.Width, 0) && !math.IsNaN(win.Level):
	case e.opts.Enhance && strings.EqualFold(p.Modality, "CT"):
		name := ClassifyCT(data)
		win = Presets[name]
		e.logger.WithField("preset", name).Debug("ct window preset selected")
	default:
		win = e.AutoWindow(data)
	}

	out := image.NewGray(image.Rect(0, 0, img.Width, img.Height))
	lower := win.Level - win.Width/2
	for y := 0; y < img.Height; y++ {
		row := out.Pix[y*out.Stride : y*out.Stride+img.Width]
		for x := range row {
			v := (data[y*img.Width+x] - lower) / win.Width * 255
			v = math.Round(math.Max(0, math.Min(255, v)))
			if p.Invert {
				v = 255 - v
			}
			row[x] = uint8(v)
		}
	}
	return out, win
}

// AutoWindow derives a window from the configured percentiles:
// width = max(1, high-low), level = (high+low)/2
func (e *Engine) AutoWindow(data []float64) Window {
	lo, hi := e.percentiles(data)
	return Window{Width: math.Max(1, hi-lo), Level: (hi + lo) / 2}
}

func (e *Engine) percentiles(data []float64) (float64, float64) {
	q := Percentiles(data, e.opts.LowPercentile/100, e.opts.HighPercentile/100)
	return q[0], q[1]
}

// Percentiles returns the empirical quantiles ps (in [0,1]) of the finite values
// in data. Large inputs are subsampled with a fixed stride.
func Percentiles(data []float64, ps ...float64) []float64 {
	stride := 1
	if len(data) > maxSamples {
		stride = (len(data) + maxSamples - 1) / maxSamples
	}
	sample := make([]float64, 0, len(data)/stride+1)
	for i := 0; i < len(data); i += stride {
		if v := data[i]; !math.IsNaN(v) && !math.IsInf(v, 0) {
			sample = append(sample, v)
		}
	}

	out := make([]float64, len(ps))
	if len(sample) == 0 {
		return out
	}
	sort.Float64s(sample)
	for i, p := range ps {
		out[i] = stat.Quantile(math.Max(0, math.Min(1, p)), stat.Empirical, sample, nil)
	}
	return out
}

// sanitize replaces NaN and Inf with the median of the finite values, or 0 when
// nothing is finite. It returns the number of replaced values.
func sanitize(data []float64) int {
	bad := 0
	for _, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad++
		}
	}
	if bad == 0 {
		return 0
	}
	fill := 0.0
	if bad < len(data) {
		fill = Percentiles(data, 0.5)[0]
	}
	for i, v := range data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			data[i] = fill
		}
	}
	return bad
}

// isProjectionRadiography reports modalities acquired as a single projection
func isProjectionRadiography(modality string) bool {
	switch strings.ToUpper(modality) {
	case "CR", "DX", "MG", "RF", "XA", "PX":
		return true
	}
	return false
}

// smooth applies a 3x3 binomial blur with clamped edges
func smooth(data []float64, width, height int) []float64 {
	tmp := make([]float64, len(data))
	out := make([]float64, len(data))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			l, r := max(x-1, 0), min(x+1, width-1)
			tmp[y*width+x] = (data[y*width+l] + 2*data[y*width+x] + data[y*width+r]) / 4
		}
	}
	for y := 0; y < height; y++ {
		u, d := max(y-1, 0), min(y+1, height-1)
		for x := 0; x < width; x++ {
			out[y*width+x] = (tmp[u*width+x] + 2*tmp[y*width+x] + tmp[d*width+x]) / 4
		}
	}
	return out
}

// Encode serializes img as png (default) or jpeg and returns the content type
func Encode(img image.Image, format string, quality int) ([]byte, string, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "", "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encoding png: %w", err)
		}
		return buf.Bytes(), "image/png", nil
	case "jpeg", "jpg":
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encoding jpeg: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	return nil, "", fmt.Errorf("unsupported image format %q", format)
}
