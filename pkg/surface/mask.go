package surface

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"mprview/internal/models"
)

// maxThresholdSamples bounds the voxels used for the adaptive threshold statistics
const maxThresholdSamples = 1 << 20

// Mask is a binary volume with the layout of models.Volume
type Mask struct {
	Data   []bool
	Width  int
	Height int
	Depth  int
}

// NewMask allocates an empty mask
func NewMask(width, height, depth int) *Mask {
	return &Mask{Data: make([]bool, width*height*depth), Width: width, Height: height, Depth: depth}
}

// Index returns the offset of voxel (x, y, z)
func (m *Mask) Index(x, y, z int) int {
	return (z*m.Height+y)*m.Width + x
}

// Count returns the number of set voxels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// ThresholdBand sets every voxel strictly between lower and upper
func ThresholdBand(vol *models.Volume, lower, upper float64) *Mask {
	m := NewMask(vol.Width, vol.Height, vol.Depth)
	for i, v := range vol.Data {
		f := float64(v)
		m.Data[i] = f > lower && f < upper
	}
	return m
}

// finiteSample returns a strided sample of the finite voxels
func finiteSample(vol *models.Volume) []float64 {
	stride := 1
	if len(vol.Data) > maxThresholdSamples {
		stride = (len(vol.Data) + maxThresholdSamples - 1) / maxThresholdSamples
	}
	sample := make([]float64, 0, len(vol.Data)/stride+1)
	for i := 0; i < len(vol.Data); i += stride {
		v := float64(vol.Data[i])
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sample = append(sample, v)
		}
	}
	return sample
}

// AdaptiveThreshold returns max(mean + k*std, floor) over a strided sample of
// the finite voxels
func AdaptiveThreshold(vol *models.Volume, k, floor float64) float64 {
	sample := finiteSample(vol)
	if len(sample) < 2 {
		return floor
	}
	mean, std := stat.MeanStdDev(sample, nil)
	return math.Max(mean+k*std, floor)
}

// finiteMax returns the largest finite voxel, or 0 when there is none
func finiteMax(vol *models.Volume) float64 {
	peak := math.Inf(-1)
	for _, v := range vol.Data {
		f := float64(v)
		if !math.IsInf(f, 0) && f > peak {
			peak = f
		}
	}
	if math.IsInf(peak, -1) {
		return 0
	}
	return peak
}

// Tissue selects the rule turning intensities into a mask
type Tissue string

const (
	// TissueBone keeps voxels above max(mean + k*std, floor)
	TissueBone Tissue = "bone"
	// TissueBrain keeps voxels above mean + 0.5*std
	TissueBrain Tissue = "brain"
	// TissueSoft keeps voxels between 0.2 and 0.8 of the maximum
	TissueSoft Tissue = "soft_tissue"
	// TissueGeneric keeps voxels above 0.3 of the maximum
	TissueGeneric Tissue = "generic"
)

// ParseTissue converts a tissue name. The empty string means bone.
func ParseTissue(s string) (Tissue, error) {
	switch t := Tissue(strings.ToLower(s)); t {
	case "":
		return TissueBone, nil
	case TissueBone, TissueBrain, TissueSoft, TissueGeneric:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tissue %q", models.ErrInvalidRequest, s)
}

// TissueBand returns the open interval (lower, upper) of intensities kept for
// a tissue. upper is +Inf for one-sided rules. k and floor only apply to bone.
func TissueBand(vol *models.Volume, tissue Tissue, k, floor float64) (float64, float64) {
	switch tissue {
	case TissueBrain:
		sample := finiteSample(vol)
		if len(sample) < 2 {
			return 0, math.Inf(1)
		}
		mean, std := stat.MeanStdDev(sample, nil)
		return mean + 0.5*std, math.Inf(1)
	case TissueSoft:
		peak := finiteMax(vol)
		return 0.2 * peak, 0.8 * peak
	case TissueGeneric:
		return 0.3 * finiteMax(vol), math.Inf(1)
	default:
		return AdaptiveThreshold(vol, k, floor), math.Inf(1)
	}
}
