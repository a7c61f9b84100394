package models

import (
	"fmt"
	"math"
)

// Slice represents a single decoded cross-section with its spatial metadata.
// Slices are immutable once handed over by a SliceProvider.
type Slice struct {
	// Pixels is the raw stored intensity grid, Rows*Cols values in row-major order
	Pixels []float32

	// Rows and Cols are the grid dimensions
	Rows, Cols int

	// Index is the original sequence order of the slice within its series
	Index int

	// Filename is the source file, if any
	Filename string

	// Position is the patient-space position of the first transmitted pixel
	Position [3]float64

	// HasPosition reports whether Position was present in the source metadata
	HasPosition bool

	// RowOrientation and ColOrientation are the direction cosines of the first
	// row and the first column
	RowOrientation [3]float64
	ColOrientation [3]float64

	// HasOrientation reports whether the orientation vectors were present
	HasOrientation bool

	// PixelSpacing is the physical distance between row centers and column centers, in mm
	PixelSpacing [2]float64

	// Thickness is the nominal slice thickness in mm
	Thickness float64

	// RescaleSlope and RescaleIntercept map stored values to physical units
	RescaleSlope     float64
	RescaleIntercept float64

	// Modality is the acquisition modality code (CT, MR, DX, ...)
	Modality string

	// Monochrome1 marks inverted raw polarity (minimum value displayed as white)
	Monochrome1 bool
}

// Validate checks the required fields of a slice. It returns a *DecodeFailure
// describing the first problem found.
func (s *Slice) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return &DecodeFailure{Index: s.Index, Filename: s.Filename, Reason: fmt.Sprintf(format, args...)}
	}

	if s.Rows <= 0 || s.Cols <= 0 {
		return fail("invalid dimensions %dx%d", s.Rows, s.Cols)
	}
	if len(s.Pixels) != s.Rows*s.Cols {
		return fail("pixel count %d does not match %dx%d", len(s.Pixels), s.Rows, s.Cols)
	}
	if math.IsNaN(s.RescaleSlope) || math.IsInf(s.RescaleSlope, 0) || s.RescaleSlope == 0 {
		return fail("invalid rescale slope %v", s.RescaleSlope)
	}
	if math.IsNaN(s.RescaleIntercept) || math.IsInf(s.RescaleIntercept, 0) {
		return fail("invalid rescale intercept %v", s.RescaleIntercept)
	}
	if s.HasPosition && !finite3(s.Position) {
		return fail("non-finite position %v", s.Position)
	}
	if s.HasOrientation && (!finite3(s.RowOrientation) || !finite3(s.ColOrientation)) {
		return fail("non-finite orientation")
	}
	return nil
}

func finite3(v [3]float64) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// Series is what a SliceProvider hands over for one acquisition.
type Series struct {
	// ID is the series identifier
	ID string

	// Slices holds the slices that could be read, in provider order
	Slices []Slice

	// Skipped counts source items the provider could not decode
	Skipped int
}

// Spacing is a voxel spacing triple in mm, ordered like the volume axes.
type Spacing struct {
	Z, Y, X float64
}

// InPlane returns the average in-plane pixel spacing.
func (s Spacing) InPlane() float64 {
	return (s.X + s.Y) / 2
}

// CoerceSpacing returns v when it is a usable spacing and 1.0 otherwise.
func CoerceSpacing(v float64) float64 {
	if v > 0 && !math.IsInf(v, 0) {
		return v
	}
	return 1.0
}

// Volume represents a 3D volume built from one series.
// Once published a Volume is read-only.
type Volume struct {
	// Data is the 3D volume as a 1D array in row-major order, z*Height*Width + y*Width + x
	Data []float32

	// Width, Height and Depth are the dimensions in voxels
	Width  int
	Height int
	Depth  int

	// Spacing is the physical voxel size actually used after resampling
	Spacing Spacing

	// Modality is taken from the first usable slice
	Modality string

	// Monochrome1 is the default display polarity of the series
	Monochrome1 bool

	// SourceSlices is the number of acquired slices stacked into the volume
	SourceSlices int

	// SkippedSlices is the number of slices that failed decoding or validation
	SkippedSlices int

	// Interpolated reports that thin-stack stabilization fabricated depth samples
	Interpolated bool
}

// Index returns the offset of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Index(x, y, z)]
}

// Bytes returns the memory held by the voxel buffer.
func (v *Volume) Bytes() uint64 {
	return uint64(len(v.Data)) * 4
}

// Image2D is an unwindowed 2D array in physical intensity units.
type Image2D struct {
	Data          []float32
	Width, Height int
}

// NewImage2D allocates a zeroed width x height image.
func NewImage2D(width, height int) Image2D {
	return Image2D{Data: make([]float32, width*height), Width: width, Height: height}
}

// At returns the value at column x, row y.
func (im Image2D) At(x, y int) float32 {
	return im.Data[y*im.Width+x]
}
