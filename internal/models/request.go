package models

import (
	"fmt"
	"math"
	"strings"
)

// Plane is one of the three orthogonal reformat planes.
type Plane int

const (
	Axial Plane = iota
	Sagittal
	Coronal
)

var planeNames = [...]string{"axial", "sagittal", "coronal"}

func (p Plane) String() string {
	if p < 0 || int(p) >= len(planeNames) {
		return fmt.Sprintf("plane(%d)", int(p))
	}
	return planeNames[p]
}

// ParsePlane converts a plane name to a Plane. The empty string means axial.
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(s) {
	case "", "axial", "z":
		return Axial, nil
	case "sagittal", "x":
		return Sagittal, nil
	case "coronal", "y":
		return Coronal, nil
	}
	return Axial, fmt.Errorf("%w: unknown plane %q", ErrInvalidRequest, s)
}

// Reducer is the operator collapsing voxels along the projection axis.
type Reducer int

const (
	ReduceMax Reducer = iota
	ReduceMin
	ReduceMean
)

func (r Reducer) String() string {
	switch r {
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	case ReduceMean:
		return "mean"
	}
	return fmt.Sprintf("reducer(%d)", int(r))
}

// ParseReducer converts a reducer name. The empty string means max.
func ParseReducer(s string) (Reducer, error) {
	switch strings.ToLower(s) {
	case "", "max":
		return ReduceMax, nil
	case "min":
		return ReduceMin, nil
	case "mean", "avg", "average":
		return ReduceMean, nil
	}
	return ReduceMax, fmt.Errorf("%w: unknown reducer %q", ErrInvalidRequest, s)
}

// Kind is the closed set of reconstructions the engine knows how to produce.
type Kind int

const (
	KindMPR Kind = iota
	KindMIP
	KindMinIP
	KindMeanIP
	KindThickSlab
	KindCurvedMPR
	KindBone3D
	KindRotatingMIP
)

var kindNames = [...]string{"mpr", "mip", "minip", "meanip", "thickslab", "curved", "bone3d", "rotating"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind converts a kind name. The empty string means MPR.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(s)
	if s == "" {
		return KindMPR, nil
	}
	for i, name := range kindNames {
		if s == name {
			return Kind(i), nil
		}
	}
	return KindMPR, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsProjection reports whether the kind collapses an axis instead of picking a slice.
func (k Kind) IsProjection() bool {
	switch k {
	case KindMIP, KindMinIP, KindMeanIP, KindThickSlab, KindRotatingMIP:
		return true
	}
	return false
}

// Point2 is a point in the axial plane, in voxel units.
type Point2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MaxCurvePoints bounds the control points of a curved reformat path
const MaxCurvePoints = 256

// ValidateCurve checks that a curved reformat path has between 2 and
// MaxCurvePoints finite points
func ValidateCurve(pts []Point2) error {
	if len(pts) < 2 {
		return fmt.Errorf("%w: curved reformat needs at least 2 points", ErrInvalidRequest)
	}
	if len(pts) > MaxCurvePoints {
		return fmt.Errorf("%w: curve has %d points, at most %d allowed", ErrInvalidRequest, len(pts), MaxCurvePoints)
	}
	for i, p := range pts {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("%w: curve point %d (%v, %v) is not finite", ErrInvalidRequest, i, p.X, p.Y)
		}
	}
	return nil
}

// ReconstructionRequest describes one 2D reformat.
type ReconstructionRequest struct {
	SeriesID string
	Kind     Kind
	Plane    Plane

	// Index selects the slice for MPR; ignored by projections
	Index int

	// SlabStart and SlabThickness restrict projections to [start, start+thickness).
	// A thickness of 0 projects the whole volume.
	SlabStart     int
	SlabThickness int

	// Reducer is used by ThickSlab and RotatingMIP; MIP, MinIP and MeanIP imply their own
	Reducer Reducer

	// Angle is the rotation about the z axis, in degrees, of a RotatingMIP
	Angle float64

	// WindowWidth 0 requests an automatic window
	WindowWidth float64
	WindowLevel float64

	// Invert overrides the series polarity when set
	Invert *bool

	// Preset names a window preset that replaces WindowWidth and WindowLevel
	Preset string

	// Curve is the axial-plane path sampled by KindCurvedMPR
	Curve []Point2
}

// RenderedImage is an encoded, windowed 2D image.
type RenderedImage struct {
	Key         string
	Data        []byte
	ContentType string
	Width       int
	Height      int
	WindowWidth float64
	WindowLevel float64
	Inverted    bool

	// Index is the slice index after clamping
	Index int
}
