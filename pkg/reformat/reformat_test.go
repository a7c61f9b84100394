package reformat

import (
	"errors"
	"math"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"

	"mprview/internal/models"
)

// createTestVolume builds a volume where voxel (x, y, z) holds 10000*z + 100*y + x
func createTestVolume(w, h, d int) *models.Volume {
	vol := &models.Volume{
		Data:    make([]float32, w*h*d),
		Width:   w,
		Height:  h,
		Depth:   d,
		Spacing: models.Spacing{Z: 1, Y: 1, X: 1},
	}
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vol.Data[vol.Index(x, y, z)] = float32(10000*z + 100*y + x)
			}
		}
	}
	return vol
}

func newTestEngine() (*Engine, *memory.Handler) {
	h := memory.New()
	return NewEngine(&log.Logger{Handler: h, Level: log.DebugLevel}), h
}

func TestSliceShapesAndValues(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(5, 4, 3)

	tests := []struct {
		plane         models.Plane
		index         int
		width, height int
		at            func(col, row int) float32
	}{
		{models.Axial, 2, 5, 4, func(x, y int) float32 { return vol.At(x, y, 2) }},
		{models.Sagittal, 3, 4, 3, func(y, z int) float32 { return vol.At(3, y, z) }},
		{models.Coronal, 1, 5, 3, func(x, z int) float32 { return vol.At(x, 1, z) }},
	}

	for _, tt := range tests {
		t.Run(tt.plane.String(), func(t *testing.T) {
			img, idx := e.Slice(vol, tt.plane, tt.index)
			if idx != tt.index {
				t.Errorf("index %d, want %d", idx, tt.index)
			}
			if img.Width != tt.width || img.Height != tt.height {
				t.Fatalf("shape %dx%d, want %dx%d", img.Width, img.Height, tt.width, tt.height)
			}
			for row := 0; row < img.Height; row++ {
				for col := 0; col < img.Width; col++ {
					if got, want := img.At(col, row), tt.at(col, row); got != want {
						t.Fatalf("(%d,%d) = %v, want %v", col, row, got, want)
					}
				}
			}
		})
	}
}

// TestSliceShapeForAllIndices checks every in-bounds index on every plane
func TestSliceShapeForAllIndices(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(7, 6, 5)

	for _, plane := range []models.Plane{models.Axial, models.Sagittal, models.Coronal} {
		for i := 0; i < SliceCount(vol, plane); i++ {
			img, _ := e.Slice(vol, plane, i)
			if len(img.Data) != img.Width*img.Height {
				t.Fatalf("%s %d: data length %d for %dx%d", plane, i, len(img.Data), img.Width, img.Height)
			}
			var want int
			switch plane {
			case models.Axial:
				want = vol.Width * vol.Height
			case models.Sagittal:
				want = vol.Height * vol.Depth
			case models.Coronal:
				want = vol.Width * vol.Depth
			}
			if len(img.Data) != want {
				t.Fatalf("%s %d: %d pixels, want %d", plane, i, len(img.Data), want)
			}
		}
	}
}

// TestSliceClampsIndex requests -5 and count+10 on a 100-slice axial stack
func TestSliceClampsIndex(t *testing.T) {
	e, h := newTestEngine()
	vol := createTestVolume(2, 2, 100)

	img, idx := e.Slice(vol, models.Axial, -5)
	if idx != 0 || img.At(0, 0) != 0 {
		t.Errorf("index -5 gave slice %d (value %v), want 0", idx, img.At(0, 0))
	}

	img, idx = e.Slice(vol, models.Axial, 110)
	if idx != 99 || img.At(0, 0) != 990000 {
		t.Errorf("index 110 gave slice %d (value %v), want 99", idx, img.At(0, 0))
	}

	if len(h.Entries) != 2 {
		t.Fatalf("expected 2 logged corrections, got %d", len(h.Entries))
	}
	if h.Entries[1].Fields.Get("clamped") != 99 {
		t.Errorf("logged clamp = %v", h.Entries[1].Fields.Get("clamped"))
	}
}

func TestProjectWholeVolume(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(4, 3, 5)

	img, _ := e.Project(vol, models.Axial, models.ReduceMax, 0, 0)
	if img.Width != 4 || img.Height != 3 {
		t.Fatalf("axial MIP shape %dx%d", img.Width, img.Height)
	}
	if got := img.At(2, 1); got != vol.At(2, 1, 4) {
		t.Errorf("axial MIP = %v, want %v", got, vol.At(2, 1, 4))
	}

	img, _ = e.Project(vol, models.Sagittal, models.ReduceMin, 0, 0)
	if img.Width != 3 || img.Height != 5 {
		t.Fatalf("sagittal MinIP shape %dx%d", img.Width, img.Height)
	}
	if got := img.At(2, 3); got != vol.At(0, 2, 3) {
		t.Errorf("sagittal MinIP = %v, want %v", got, vol.At(0, 2, 3))
	}

	img, _ = e.Project(vol, models.Coronal, models.ReduceMean, 0, 0)
	if img.Width != 4 || img.Height != 5 {
		t.Fatalf("coronal mean shape %dx%d", img.Width, img.Height)
	}
	// mean over y of 100*y is 100
	want := float32(10000*2 + 100 + 1)
	if got := img.At(1, 2); math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("coronal mean = %v, want %v", got, want)
	}
}

func TestProjectSlab(t *testing.T) {
	e, h := newTestEngine()
	vol := createTestVolume(3, 3, 10)

	img, start := e.Project(vol, models.Axial, models.ReduceMean, 2, 4)
	if start != 2 {
		t.Errorf("start %d", start)
	}
	// mean of z = 2..5 is 3.5
	if got := img.At(0, 0); math.Abs(float64(got)-35000) > 1e-2 {
		t.Errorf("slab mean = %v, want 35000", got)
	}

	// slab running past the end is truncated
	img, _ = e.Project(vol, models.Axial, models.ReduceMin, 8, 5)
	if got := img.At(0, 0); got != 80000 {
		t.Errorf("truncated slab min = %v, want 80000", got)
	}

	// out-of-range start is clamped and logged
	_, start = e.Project(vol, models.Axial, models.ReduceMax, 50, 3)
	if start != 9 {
		t.Errorf("clamped start %d, want 9", start)
	}
	if len(h.Entries) != 1 {
		t.Errorf("expected one logged correction, got %d", len(h.Entries))
	}
}

func TestResliceDispatch(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(4, 4, 6)

	tests := []struct {
		name string
		req  models.ReconstructionRequest
		want float32
	}{
		{"mpr", models.ReconstructionRequest{Kind: models.KindMPR, Index: 3}, vol.At(0, 0, 3)},
		{"mip", models.ReconstructionRequest{Kind: models.KindMIP}, vol.At(0, 0, 5)},
		{"minip", models.ReconstructionRequest{Kind: models.KindMinIP}, vol.At(0, 0, 0)},
		{"meanip", models.ReconstructionRequest{Kind: models.KindMeanIP}, 25000},
		{"thickslab", models.ReconstructionRequest{Kind: models.KindThickSlab, SlabStart: 1, SlabThickness: 2, Reducer: models.ReduceMax}, vol.At(0, 0, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, _, err := e.Reslice(vol, tt.req)
			if err != nil {
				t.Fatalf("Reslice failed: %v", err)
			}
			if got := img.At(0, 0); math.Abs(float64(got-tt.want)) > 1e-2 {
				t.Errorf("value %v, want %v", got, tt.want)
			}
		})
	}

	if _, _, err := e.Reslice(vol, models.ReconstructionRequest{Kind: models.Kind(99)}); !errors.Is(err, models.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	if _, _, err := e.Reslice(vol, models.ReconstructionRequest{Kind: models.KindBone3D}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for bone3d, got %v", err)
	}
}

// TestCurvedStraightLineMatchesCoronal samples a straight path along x, which
// must reproduce the coronal slice through the same row.
func TestCurvedStraightLineMatchesCoronal(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(8, 6, 4)

	curved, err := Curved(vol, []models.Point2{{X: 0, Y: 2}, {X: 3, Y: 2}, {X: 3, Y: 2}, {X: 7, Y: 2}})
	if err != nil {
		t.Fatalf("Curved failed: %v", err)
	}
	coronal, _ := e.Slice(vol, models.Coronal, 2)

	if curved.Width != coronal.Width || curved.Height != coronal.Height {
		t.Fatalf("curved %dx%d, coronal %dx%d", curved.Width, curved.Height, coronal.Width, coronal.Height)
	}
	for i := range curved.Data {
		if math.Abs(float64(curved.Data[i]-coronal.Data[i])) > 1e-3 {
			t.Fatalf("pixel %d: %v vs %v", i, curved.Data[i], coronal.Data[i])
		}
	}
}

func TestCurvedInterpolatesBetweenVoxels(t *testing.T) {
	vol := createTestVolume(4, 4, 1)
	img, err := Curved(vol, []models.Point2{{X: 0.5, Y: 0.5}, {X: 0.5, Y: 2.5}})
	if err != nil {
		t.Fatalf("Curved failed: %v", err)
	}
	// (0.5, 0.5) lies between x=0..1 and y=0..1: 100*0.5 + 0.5
	if got := img.At(0, 0); math.Abs(float64(got)-50.5) > 1e-3 {
		t.Errorf("bilinear sample = %v, want 50.5", got)
	}
}

func TestCurvedNeedsTwoPoints(t *testing.T) {
	vol := createTestVolume(4, 4, 2)
	if _, err := Curved(vol, []models.Point2{{X: 1, Y: 1}, {X: 1, Y: 1}}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCurvedRejectsNonFinitePoints(t *testing.T) {
	vol := createTestVolume(8, 8, 2)
	for _, p := range []models.Point2{{X: math.NaN(), Y: 1}, {X: 1, Y: math.Inf(1)}} {
		if _, err := Curved(vol, []models.Point2{p, {X: 7, Y: 7}}); !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("point %v: expected ErrInvalidRequest, got %v", p, err)
		}
	}
}

func TestCurvedCapsSamples(t *testing.T) {
	vol := createTestVolume(100, 100, 1)
	path := make([]models.Point2, models.MaxCurvePoints)
	for i := range path {
		if i%2 == 1 {
			path[i] = models.Point2{X: 99, Y: 99}
		}
	}
	img, err := Curved(vol, path)
	if err != nil {
		t.Fatalf("Curved failed: %v", err)
	}
	if img.Width != MaxCurveSamples || img.Height != 1 {
		t.Errorf("curved image %dx%d, want %dx1", img.Width, img.Height, MaxCurveSamples)
	}

	if _, err := Curved(vol, append(path, models.Point2{X: 5, Y: 5})); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for too many points, got %v", err)
	}
}

// TestRotatingZeroMatchesSagittal checks that an unrotated projection runs
// along x, like the sagittal projection
func TestRotatingZeroMatchesSagittal(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(5, 4, 3)

	for _, reducer := range []models.Reducer{models.ReduceMax, models.ReduceMin, models.ReduceMean} {
		t.Run(reducer.String(), func(t *testing.T) {
			rotated, err := Rotating(vol, 0, reducer)
			if err != nil {
				t.Fatalf("Rotating failed: %v", err)
			}
			sagittal, _ := e.Project(vol, models.Sagittal, reducer, 0, 0)
			if rotated.Width != sagittal.Width || rotated.Height != sagittal.Height {
				t.Fatalf("rotated %dx%d, sagittal %dx%d", rotated.Width, rotated.Height, sagittal.Width, sagittal.Height)
			}
			for i := range rotated.Data {
				if math.Abs(float64(rotated.Data[i]-sagittal.Data[i])) > 1e-3 {
					t.Fatalf("pixel %d: %v vs %v", i, rotated.Data[i], sagittal.Data[i])
				}
			}
		})
	}
}

// TestRotatingQuarterTurn checks that 90 degrees projects along y, giving the
// coronal projection seen from the other side
func TestRotatingQuarterTurn(t *testing.T) {
	e, _ := newTestEngine()
	vol := createTestVolume(6, 6, 2)

	rotated, err := Rotating(vol, 90, models.ReduceMax)
	if err != nil {
		t.Fatalf("Rotating failed: %v", err)
	}
	coronal, _ := e.Project(vol, models.Coronal, models.ReduceMax, 0, 0)
	for z := 0; z < vol.Depth; z++ {
		for v := 0; v < vol.Height; v++ {
			got, want := rotated.At(v, z), coronal.At(vol.Width-1-v, z)
			if math.Abs(float64(got-want)) > 0.5 {
				t.Errorf("(%d, %d): %v, want %v", v, z, got, want)
			}
		}
	}
}

func TestRotatingSequence(t *testing.T) {
	vol := createTestVolume(6, 6, 2)
	views, err := RotatingSequence(vol, 45, models.ReduceMean)
	if err != nil {
		t.Fatalf("RotatingSequence failed: %v", err)
	}
	if len(views) != 8 {
		t.Errorf("%d views, want 8", len(views))
	}
	for _, step := range []float64{0, -10, 400, math.NaN()} {
		if _, err := RotatingSequence(vol, step, models.ReduceMax); !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("step %v: expected ErrInvalidRequest, got %v", step, err)
		}
	}
	if _, err := Rotating(vol, math.Inf(1), models.ReduceMax); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for an infinite angle, got %v", err)
	}

	e, _ := newTestEngine()
	img, _, err := e.Reslice(vol, models.ReconstructionRequest{Kind: models.KindRotatingMIP, Angle: 30})
	if err != nil || img.Width != 6 || img.Height != 2 {
		t.Errorf("dispatch: %dx%d, %v", img.Width, img.Height, err)
	}
}

func TestSliceCounts(t *testing.T) {
	c := SliceCounts(createTestVolume(5, 4, 3))
	if c != (Counts{Axial: 3, Sagittal: 5, Coronal: 4}) {
		t.Errorf("counts = %+v", c)
	}
}

func BenchmarkAxialMIP(b *testing.B) {
	e, _ := newTestEngine()
	vol := createTestVolume(256, 256, 64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Project(vol, models.Axial, models.ReduceMax, 0, 0)
	}
}
