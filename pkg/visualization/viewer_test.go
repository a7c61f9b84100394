package visualization

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"

	"mprview/internal/models"
	"mprview/pkg/config"
	"mprview/pkg/engine"
	"mprview/pkg/provider"
	"mprview/pkg/reformat"
)

// fakeRenderer answers every request with a 1-byte image and records the indices
type fakeRenderer struct {
	counts reformat.Counts
	failAt int

	mu      sync.Mutex
	indices []int
}

func (f *fakeRenderer) ReformatUncached(ctx context.Context, req models.ReconstructionRequest) (*engine.ReformatResponse, error) {
	f.mu.Lock()
	f.indices = append(f.indices, req.Index)
	f.mu.Unlock()
	if f.failAt > 0 && req.Index == f.failAt {
		return nil, errors.New("render failed")
	}
	return &engine.ReformatResponse{
		Image:  &models.RenderedImage{Data: []byte{byte(req.Index)}, ContentType: "image/png", Index: req.Index},
		Counts: f.counts,
		Index:  req.Index,
	}, nil
}

func quietLogger() log.Interface {
	return &log.Logger{Handler: memory.New(), Level: log.DebugLevel}
}

func TestSaveSliceSequence(t *testing.T) {
	r := &fakeRenderer{counts: reformat.Counts{Axial: 3, Sagittal: 5, Coronal: 4}}
	v := NewViewer(r, 2, quietLogger())
	dir := filepath.Join(t.TempDir(), "slices")

	n, err := v.SaveSliceSequence(context.Background(), models.ReconstructionRequest{SeriesID: "s", Plane: models.Sagittal, Index: 3}, dir)
	if err != nil {
		t.Fatalf("SaveSliceSequence: %v", err)
	}
	if n != 5 {
		t.Errorf("%d files written, want 5", n)
	}
	for i := 0; i < 5; i++ {
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("slice_sagittal_%03d.png", i)))
		if err != nil {
			t.Errorf("slice %d: %v", i, err)
			continue
		}
		if len(data) != 1 || data[0] != byte(i) {
			t.Errorf("slice %d holds %v", i, data)
		}
	}
}

func TestSaveSliceSequenceErrors(t *testing.T) {
	r := &fakeRenderer{counts: reformat.Counts{Axial: 6}, failAt: 4}
	v := NewViewer(r, 1, quietLogger())

	if _, err := v.SaveSliceSequence(context.Background(), models.ReconstructionRequest{Kind: models.KindMIP}, t.TempDir()); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("projection sequence: %v", err)
	}

	n, err := v.SaveSliceSequence(context.Background(), models.ReconstructionRequest{SeriesID: "s"}, t.TempDir())
	if err == nil {
		t.Fatal("expected the failing slice to surface")
	}
	if n >= 6 {
		t.Errorf("%d files written despite the failure", n)
	}
}

func TestSliceFilename(t *testing.T) {
	tests := []struct {
		plane       models.Plane
		index       int
		contentType string
		want        string
	}{
		{models.Axial, 7, "image/png", "slice_axial_007.png"},
		{models.Coronal, 12, "image/jpeg", "slice_coronal_012.jpg"},
	}
	for _, tt := range tests {
		if got := SliceFilename(tt.plane, tt.index, tt.contentType); got != tt.want {
			t.Errorf("SliceFilename = %q, want %q", got, tt.want)
		}
	}
}

func TestSaveSliceSequenceThroughEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}
	p := provider.NewMemory()
	series := &models.Series{ID: "s"}
	for z := 0; z < 3; z++ {
		pixels := make([]float32, 25)
		for i := range pixels {
			pixels[i] = float32(z*25 + i)
		}
		series.Slices = append(series.Slices, models.Slice{
			Pixels: pixels, Rows: 5, Cols: 5, Index: z,
			Position: [3]float64{0, 0, float64(z)}, HasPosition: true,
			PixelSpacing: [2]float64{1, 1}, RescaleSlope: 1, Modality: "MR",
		})
	}
	p.Put(series)

	cfg := config.DefaultConfig()
	cfg.Volume.ThinStackThreshold = 2
	svc, err := engine.New(p, cfg, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	n, err := NewViewer(svc, 2, quietLogger()).SaveSliceSequence(context.Background(), models.ReconstructionRequest{SeriesID: "s"}, dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("%d axial slices written, want 3", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "slice_axial_002.png")); err != nil {
		t.Error(err)
	}
	if st := svc.Stats().Renders; st.Size != 0 {
		t.Errorf("export left %d renders in the cache", st.Size)
	}

	n, err = NewViewer(svc, 2, quietLogger()).SaveRotatingSequence(context.Background(), models.ReconstructionRequest{SeriesID: "s"}, 90, filepath.Join(dir, "rotating"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("%d rotating views written, want 4", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "rotating", "rotating_270.png")); err != nil {
		t.Error(err)
	}
	if st := svc.Stats().Renders; st.Size != 0 {
		t.Errorf("rotating export left %d renders in the cache", st.Size)
	}
}

func TestSaveRotatingSequenceSteps(t *testing.T) {
	r := &fakeRenderer{}
	v := NewViewer(r, 2, quietLogger())

	n, err := v.SaveRotatingSequence(context.Background(), models.ReconstructionRequest{SeriesID: "s"}, 120, t.TempDir())
	if err != nil || n != 3 {
		t.Errorf("step 120: %d views, %v", n, err)
	}
	for _, step := range []float64{0, -5, 720} {
		if _, err := v.SaveRotatingSequence(context.Background(), models.ReconstructionRequest{}, step, t.TempDir()); !errors.Is(err, models.ErrInvalidRequest) {
			t.Errorf("step %v: expected ErrInvalidRequest, got %v", step, err)
		}
	}
}
