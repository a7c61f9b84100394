package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/memory"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"mprview/internal/models"
)

func mustNewElement(t *testing.T, tg tag.Tag, value interface{}) *dicom.Element {
	t.Helper()
	el, err := dicom.NewElement(tg, value)
	if err != nil {
		t.Fatalf("NewElement(%v): %v", tg, err)
	}
	return el
}

type sliceSpec struct {
	instance  int
	rows      int
	cols      int
	z         float64
	signed    bool
	photo     string
	slope     string
	intercept string
	fill      func(i int) uint16
}

func testDataset(t *testing.T, s sliceSpec) dicom.Dataset {
	t.Helper()
	if s.photo == "" {
		s.photo = "MONOCHROME2"
	}
	pixelRep := 0
	if s.signed {
		pixelRep = 1
	}
	elements := []*dicom.Element{
		mustNewElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(t, tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustNewElement(t, tag.SOPInstanceUID, []string{fmt.Sprintf("1.2.3.4.%d", s.instance)}),
		mustNewElement(t, tag.Modality, []string{"ct"}),
		mustNewElement(t, tag.InstanceNumber, []string{fmt.Sprintf("%d", s.instance)}),
		mustNewElement(t, tag.PixelSpacing, []string{"0.7", "0.8"}),
		mustNewElement(t, tag.SliceThickness, []string{"2.5"}),
		mustNewElement(t, tag.ImagePositionPatient, []string{"-10", "-20", fmt.Sprintf("%.1f", s.z)}),
		mustNewElement(t, tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
		mustNewElement(t, tag.Rows, []int{s.rows}),
		mustNewElement(t, tag.Columns, []int{s.cols}),
		mustNewElement(t, tag.BitsAllocated, []int{16}),
		mustNewElement(t, tag.BitsStored, []int{16}),
		mustNewElement(t, tag.HighBit, []int{15}),
		mustNewElement(t, tag.PixelRepresentation, []int{pixelRep}),
		mustNewElement(t, tag.SamplesPerPixel, []int{1}),
		mustNewElement(t, tag.PhotometricInterpretation, []string{s.photo}),
	}
	if s.slope != "" {
		elements = append(elements, mustNewElement(t, tag.RescaleSlope, []string{s.slope}))
	}
	if s.intercept != "" {
		elements = append(elements, mustNewElement(t, tag.RescaleIntercept, []string{s.intercept}))
	}

	n := s.rows * s.cols
	nf := frame.NewNativeFrame[uint16](16, s.rows, s.cols, n, 1)
	for i := 0; i < n; i++ {
		if s.fill != nil {
			nf.RawData[i] = s.fill(i)
		}
	}
	info := dicom.PixelDataInfo{Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}}}
	elements = append(elements, mustNewElement(t, tag.PixelData, info))
	return dicom.Dataset{Elements: elements}
}

func writeDataset(t *testing.T, path string, ds dicom.Dataset) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := dicom.Write(f, ds); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSliceFromDataset(t *testing.T) {
	ds := testDataset(t, sliceSpec{
		instance:  7,
		rows:      3,
		cols:      4,
		z:         12.5,
		slope:     "2",
		intercept: "-1024",
		fill:      func(i int) uint16 { return uint16(i * 10) },
	})

	s, err := SliceFromDataset(&ds, 0)
	if err != nil {
		t.Fatalf("SliceFromDataset: %v", err)
	}
	if s.Index != 7 {
		t.Errorf("index %d, want instance number 7", s.Index)
	}
	if s.Rows != 3 || s.Cols != 4 || len(s.Pixels) != 12 {
		t.Fatalf("dimensions %dx%d with %d pixels", s.Rows, s.Cols, len(s.Pixels))
	}
	if s.Pixels[5] != 50 {
		t.Errorf("pixel 5 = %v, want stored value 50", s.Pixels[5])
	}
	if s.Modality != "CT" {
		t.Errorf("modality %q", s.Modality)
	}
	if s.PixelSpacing != [2]float64{0.7, 0.8} {
		t.Errorf("pixel spacing %v", s.PixelSpacing)
	}
	if s.Thickness != 2.5 {
		t.Errorf("thickness %v", s.Thickness)
	}
	if !s.HasPosition || s.Position != [3]float64{-10, -20, 12.5} {
		t.Errorf("position %v (%v)", s.Position, s.HasPosition)
	}
	if !s.HasOrientation || s.RowOrientation != [3]float64{1, 0, 0} || s.ColOrientation != [3]float64{0, 1, 0} {
		t.Errorf("orientation %v %v", s.RowOrientation, s.ColOrientation)
	}
	if s.RescaleSlope != 2 || s.RescaleIntercept != -1024 {
		t.Errorf("rescale %v/%v", s.RescaleSlope, s.RescaleIntercept)
	}
	if s.Monochrome1 {
		t.Error("MONOCHROME2 reported as inverted")
	}
}

func TestSliceFromDatasetDefaults(t *testing.T) {
	ds := testDataset(t, sliceSpec{instance: 1, rows: 2, cols: 2, photo: "MONOCHROME1"})
	s, err := SliceFromDataset(&ds, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.RescaleSlope != 1 || s.RescaleIntercept != 0 {
		t.Errorf("default rescale %v/%v", s.RescaleSlope, s.RescaleIntercept)
	}
	if !s.Monochrome1 {
		t.Error("MONOCHROME1 not detected")
	}
}

func TestSliceFromDatasetSigned(t *testing.T) {
	ds := testDataset(t, sliceSpec{
		instance: 1,
		rows:     1,
		cols:     2,
		signed:   true,
		fill:     func(i int) uint16 { return []uint16{0xFFFF, 0x8000}[i] },
	})
	s, err := SliceFromDataset(&ds, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.Pixels[0] != -1 || s.Pixels[1] != -32768 {
		t.Errorf("signed pixels %v", s.Pixels)
	}
}

func TestSliceFromDatasetErrors(t *testing.T) {
	noPixels := testDataset(t, sliceSpec{instance: 1, rows: 2, cols: 2})
	noPixels.Elements = noPixels.Elements[:len(noPixels.Elements)-1]

	encapsulated := testDataset(t, sliceSpec{instance: 1, rows: 2, cols: 2})
	encapsulated.Elements[len(encapsulated.Elements)-1] = mustNewElement(t, tag.PixelData, dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: true}},
	})

	zeroSlope := testDataset(t, sliceSpec{instance: 1, rows: 2, cols: 2, slope: "0"})

	tests := []struct {
		name string
		ds   dicom.Dataset
	}{
		{"missing pixel data", noPixels},
		{"compressed", encapsulated},
		{"zero slope", zeroSlope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SliceFromDataset(&tt.ds, 3)
			if !errors.Is(err, models.ErrDecodeFailure) {
				t.Errorf("error %v, want a decode failure", err)
			}
		})
	}
}

func TestNativePixelsMultiSample(t *testing.T) {
	nf := frame.NewNativeFrame[uint8](8, 1, 2, 2, 3)
	copy(nf.RawData, []uint8{10, 11, 12, 20, 21, 22})
	px, err := nativePixels(nf, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if px[0] != 10 || px[1] != 20 {
		t.Errorf("first samples %v", px)
	}

	if _, err := nativePixels(nf, 4, false); err == nil {
		t.Error("expected a size mismatch error")
	}
}

func TestDicomDirListSlices(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "chest")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		ds := testDataset(t, sliceSpec{
			instance: 3 - i,
			rows:     4,
			cols:     4,
			z:        float64(i) * 2,
			fill:     func(j int) uint16 { return uint16(100*i + j) },
		})
		writeDataset(t, filepath.Join(dir, fmt.Sprintf("IMG%04d.dcm", i)), ds)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a dicom file"), 0o644); err != nil {
		t.Fatal(err)
	}

	h := memory.New()
	p := NewDicomDir(root, 2, &log.Logger{Handler: h, Level: log.DebugLevel})

	series, err := p.ListSlices(context.Background(), "chest")
	if err != nil {
		t.Fatalf("ListSlices: %v", err)
	}
	if len(series.Slices) != 3 {
		t.Fatalf("%d slices, want 3", len(series.Slices))
	}
	if series.Skipped != 1 {
		t.Errorf("skipped %d, want 1", series.Skipped)
	}
	for i, s := range series.Slices {
		if s.Index != 3-i {
			t.Errorf("slice %d has index %d", i, s.Index)
		}
		if s.Filename != fmt.Sprintf("IMG%04d.dcm", i) {
			t.Errorf("slice %d filename %q", i, s.Filename)
		}
		if s.Pixels[1] != float32(100*i+1) {
			t.Errorf("slice %d pixel 1 = %v", i, s.Pixels[1])
		}
	}

	warned := false
	for _, e := range h.Entries {
		if e.Level == log.WarnLevel && e.Fields["file"] == "notes.txt" {
			warned = true
		}
	}
	if !warned {
		t.Error("undecodable file was not logged")
	}

	ids, err := p.SeriesIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "chest" {
		t.Errorf("series ids %v", ids)
	}
}

func TestDicomDirRejectsUnknownSeries(t *testing.T) {
	p := NewDicomDir(t.TempDir(), 1, nil)
	for _, id := range []string{"missing", "", "..", "../etc", "a/b"} {
		if _, err := p.ListSlices(context.Background(), id); !errors.Is(err, models.ErrSeriesNotFound) {
			t.Errorf("ListSlices(%q) = %v, want ErrSeriesNotFound", id, err)
		}
	}
}

func TestDicomDirCancelled(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "s")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeDataset(t, filepath.Join(dir, "a.dcm"), testDataset(t, sliceSpec{instance: 1, rows: 2, cols: 2}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDicomDir(root, 1, nil).ListSlices(ctx, "s"); !errors.Is(err, context.Canceled) {
		t.Errorf("error %v, want context.Canceled", err)
	}
}

func TestMemoryProvider(t *testing.T) {
	m := NewMemory()
	m.Put(&models.Series{ID: "b"})
	m.Put(&models.Series{ID: "a", Skipped: 2})

	s, err := m.ListSlices(context.Background(), "a")
	if err != nil || s.Skipped != 2 {
		t.Fatalf("ListSlices(a) = %+v, %v", s, err)
	}
	ids, _ := m.SeriesIDs(context.Background())
	if fmt.Sprint(ids) != "[a b]" {
		t.Errorf("ids %v", ids)
	}

	m.Delete("a")
	if _, err := m.ListSlices(context.Background(), "a"); !errors.Is(err, models.ErrSeriesNotFound) {
		t.Errorf("deleted series: %v", err)
	}
}
