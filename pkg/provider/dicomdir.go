package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/sync/errgroup"

	"mprview/internal/logging"
	"mprview/internal/models"
)

// DicomDir reads series from a directory tree: every sub-directory of the root
// is one series and every regular file in it one slice.
type DicomDir struct {
	root     string
	numCores int
	logger   log.Interface
}

// NewDicomDir creates a provider rooted at root
func NewDicomDir(root string, numCores int, logger log.Interface) *DicomDir {
	if numCores < 1 {
		numCores = runtime.NumCPU()
	}
	return &DicomDir{root: root, numCores: numCores, logger: logging.OrDefault(logger)}
}

// SeriesIDs lists the series directories
func (d *DicomDir) SeriesIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read series root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ListSlices decodes every file of the series directory. Files that fail to
// decode are logged and counted in Series.Skipped.
func (d *DicomDir) ListSlices(ctx context.Context, seriesID string) (*models.Series, error) {
	if seriesID == "" || seriesID != filepath.Base(seriesID) || strings.HasPrefix(seriesID, ".") {
		return nil, fmt.Errorf("%w: %q", models.ErrSeriesNotFound, seriesID)
	}
	dir := filepath.Join(d.root, seriesID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", models.ErrSeriesNotFound, seriesID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read series %s: %w", seriesID, err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	logger := d.logger.WithFields(log.Fields{"series": seriesID, "files": len(files)})
	logger.Debug("decoding series")

	decoded := make([]*models.Slice, len(files))
	var skipped int32
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.numCores)
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := ReadSlice(filepath.Join(dir, name), i)
			if err != nil {
				atomic.AddInt32(&skipped, 1)
				logger.WithError(err).WithField("file", name).Warn("skipping undecodable file")
				return nil
			}
			decoded[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	series := &models.Series{ID: seriesID, Skipped: int(skipped)}
	for _, s := range decoded {
		if s != nil {
			series.Slices = append(series.Slices, *s)
		}
	}
	logger.WithFields(log.Fields{"slices": len(series.Slices), "skipped": series.Skipped}).Info("series decoded")
	return series, nil
}

// ReadSlice parses one DICOM file. order is used as the slice index when the
// file carries no instance number.
func ReadSlice(path string, order int) (*models.Slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, &models.DecodeFailure{Index: order, Filename: filepath.Base(path), Reason: err.Error()}
	}
	s, err := SliceFromDataset(&ds, order)
	if err != nil {
		var df *models.DecodeFailure
		if errors.As(err, &df) {
			df.Filename = filepath.Base(path)
		}
		return nil, err
	}
	s.Filename = filepath.Base(path)
	return s, nil
}

// SliceFromDataset extracts the first frame and the spatial metadata of a
// parsed dataset. The stored values are kept; rescaling is left to the
// volume builder.
func SliceFromDataset(ds *dicom.Dataset, order int) (*models.Slice, error) {
	fail := func(format string, args ...interface{}) error {
		return &models.DecodeFailure{Index: order, Reason: fmt.Sprintf(format, args...)}
	}

	s := &models.Slice{Index: order, RescaleSlope: 1}
	if n, ok := firstInt(ds, tag.InstanceNumber); ok {
		s.Index = n
	}

	rows, okRows := firstInt(ds, tag.Rows)
	cols, okCols := firstInt(ds, tag.Columns)
	if !okRows || !okCols {
		return nil, fail("missing rows or columns")
	}
	s.Rows, s.Cols = rows, cols

	if v, ok := floats(ds, tag.ImagePositionPatient); ok && len(v) >= 3 {
		s.Position = [3]float64{v[0], v[1], v[2]}
		s.HasPosition = true
	}
	if v, ok := floats(ds, tag.ImageOrientationPatient); ok && len(v) >= 6 {
		s.RowOrientation = [3]float64{v[0], v[1], v[2]}
		s.ColOrientation = [3]float64{v[3], v[4], v[5]}
		s.HasOrientation = true
	}
	if v, ok := floats(ds, tag.PixelSpacing); ok && len(v) >= 2 {
		s.PixelSpacing = [2]float64{v[0], v[1]}
	}
	if v, ok := floats(ds, tag.SliceThickness); ok && len(v) > 0 {
		s.Thickness = v[0]
	}
	if v, ok := floats(ds, tag.RescaleSlope); ok && len(v) > 0 {
		s.RescaleSlope = v[0]
	}
	if v, ok := floats(ds, tag.RescaleIntercept); ok && len(v) > 0 {
		s.RescaleIntercept = v[0]
	}
	s.Modality = strings.ToUpper(firstString(ds, tag.Modality))
	s.Monochrome1 = strings.EqualFold(firstString(ds, tag.PhotometricInterpretation), "MONOCHROME1")

	signed := false
	if n, ok := firstInt(ds, tag.PixelRepresentation); ok {
		signed = n == 1
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fail("missing pixel data")
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(info.Frames) == 0 || info.Frames[0] == nil {
		return nil, fail("no pixel frames")
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return nil, fail("compressed pixel data is not supported")
	}
	pixels, err := nativePixels(fr.NativeData, rows*cols, signed)
	if err != nil {
		return nil, fail("%v", err)
	}
	s.Pixels = pixels

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// nativePixels converts the first sample of each pixel to float32, reading
// unsigned storage as two's complement when the pixel representation is signed
func nativePixels(data frame.INativeFrame, n int, signed bool) ([]float32, error) {
	switch f := data.(type) {
	case *frame.NativeFrame[uint8]:
		if signed {
			return convert(f.RawData, n, func(v uint8) float32 { return float32(int8(v)) })
		}
		return convert(f.RawData, n, func(v uint8) float32 { return float32(v) })
	case *frame.NativeFrame[uint16]:
		if signed {
			return convert(f.RawData, n, func(v uint16) float32 { return float32(int16(v)) })
		}
		return convert(f.RawData, n, func(v uint16) float32 { return float32(v) })
	case *frame.NativeFrame[uint32]:
		if signed {
			return convert(f.RawData, n, func(v uint32) float32 { return float32(int32(v)) })
		}
		return convert(f.RawData, n, func(v uint32) float32 { return float32(v) })
	case *frame.NativeFrame[int8]:
		return convert(f.RawData, n, func(v int8) float32 { return float32(v) })
	case *frame.NativeFrame[int16]:
		return convert(f.RawData, n, func(v int16) float32 { return float32(v) })
	case *frame.NativeFrame[int32]:
		return convert(f.RawData, n, func(v int32) float32 { return float32(v) })
	}
	return nil, fmt.Errorf("unsupported native frame %T", data)
}

func convert[T uint8 | uint16 | uint32 | int8 | int16 | int32](raw []T, n int, conv func(T) float32) ([]float32, error) {
	if n <= 0 || len(raw) < n || len(raw)%n != 0 {
		return nil, fmt.Errorf("frame holds %d samples for %d pixels", len(raw), n)
	}
	spp := len(raw) / n
	out := make([]float32, n)
	for i := range out {
		out[i] = conv(raw[i*spp])
	}
	return out, nil
}

func values(ds *dicom.Dataset, t tag.Tag) interface{} {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return nil
	}
	return el.Value.GetValue()
}

func firstString(ds *dicom.Dataset, t tag.Tag) string {
	if v, ok := values(ds, t).([]string); ok && len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func firstInt(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	switch v := values(ds, t).(type) {
	case []int:
		if len(v) > 0 {
			return v[0], true
		}
	case []string:
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			return n, err == nil
		}
	}
	return 0, false
}

// floats parses a decimal string element, which may arrive as one
// backslash-separated string or as separate values
func floats(ds *dicom.Dataset, t tag.Tag) ([]float64, bool) {
	raw, ok := values(ds, t).([]string)
	if !ok {
		return nil, false
	}
	var out []float64
	for _, s := range raw {
		for _, part := range strings.Split(s, `\`) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
	}
	return out, len(out) > 0
}
