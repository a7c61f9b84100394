package surface

import (
	"fmt"
	"image"
	"math"

	"mprview/internal/models"
	"mprview/pkg/windowing"
)

// Projection is one PNG-encoded fallback view of the mask
type Projection struct {
	Name   string  `json:"name"`
	Angle  float64 `json:"angle"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	PNG    []byte  `json:"png"`
}

// Projections renders the mask as seen from each angle (degrees) around the y
// axis, followed by its axial, sagittal and coronal maximum projections.
func Projections(m *Mask, spacing models.Spacing, angles []float64) ([]Projection, error) {
	out := make([]Projection, 0, len(angles)+3)
	for _, angle := range angles {
		img := rotatedView(m, spacing, angle)
		p, err := encodeProjection(fmt.Sprintf("angle_%03.0f", angle), angle, img)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	for _, plane := range []models.Plane{models.Axial, models.Sagittal, models.Coronal} {
		p, err := encodeProjection(plane.String(), 0, orthogonalView(m, plane))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func encodeProjection(name string, angle float64, img *image.Gray) (Projection, error) {
	data, _, err := windowing.Encode(img, "png", 0)
	if err != nil {
		return Projection{}, fmt.Errorf("projection %s: %w", name, err)
	}
	b := img.Bounds()
	return Projection{Name: name, Angle: angle, Width: b.Dx(), Height: b.Dy(), PNG: data}, nil
}

// rotatedView rotates the set voxels in the z-x plane about the volume center
// and splats them onto a (u, y) image, keeping the nearest voxel per pixel.
// Brightness falls from 255 for the nearest depth to 140 for the farthest.
func rotatedView(m *Mask, spacing models.Spacing, angle float64) *image.Gray {
	pixel := models.CoerceSpacing(spacing.InPlane())
	halfX := float64(m.Width-1) * spacing.X / 2
	halfZ := float64(m.Depth-1) * spacing.Z / 2
	radius := math.Hypot(halfX, halfZ)

	width := int(math.Ceil(2*radius/pixel)) + 1
	height := m.Height
	img := image.NewGray(image.Rect(0, 0, width, max(height, 1)))
	nearest := make([]float64, width*height)
	for i := range nearest {
		nearest[i] = math.Inf(1)
	}

	sin, cos := math.Sincos(angle * math.Pi / 180)
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				if !m.Data[m.Index(x, y, z)] {
					continue
				}
				px, pz := float64(x)*spacing.X-halfX, float64(z)*spacing.Z-halfZ
				u := cos*px + sin*pz
				depth := -sin*px + cos*pz

				col := int(math.Round((u + radius) / pixel))
				if col < 0 || col >= width {
					continue
				}
				i := y*width + col
				if depth < nearest[i] {
					nearest[i] = depth
				}
			}
		}
	}

	for i, depth := range nearest {
		if math.IsInf(depth, 1) {
			continue
		}
		norm := 0.5
		if radius > 0 {
			norm = (depth + radius) / (2 * radius)
		}
		norm = math.Max(0, math.Min(1, norm))
		img.Pix[(i/width)*img.Stride+i%width] = uint8(math.Round(255 * (0.55 + 0.45*(1-norm))))
	}
	return img
}

// orthogonalView is the maximum projection of the mask along one axis, with
// the same image orientation as reformat slices
func orthogonalView(m *Mask, plane models.Plane) *image.Gray {
	var w, h int
	var at func(x, y, z int) (int, int)
	switch plane {
	case models.Sagittal:
		w, h = m.Height, m.Depth
		at = func(x, y, z int) (int, int) { return y, z }
	case models.Coronal:
		w, h = m.Width, m.Depth
		at = func(x, y, z int) (int, int) { return x, z }
	default:
		w, h = m.Width, m.Height
		at = func(x, y, z int) (int, int) { return x, y }
	}
	img := image.NewGray(image.Rect(0, 0, max(w, 1), max(h, 1)))
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				if m.Data[m.Index(x, y, z)] {
					c, r := at(x, y, z)
					img.Pix[r*img.Stride+c] = 255
				}
			}
		}
	}
	return img
}
