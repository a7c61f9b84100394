package surface

import (
	"fmt"
	"math"

	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"

	"mprview/internal/models"
	"mprview/pkg/stl"
)

// Backend names an isosurface extractor
const (
	BackendNative = "native"
	BackendSDFX   = "sdfx"
)

// Mesher turns a binary mask into a mesh in physical (x, y, z) coordinates
type Mesher interface {
	Name() string
	Mesh(m *Mask, spacing models.Spacing) (*models.SurfaceMesh, error)
}

// NewMesher returns the mesher registered under name
func NewMesher(name string) (Mesher, error) {
	switch name {
	case "", BackendNative:
		return nativeMesher{}, nil
	case BackendSDFX:
		return sdfxMesher{}, nil
	}
	return nil, fmt.Errorf("%w: unknown surface backend %q", models.ErrInvalidRequest, name)
}

// nativeMesher runs marching cubes at 0.5 on the mask padded with one empty
// voxel on every side, so surfaces touching the border are closed
type nativeMesher struct{}

func (nativeMesher) Name() string { return BackendNative }

func (nativeMesher) Mesh(m *Mask, spacing models.Spacing) (*models.SurfaceMesh, error) {
	pw, ph, pd := m.Width+2, m.Height+2, m.Depth+2
	padded := make([]float32, pw*ph*pd)
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			row := m.Data[m.Index(0, y, z):]
			dst := padded[((z+1)*ph+y+1)*pw+1:]
			for x := 0; x < m.Width; x++ {
				if row[x] {
					dst[x] = 1
				}
			}
		}
	}

	mc := stl.NewMarchingCubes(padded, pw, ph, pd, 0.5)
	sx, sy, sz := float32(spacing.X), float32(spacing.Y), float32(spacing.Z)
	mc.SetScale(sx, sy, sz)
	mesh := mc.GenerateMesh()

	// undo the padding offset
	for i := range mesh.Vertices {
		mesh.Vertices[i][0] -= sx
		mesh.Vertices[i][1] -= sy
		mesh.Vertices[i][2] -= sz
	}
	return mesh, nil
}

// maskSDF exposes a mask as a signed distance-like field, negative inside
type maskSDF struct {
	mask    *Mask
	spacing models.Spacing
	box     sdf.Box3
}

func newMaskSDF(m *Mask, spacing models.Spacing) *maskSDF {
	return &maskSDF{
		mask:    m,
		spacing: spacing,
		box: sdf.Box3{
			Min: v3.Vec{X: -spacing.X, Y: -spacing.Y, Z: -spacing.Z},
			Max: v3.Vec{
				X: float64(m.Width) * spacing.X,
				Y: float64(m.Height) * spacing.Y,
				Z: float64(m.Depth) * spacing.Z,
			},
		},
	}
}

// Evaluate returns 0.5 minus the trilinear mask occupancy at p
func (s *maskSDF) Evaluate(p v3.Vec) float64 {
	return 0.5 - s.occupancy(p.X/s.spacing.X, p.Y/s.spacing.Y, p.Z/s.spacing.Z)
}

// BoundingBox covers the mask plus one voxel of margin
func (s *maskSDF) BoundingBox() sdf.Box3 {
	return s.box
}

func (s *maskSDF) voxel(x, y, z int) float64 {
	m := s.mask
	if x < 0 || y < 0 || z < 0 || x >= m.Width || y >= m.Height || z >= m.Depth {
		return 0
	}
	if m.Data[m.Index(x, y, z)] {
		return 1
	}
	return 0
}

func (s *maskSDF) occupancy(x, y, z float64) float64 {
	x0, y0, z0 := math.Floor(x), math.Floor(y), math.Floor(z)
	fx, fy, fz := x-x0, y-y0, z-z0
	ix, iy, iz := int(x0), int(y0), int(z0)

	var sum float64
	for c := 0; c < 8; c++ {
		dx, dy, dz := c&1, c>>1&1, c>>2&1
		w := 1.0
		if dx == 1 {
			w *= fx
		} else {
			w *= 1 - fx
		}
		if dy == 1 {
			w *= fy
		} else {
			w *= 1 - fy
		}
		if dz == 1 {
			w *= fz
		} else {
			w *= 1 - fz
		}
		if w != 0 {
			sum += w * s.voxel(ix+dx, iy+dy, iz+dz)
		}
	}
	return sum
}

// sdfxMesher renders the mask field with the sdfx uniform marching cubes and
// welds the resulting triangle soup into an indexed mesh
type sdfxMesher struct{}

func (sdfxMesher) Name() string { return BackendSDFX }

func (sdfxMesher) Mesh(m *Mask, spacing models.Spacing) (*models.SurfaceMesh, error) {
	field := newMaskSDF(m, spacing)
	cells := max(m.Width, m.Height, m.Depth) + 2
	triangles := render.ToTriangles(field, render.NewMarchingCubesUniform(cells))

	mesh := &models.SurfaceMesh{}
	ids := make(map[[3]float32]uint32)
	for _, tri := range triangles {
		var face [3]uint32
		for j := 0; j < 3; j++ {
			v := tri[j]
			key := [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
			id, ok := ids[key]
			if !ok {
				id = uint32(len(mesh.Vertices))
				ids[key] = id
				mesh.Vertices = append(mesh.Vertices, key)
			}
			face[j] = id
		}
		if face[0] == face[1] || face[1] == face[2] || face[0] == face[2] {
			continue
		}
		mesh.Faces = append(mesh.Faces, face)
	}
	mesh.Normals = stl.VertexNormals(mesh.Vertices, mesh.Faces)
	return mesh, nil
}
