// Package stl extracts isosurfaces from scalar volumes with marching cubes and
// writes the resulting meshes as STL, OBJ or VTK.
package stl

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"mprview/internal/models"
)

// Triangle is one facet with its unit normal, in output coordinates
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// MarchingCubes extracts the surface where a volume crosses an iso value.
// Voxels strictly above the iso value are inside.
type MarchingCubes struct {
	data          []float32
	width, height int
	depth         int
	iso           float32
	scale         [3]float32
}

// NewMarchingCubes prepares extraction over data laid out as z*h*w + y*w + x
func NewMarchingCubes(data []float32, width, height, depth int, iso float32) *MarchingCubes {
	return &MarchingCubes{
		data:   data,
		width:  width,
		height: height,
		depth:  depth,
		iso:    iso,
		scale:  [3]float32{1, 1, 1},
	}
}

// SetScale sets the physical size of a voxel along x, y and z
func (mc *MarchingCubes) SetScale(x, y, z float32) {
	mc.scale = [3]float32{x, y, z}
}

func (mc *MarchingCubes) value(x, y, z int) float32 {
	return mc.data[(z*mc.height+y)*mc.width+x]
}

// GenerateMesh returns an indexed mesh. Vertices shared between cubes are
// emitted once, degenerate triangles are dropped and per-vertex normals are
// area-weighted averages of the adjacent face normals.
func (mc *MarchingCubes) GenerateMesh() *models.SurfaceMesh {
	mesh := &models.SurfaceMesh{}
	if mc.width < 2 || mc.height < 2 || mc.depth < 2 || len(mc.data) < mc.width*mc.height*mc.depth {
		return mesh
	}

	vertexIDs := make(map[int]uint32)
	vertex := func(x, y, z, e int) uint32 {
		c := edgeCorners[e][0]
		x0, y0, z0 := x+c&1, y+c>>1&1, z+c>>2&1
		axis := edgeAxis[e]
		key := ((z0*mc.height+y0)*mc.width+x0)*3 + axis
		if id, ok := vertexIDs[key]; ok {
			return id
		}

		x1, y1, z1 := x0, y0, z0
		switch axis {
		case 0:
			x1++
		case 1:
			y1++
		default:
			z1++
		}
		va, vb := mc.value(x0, y0, z0), mc.value(x1, y1, z1)
		t := float32(0.5)
		if va != vb {
			t = (mc.iso - va) / (vb - va)
		}
		pos := [3]float32{float32(x0), float32(y0), float32(z0)}
		pos[axis] += t
		for i := range pos {
			pos[i] *= mc.scale[i]
		}

		id := uint32(len(mesh.Vertices))
		mesh.Vertices = append(mesh.Vertices, pos)
		vertexIDs[key] = id
		return id
	}

	for z := 0; z < mc.depth-1; z++ {
		for y := 0; y < mc.height-1; y++ {
			for x := 0; x < mc.width-1; x++ {
				config := 0
				for c := 0; c < 8; c++ {
					if mc.value(x+c&1, y+c>>1&1, z+c>>2&1) > mc.iso {
						config |= 1 << c
					}
				}
				for _, tri := range cases[config] {
					a := vertex(x, y, z, tri[0])
					b := vertex(x, y, z, tri[1])
					c := vertex(x, y, z, tri[2])
					if a == b || b == c || a == c {
						continue
					}
					if r3.Norm(faceCross(mesh.Vertices[a], mesh.Vertices[b], mesh.Vertices[c])) < 1e-12 {
						continue
					}
					mesh.Faces = append(mesh.Faces, [3]uint32{a, b, c})
				}
			}
		}
	}

	mesh.Normals = VertexNormals(mesh.Vertices, mesh.Faces)
	return mesh
}

// GenerateTriangles returns the surface as independent facets
func (mc *MarchingCubes) GenerateTriangles() []Triangle {
	return Triangles(mc.GenerateMesh())
}

// Triangles flattens an indexed mesh into facets with unit face normals
func Triangles(mesh *models.SurfaceMesh) []Triangle {
	tris := make([]Triangle, 0, len(mesh.Faces))
	for _, f := range mesh.Faces {
		a, b, c := mesh.Vertices[f[0]], mesh.Vertices[f[1]], mesh.Vertices[f[2]]
		tris = append(tris, Triangle{
			Normal:  toFloat32(unit(faceCross(a, b, c))),
			Vertex1: a,
			Vertex2: b,
			Vertex3: c,
		})
	}
	return tris
}

// VertexNormals averages face normals weighted by face area
func VertexNormals(vertices [][3]float32, faces [][3]uint32) [][3]float32 {
	acc := make([]r3.Vec, len(vertices))
	for _, f := range faces {
		// the cross product length is twice the area
		n := faceCross(vertices[f[0]], vertices[f[1]], vertices[f[2]])
		for _, i := range f {
			acc[i] = r3.Add(acc[i], n)
		}
	}
	normals := make([][3]float32, len(vertices))
	for i, n := range acc {
		normals[i] = toFloat32(unit(n))
	}
	return normals
}

func faceCross(a, b, c [3]float32) r3.Vec {
	return r3.Cross(r3.Sub(toVec(b), toVec(a)), r3.Sub(toVec(c), toVec(a)))
}

func unit(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n == 0 || math.IsNaN(n) {
		return r3.Vec{}
	}
	return r3.Scale(1/n, v)
}

func toVec(p [3]float32) r3.Vec {
	return r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
}

func toFloat32(v r3.Vec) [3]float32 {
	return [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}
}
