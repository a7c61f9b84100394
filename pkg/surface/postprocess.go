package surface

import (
	"math"
	"math/rand"
	"sort"

	"mprview/internal/models"
	"mprview/pkg/stl"
)

// Decimate keeps round(faces*factor) faces chosen uniformly at random and drops
// the vertices no kept face uses. Meshes with at most minFaces faces, and
// factors outside (0, 1), are returned unchanged.
func Decimate(mesh *models.SurfaceMesh, factor float64, minFaces int, seed int64) *models.SurfaceMesh {
	n := len(mesh.Faces)
	if n <= minFaces || factor <= 0 || factor >= 1 {
		return mesh
	}
	keep := int(math.Round(float64(n) * factor))
	if keep <= 0 {
		return mesh
	}

	picked := rand.New(rand.NewSource(seed)).Perm(n)[:keep]
	sort.Ints(picked)

	remap := make(map[uint32]uint32)
	out := &models.SurfaceMesh{Faces: make([][3]uint32, 0, keep)}
	for _, fi := range picked {
		var face [3]uint32
		for j, old := range mesh.Faces[fi] {
			id, ok := remap[old]
			if !ok {
				id = uint32(len(out.Vertices))
				remap[old] = id
				out.Vertices = append(out.Vertices, mesh.Vertices[old])
			}
			face[j] = id
		}
		out.Faces = append(out.Faces, face)
	}
	out.Normals = stl.VertexNormals(out.Vertices, out.Faces)
	return out
}

// Smooth applies Laplacian smoothing: every iteration moves each vertex by
// lambda toward the centroid of its neighbors
func Smooth(mesh *models.SurfaceMesh, iterations int, lambda float64) *models.SurfaceMesh {
	if iterations <= 0 || len(mesh.Vertices) == 0 {
		return mesh
	}

	neighbors := make([]map[uint32]struct{}, len(mesh.Vertices))
	for _, f := range mesh.Faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			if neighbors[a] == nil {
				neighbors[a] = make(map[uint32]struct{})
			}
			if neighbors[b] == nil {
				neighbors[b] = make(map[uint32]struct{})
			}
			neighbors[a][b] = struct{}{}
			neighbors[b][a] = struct{}{}
		}
	}

	cur := make([][3]float32, len(mesh.Vertices))
	copy(cur, mesh.Vertices)
	next := make([][3]float32, len(cur))
	for it := 0; it < iterations; it++ {
		for i, p := range cur {
			if len(neighbors[i]) == 0 {
				next[i] = p
				continue
			}
			var c [3]float64
			for j := range neighbors[i] {
				for k := 0; k < 3; k++ {
					c[k] += float64(cur[j][k])
				}
			}
			for k := 0; k < 3; k++ {
				avg := c[k] / float64(len(neighbors[i]))
				next[i][k] = float32(float64(p[k]) + lambda*(avg-float64(p[k])))
			}
		}
		cur, next = next, cur
	}

	out := &models.SurfaceMesh{Vertices: cur, Faces: mesh.Faces}
	out.Normals = stl.VertexNormals(out.Vertices, out.Faces)
	return out
}
