package models

import "math"

// SurfaceMesh is an indexed triangle mesh in physical units (mm).
type SurfaceMesh struct {
	Vertices [][3]float32 `json:"vertices"`
	Faces    [][3]uint32  `json:"faces"`
	Normals  [][3]float32 `json:"normals,omitempty"`
}

// MeshStats summarizes a mesh.
type MeshStats struct {
	Vertices int        `json:"vertices"`
	Faces    int        `json:"faces"`
	Min      [3]float32 `json:"min"`
	Max      [3]float32 `json:"max"`
	Area     float64    `json:"area"`
}

// Stats computes counts, bounds and surface area.
func (m *SurfaceMesh) Stats() MeshStats {
	st := MeshStats{Vertices: len(m.Vertices), Faces: len(m.Faces)}
	if len(m.Vertices) == 0 {
		return st
	}
	st.Min = m.Vertices[0]
	st.Max = m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		for i := 0; i < 3; i++ {
			st.Min[i] = float32(math.Min(float64(st.Min[i]), float64(v[i])))
			st.Max[i] = float32(math.Max(float64(st.Max[i]), float64(v[i])))
		}
	}
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		var ab, ac [3]float64
		for i := 0; i < 3; i++ {
			ab[i] = float64(b[i] - a[i])
			ac[i] = float64(c[i] - a[i])
		}
		cx := ab[1]*ac[2] - ab[2]*ac[1]
		cy := ab[2]*ac[0] - ab[0]*ac[2]
		cz := ab[0]*ac[1] - ab[1]*ac[0]
		st.Area += 0.5 * math.Sqrt(cx*cx+cy*cy+cz*cz)
	}
	return st
}
