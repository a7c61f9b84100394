package stl

import "gonum.org/v1/gonum/spatial/r3"

// Cube corners are numbered c = x + 2y + 4z. Edge e joins edgeCorners[e][0]
// to edgeCorners[e][0] + 1<<edgeAxis[e].
var (
	edgeCorners [12][2]int
	edgeAxis    [12]int

	// cases[config] lists the triangles of a corner configuration as edge
	// indices, wound counter-clockwise when seen from outside
	cases [256][][3]int
)

func init() {
	e := 0
	for axis := 0; axis < 3; axis++ {
		for c := 0; c < 8; c++ {
			if c&(1<<axis) != 0 {
				continue
			}
			edgeCorners[e] = [2]int{c, c | 1<<axis}
			edgeAxis[e] = axis
			e++
		}
	}
	for config := range cases {
		cases[config] = triangulate(config)
	}
}

func cornerPos(c int) r3.Vec {
	return r3.Vec{X: float64(c & 1), Y: float64(c >> 1 & 1), Z: float64(c >> 2 & 1)}
}

func edgeBetween(a, b int) int {
	if a > b {
		a, b = b, a
	}
	for e, ec := range edgeCorners {
		if ec[0] == a && ec[1] == b {
			return e
		}
	}
	return -1
}

// faceCycles returns the four corners of each cube face in cyclic order
func faceCycles() [6][4]int {
	var faces [6][4]int
	i := 0
	for axis := 0; axis < 3; axis++ {
		u, w := (axis+1)%3, (axis+2)%3
		for side := 0; side < 2; side++ {
			base := side << axis
			faces[i] = [4]int{base, base | 1<<u, base | 1<<u | 1<<w, base | 1<<w}
			i++
		}
	}
	return faces
}

// triangulate derives the polygons of one configuration. Every face contributes
// segments between its crossed edges; a face with diagonal inside corners cuts
// each inside corner off, which both cubes sharing the face agree on. The
// segments close into loops that are oriented away from the inside corners and
// fanned into triangles.
func triangulate(config int) [][3]int {
	inside := func(c int) bool { return config&(1<<c) != 0 }

	adj := make(map[int][]int)
	link := func(a, b int) {
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}

	for _, f := range faceCycles() {
		var edges [4]int
		var crossed []int
		for k := 0; k < 4; k++ {
			a, b := f[k], f[(k+1)%4]
			edges[k] = edgeBetween(a, b)
			if inside(a) != inside(b) {
				crossed = append(crossed, k)
			}
		}
		switch len(crossed) {
		case 2:
			link(edges[crossed[0]], edges[crossed[1]])
		case 4:
			for k := 0; k < 4; k++ {
				if inside(f[k]) {
					link(edges[(k+3)%4], edges[k])
				}
			}
		}
	}

	var tris [][3]int
	visited := make(map[int]bool)
	for e := 0; e < 12; e++ {
		if visited[e] || len(adj[e]) == 0 {
			continue
		}
		loop := []int{e}
		visited[e] = true
		prev, cur := -1, e
		for {
			next := adj[cur][0]
			if next == prev || visited[next] {
				next = adj[cur][1]
			}
			if visited[next] {
				break
			}
			visited[next] = true
			loop = append(loop, next)
			prev, cur = cur, next
		}
		if len(loop) < 3 {
			continue
		}
		if !outward(loop, inside) {
			for i, j := 0, len(loop)-1; i < j; i, j = i+1, j-1 {
				loop[i], loop[j] = loop[j], loop[i]
			}
		}
		for i := 1; i+1 < len(loop); i++ {
			tris = append(tris, [3]int{loop[0], loop[i], loop[i+1]})
		}
	}
	return tris
}

// outward reports whether the Newell normal of the loop of edge midpoints
// points from its inside corners towards its outside corners
func outward(loop []int, inside func(int) bool) bool {
	var normal, away r3.Vec
	for i, e := range loop {
		p := edgeMidpoint(e)
		q := edgeMidpoint(loop[(i+1)%len(loop)])
		normal = r3.Add(normal, r3.Cross(p, q))

		a, b := edgeCorners[e][0], edgeCorners[e][1]
		if inside(a) {
			away = r3.Add(away, r3.Sub(cornerPos(b), cornerPos(a)))
		} else {
			away = r3.Add(away, r3.Sub(cornerPos(a), cornerPos(b)))
		}
	}
	return r3.Dot(normal, away) > 0
}

func edgeMidpoint(e int) r3.Vec {
	return r3.Scale(0.5, r3.Add(cornerPos(edgeCorners[e][0]), cornerPos(edgeCorners[e][1])))
}
