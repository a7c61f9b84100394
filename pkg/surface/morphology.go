package surface

import (
	"math"

	"golang.org/x/sync/errgroup"
)

// far stands in for an infinite squared distance
const far = 1e20

// squaredDistance returns, for every voxel, the squared Euclidean distance in
// voxels to the nearest voxel whose mask value equals feature. It runs the
// separable lower-envelope transform along x, then y, then z.
func squaredDistance(m *Mask, feature bool, workers int) []float32 {
	w, h, d := m.Width, m.Height, m.Depth
	dist := make([]float32, len(m.Data))
	for i, v := range m.Data {
		if v != feature {
			dist[i] = far
		}
	}

	passes := []struct {
		lines, n, stride int
		base             func(line int) int
	}{
		{h * d, w, 1, func(l int) int { return l * w }},
		{w * d, h, w, func(l int) int { return (l/w)*w*h + l%w }},
		{w * h, d, w * h, func(l int) int { return l }},
	}

	for _, p := range passes {
		p := p
		parallelRange(p.lines, workers, func(lo, hi int) {
			f := make([]float64, p.n)
			out := make([]float64, p.n)
			v := make([]int, p.n)
			z := make([]float64, p.n+1)
			for line := lo; line < hi; line++ {
				base := p.base(line)
				for i := 0; i < p.n; i++ {
					f[i] = float64(dist[base+i*p.stride])
				}
				transform1D(f, out, v, z)
				for i := 0; i < p.n; i++ {
					dist[base+i*p.stride] = float32(out[i])
				}
			}
		})
	}
	return dist
}

// transform1D computes d[q] = min_p (q-p)^2 + f[p] with the lower envelope of parabolas
func transform1D(f, d []float64, v []int, z []float64) {
	n := len(f)
	k := 0
	v[0] = 0
	z[0] = math.Inf(-1)
	z[1] = math.Inf(1)
	for q := 1; q < n; q++ {
		s := intersect(f, q, v[k])
		for s <= z[k] {
			k--
			s = intersect(f, q, v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = math.Inf(1)
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		d[q] = dq*dq + f[v[k]]
	}
}

func intersect(f []float64, q, p int) float64 {
	fq, fp := float64(q), float64(p)
	return ((f[q] + fq*fq) - (f[p] + fp*fp)) / (2*fq - 2*fp)
}

// Dilate sets every voxel within radius of a set voxel
func Dilate(m *Mask, radius, workers int) *Mask {
	if radius <= 0 {
		return m
	}
	dist := squaredDistance(m, true, workers)
	out := NewMask(m.Width, m.Height, m.Depth)
	r2 := float32(radius * radius)
	for i, d := range dist {
		out.Data[i] = d <= r2
	}
	return out
}

// Erode keeps the voxels whose whole ball of the given radius is set. Voxels
// outside the volume do not count as unset.
func Erode(m *Mask, radius, workers int) *Mask {
	if radius <= 0 {
		return m
	}
	dist := squaredDistance(m, false, workers)
	out := NewMask(m.Width, m.Height, m.Depth)
	r2 := float32(radius * radius)
	for i, d := range dist {
		out.Data[i] = d > r2
	}
	return out
}

// Close fills gaps narrower than the ball of the given radius
func Close(m *Mask, radius, workers int) *Mask {
	return Erode(Dilate(m, radius, workers), radius, workers)
}

// Open removes structures thinner than the ball of the given radius
func Open(m *Mask, radius, workers int) *Mask {
	return Dilate(Erode(m, radius, workers), radius, workers)
}

// neighbors6 visits the face neighbors of voxel i
func neighbors6(m *Mask, i int, visit func(j int)) {
	wh := m.Width * m.Height
	x, y, z := i%m.Width, (i/m.Width)%m.Height, i/wh
	if x > 0 {
		visit(i - 1)
	}
	if x < m.Width-1 {
		visit(i + 1)
	}
	if y > 0 {
		visit(i - m.Width)
	}
	if y < m.Height-1 {
		visit(i + m.Width)
	}
	if z > 0 {
		visit(i - wh)
	}
	if z < m.Depth-1 {
		visit(i + wh)
	}
}

// FillHoles sets every unset voxel that cannot reach the volume border through
// unset voxels. It returns the number of voxels filled.
func FillHoles(m *Mask) int {
	outside := make([]bool, len(m.Data))
	var queue []int
	seed := func(i int) {
		if !m.Data[i] && !outside[i] {
			outside[i] = true
			queue = append(queue, i)
		}
	}
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				if x == 0 || y == 0 || z == 0 || x == m.Width-1 || y == m.Height-1 || z == m.Depth-1 {
					seed(m.Index(x, y, z))
				}
			}
		}
	}
	for len(queue) > 0 {
		i := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		neighbors6(m, i, seed)
	}

	filled := 0
	for i, set := range m.Data {
		if !set && !outside[i] {
			m.Data[i] = true
			filled++
		}
	}
	return filled
}

// RemoveSmallComponents clears 6-connected components with fewer than minSize
// voxels and returns the number of components kept
func RemoveSmallComponents(m *Mask, minSize int) int {
	seen := make([]bool, len(m.Data))
	var component, stack []int
	kept := 0
	for start, set := range m.Data {
		if !set || seen[start] {
			continue
		}
		component = component[:0]
		stack = append(stack[:0], start)
		seen[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, i)
			neighbors6(m, i, func(j int) {
				if m.Data[j] && !seen[j] {
					seen[j] = true
					stack = append(stack, j)
				}
			})
		}
		if len(component) < minSize {
			for _, i := range component {
				m.Data[i] = false
			}
			continue
		}
		kept++
	}
	return kept
}

// parallelRange splits [0, n) into contiguous chunks processed concurrently
func parallelRange(n, workers int, fn func(lo, hi int)) {
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers
	if chunk < 1 {
		return
	}
	var g errgroup.Group
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	g.Wait()
}
