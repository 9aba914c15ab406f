package terrain

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

// BuildGridMesh creates a regular grid mesh over extent from cols x rows heights
// (row-major, row 0 north). Outer nodes lie exactly on the extent edges.
func BuildGridMesh(extent orb.Bound, cols, rows int, heights []float64) *Mesh {
	vertices := make([]Vertex, 0, cols*rows)
	indices := make([]uint32, 0, (cols-1)*(rows-1)*6)

	for r := 0; r < rows; r++ {
		fy := float64(r) / float64(rows-1)
		y := extent.Max[1]*(1-fy) + extent.Min[1]*fy
		for c := 0; c < cols; c++ {
			fx := float64(c) / float64(cols-1)
			x := extent.Min[0]*(1-fx) + extent.Max[0]*fx
			vertices = append(vertices, Vertex{
				Position: [3]float64{x, y, heights[r*cols+c]},
				TexCoord: [2]float32{float32(fx), float32(fy)},
			})
		}
	}

	// Quad corners: nw=(c,r) ne=(c+1,r) sw=(c,r+1) se=(c+1,r+1).
	for r := 0; r < rows-1; r++ {
		for c := 0; c < cols-1; c++ {
			nw := uint32(r*cols + c)
			ne := nw + 1
			sw := nw + uint32(cols)
			se := sw + 1
			indices = append(indices,
				sw, se, ne,
				sw, ne, nw,
			)
		}
	}

	m := &Mesh{Vertices: vertices, Indices: indices}
	gridNormals(m, cols, rows)
	m.Bounds = computeBounds(m.Vertices)
	return m
}

// gridNormals sets normals from central differences of the height field.
func gridNormals(m *Mesh, cols, rows int) {
	pos := func(c, r int) [3]float64 {
		c = min(max(c, 0), cols-1)
		r = min(max(r, 0), rows-1)
		return m.Vertices[r*cols+c].Position
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			w, e := pos(c-1, r), pos(c+1, r)
			n, s := pos(c, r-1), pos(c, r+1)
			dx := mgl64.Vec3{e[0] - w[0], e[1] - w[1], e[2] - w[2]}
			dy := mgl64.Vec3{n[0] - s[0], n[1] - s[1], n[2] - s[2]}
			m.Vertices[r*cols+c].Normal = toNormal(dx.Cross(dy))
		}
	}
}

// AddSkirt hangs a vertical curtain of the given depth below the outer ring of a
// grid mesh built by BuildGridMesh, hiding cracks between neighbouring tiles.
func AddSkirt(m *Mesh, cols, rows int, depth float64) {
	if depth <= 0 {
		return
	}
	// Outer ring, walked counter-clockwise seen from above: south, east, north, west.
	ring := make([]uint32, 0, 2*(cols+rows))
	for c := 0; c < cols; c++ {
		ring = append(ring, uint32((rows-1)*cols+c))
	}
	for r := rows - 2; r >= 0; r-- {
		ring = append(ring, uint32(r*cols+cols-1))
	}
	for c := cols - 2; c >= 0; c-- {
		ring = append(ring, uint32(c))
	}
	for r := 1; r < rows-1; r++ {
		ring = append(ring, uint32(r*cols))
	}
	ring = append(ring, ring[0])

	skirt := make(map[uint32]uint32, len(ring))
	for _, top := range ring {
		if _, ok := skirt[top]; ok {
			continue
		}
		v := m.Vertices[top]
		v.Position[2] -= depth
		skirt[top] = uint32(len(m.Vertices))
		m.Vertices = append(m.Vertices, v)
	}
	for i := 0; i+1 < len(ring); i++ {
		a, b := ring[i], ring[i+1]
		m.Indices = append(m.Indices,
			a, skirt[a], skirt[b],
			a, skirt[b], b,
		)
	}
	m.Bounds = computeBounds(m.Vertices)
}

// ComputeNormals sets every vertex normal to the area-weighted average of the
// faces sharing it.
func ComputeNormals(m *Mesh) {
	acc := make([]mgl64.Vec3, len(m.Vertices))
	for i := 0; i+2 < len(m.Indices); i += 3 {
		a, b, c := m.Indices[i], m.Indices[i+1], m.Indices[i+2]
		pa := mgl64.Vec3(m.Vertices[a].Position)
		pb := mgl64.Vec3(m.Vertices[b].Position)
		pc := mgl64.Vec3(m.Vertices[c].Position)
		face := pb.Sub(pa).Cross(pc.Sub(pa))
		acc[a] = acc[a].Add(face)
		acc[b] = acc[b].Add(face)
		acc[c] = acc[c].Add(face)
	}
	for i := range m.Vertices {
		m.Vertices[i].Normal = toNormal(acc[i])
	}
}

// toNormal normalises v, falling back to straight up for degenerate input.
func toNormal(v mgl64.Vec3) [3]float32 {
	l := v.Len()
	if l < 1e-12 || math.IsNaN(l) {
		return [3]float32{0, 0, 1}
	}
	v = v.Mul(1 / l)
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}

func computeBounds(vertices []Vertex) Bounds {
	b := Bounds{
		Min: [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)},
		Max: [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)},
	}
	for _, v := range vertices {
		updateBounds(&b, v.Position)
	}
	return b
}

func updateBounds(b *Bounds, p [3]float64) {
	for i := 0; i < 3; i++ {
		b.Min[i] = math.Min(b.Min[i], p[i])
		b.Max[i] = math.Max(b.Max[i], p[i])
	}
}

// UpdateBounds recomputes the bounds after vertices moved.
func (m *Mesh) UpdateBounds() {
	m.Bounds = computeBounds(m.Vertices)
}
