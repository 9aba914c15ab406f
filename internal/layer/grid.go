package layer

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// Grid is an in-memory elevation raster. Nodes sit on a regular lattice whose outer
// nodes lie exactly on the extent edges; row 0 is the northern edge. NaN marks
// nodes without data.
type Grid struct {
	name    string
	crs     crs.CRS
	extent  orb.Bound
	cols    int
	rows    int
	heights []float64
}

// NewGrid wraps heights (row-major, cols*rows values) as an elevation layer.
func NewGrid(name string, c crs.CRS, extent orb.Bound, cols, rows int, heights []float64) (*Grid, error) {
	if cols < 2 || rows < 2 {
		return nil, fmt.Errorf("%w: %dx%d nodes", ErrInvalidSize, cols, rows)
	}
	if len(heights) != cols*rows {
		return nil, fmt.Errorf("%w: %d heights for %dx%d nodes", ErrInvalidSize, len(heights), cols, rows)
	}
	if !(extent.Max[0] > extent.Min[0]) || !(extent.Max[1] > extent.Min[1]) {
		return nil, fmt.Errorf("%w: empty extent %v", ErrInvalidLayer, extent)
	}
	return &Grid{name: name, crs: c, extent: extent, cols: cols, rows: rows, heights: heights}, nil
}

func (g *Grid) Name() string      { return g.name }
func (g *Grid) CRS() crs.CRS      { return g.crs }
func (g *Grid) Extent() orb.Bound { return g.extent }

// SetName renames the layer. Empty names are ignored.
func (g *Grid) SetName(name string) {
	if name != "" {
		g.name = name
	}
}

// Size returns the number of node columns and rows.
func (g *Grid) Size() (cols, rows int) { return g.cols, g.rows }

// Heights returns the row-major node values. The slice is shared.
func (g *Grid) Heights() []float64 { return g.heights }

// Value returns the node at column c, row r.
func (g *Grid) Value(c, r int) float64 {
	return g.heights[r*g.cols+c]
}

// NodePosition returns the map position of node (c, r).
func (g *Grid) NodePosition(c, r int) orb.Point {
	fx := float64(c) / float64(g.cols-1)
	fy := float64(r) / float64(g.rows-1)
	return orb.Point{
		g.extent.Min[0]*(1-fx) + g.extent.Max[0]*fx,
		g.extent.Max[1]*(1-fy) + g.extent.Min[1]*fy,
	}
}

// MinMax returns the range of valid heights. ok is false when every node is NaN.
func (g *Grid) MinMax() (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, h := range g.heights {
		if math.IsNaN(h) {
			continue
		}
		lo = math.Min(lo, h)
		hi = math.Max(hi, h)
		ok = true
	}
	if !ok {
		return 0, 0, false
	}
	return lo, hi, true
}

// At returns the bilinearly interpolated height at p. When some of the four
// surrounding nodes have no data their valid neighbours are averaged instead.
// ok is false outside the extent or when no surrounding node has data.
func (g *Grid) At(p orb.Point) (float64, bool) {
	if p[0] < g.extent.Min[0] || p[0] > g.extent.Max[0] || p[1] < g.extent.Min[1] || p[1] > g.extent.Max[1] {
		return math.NaN(), false
	}

	colF := (p[0] - g.extent.Min[0]) / (g.extent.Max[0] - g.extent.Min[0]) * float64(g.cols-1)
	rowF := (g.extent.Max[1] - p[1]) / (g.extent.Max[1] - g.extent.Min[1]) * float64(g.rows-1)

	c0 := clampInt(int(math.Floor(colF)), 0, g.cols-2)
	r0 := clampInt(int(math.Floor(rowF)), 0, g.rows-2)
	fx := clampFloat(colF-float64(c0), 0, 1)
	fy := clampFloat(rowF-float64(r0), 0, 1)

	p00 := g.Value(c0, r0)
	p10 := g.Value(c0+1, r0)
	p01 := g.Value(c0, r0+1)
	p11 := g.Value(c0+1, r0+1)

	if math.IsNaN(p00) || math.IsNaN(p10) || math.IsNaN(p01) || math.IsNaN(p11) {
		return resolveVoid(p00, p10, p01, p11)
	}

	north := p00*(1-fx) + p10*fx
	south := p01*(1-fx) + p11*fx
	return north*(1-fy) + south*fy, true
}

// Sample resamples the grid onto a cols x rows lattice spanning extent.
func (g *Grid) Sample(ctx context.Context, extent orb.Bound, cols, rows int) (*Grid, error) {
	if cols < 2 || rows < 2 {
		return nil, fmt.Errorf("%w: %dx%d nodes", ErrInvalidSize, cols, rows)
	}
	out := &Grid{
		name:    g.name,
		crs:     g.crs,
		extent:  extent,
		cols:    cols,
		rows:    rows,
		heights: make([]float64, cols*rows),
	}
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := 0; c < cols; c++ {
			h, _ := g.At(out.NodePosition(c, r))
			out.heights[r*cols+c] = h
		}
	}
	return out, nil
}

func resolveVoid(vals ...float64) (float64, bool) {
	sum, cnt := 0.0, 0
	for _, v := range vals {
		if !math.IsNaN(v) {
			sum += v
			cnt++
		}
	}
	if cnt == 0 {
		return math.NaN(), false
	}
	return sum / float64(cnt), true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
