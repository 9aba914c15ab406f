package tiling

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// Tiling scheme errors.
var (
	ErrInvalidScheme    = errors.New("invalid tiling scheme")
	ErrOutsideScheme    = errors.New("extent outside tiling scheme")
	ErrNoEnclosingTile  = errors.New("extent spans more than one root tile")
	ErrInvalidRectangle = errors.New("invalid rectangle")
)

// edgeEpsilon is the tolerance, in tile fractions, used when snapping map
// coordinates to tile indices so that shared edges do not leak into neighbours.
const edgeEpsilon = 1e-9

// Scheme maps a CRS extent onto a quad-tree. The level-0 grid has Columns x Rows
// tiles of TileWidth x TileHeight map units anchored at Origin (south-west corner);
// every level halves the tile size in both directions.
type Scheme struct {
	origin     orb.Point
	tileWidth  float64
	tileHeight float64
	columns    int
	rows       int
	crs        crs.CRS
}

// NewScheme creates a scheme with an explicit level-0 grid.
func NewScheme(origin orb.Point, tileWidth, tileHeight float64, columns, rows int, c crs.CRS) (*Scheme, error) {
	if !(tileWidth > 0) || !(tileHeight > 0) || math.IsInf(tileWidth, 0) || math.IsInf(tileHeight, 0) {
		return nil, fmt.Errorf("%w: tile size %gx%g", ErrInvalidScheme, tileWidth, tileHeight)
	}
	if columns < 1 || rows < 1 {
		return nil, fmt.Errorf("%w: root grid %dx%d", ErrInvalidScheme, columns, rows)
	}
	if !c.IsValid() {
		return nil, fmt.Errorf("%w: crs %q", ErrInvalidScheme, c)
	}
	return &Scheme{
		origin:     origin,
		tileWidth:  tileWidth,
		tileHeight: tileHeight,
		columns:    columns,
		rows:       rows,
		crs:        c,
	}, nil
}

// FromExtent creates a single-root scheme whose level-0 tile equals extent.
func FromExtent(extent orb.Bound, c crs.CRS) (*Scheme, error) {
	return NewScheme(extent.Min, extent.Max[0]-extent.Min[0], extent.Max[1]-extent.Min[1], 1, 1, c)
}

// Geographic returns the longitude/latitude scheme used by quantized-mesh tile sets:
// two 180° root tiles covering the globe.
func Geographic() *Scheme {
	s, _ := NewScheme(orb.Point{-180, -90}, 180, 180, 2, 1, crs.WGS84)
	return s
}

// CRS returns the reference system of the scheme's map units.
func (s *Scheme) CRS() crs.CRS { return s.crs }

// Origin returns the south-west corner of the covering extent.
func (s *Scheme) Origin() orb.Point { return s.origin }

// RootGrid returns the number of level-0 tiles along x and y.
func (s *Scheme) RootGrid() (columns, rows int) { return s.columns, s.rows }

// TileSize returns the width and height of one tile at level.
func (s *Scheme) TileSize(level int) (w, h float64) {
	return math.Ldexp(s.tileWidth, -level), math.Ldexp(s.tileHeight, -level)
}

// TileCount returns the number of tiles along x and y at level.
func (s *Scheme) TileCount(level int) (nx, ny int) {
	return s.columns << uint(level), s.rows << uint(level)
}

// Extent returns the covering extent of the scheme.
func (s *Scheme) Extent() orb.Bound {
	return orb.Bound{
		Min: s.origin,
		Max: orb.Point{
			s.origin[0] + float64(s.columns)*s.tileWidth,
			s.origin[1] + float64(s.rows)*s.tileHeight,
		},
	}
}

// Contains reports whether a is a valid address of this scheme.
func (s *Scheme) Contains(a Address) bool {
	if a.Level < 0 || a.Level > 30 || a.X < 0 || a.Y < 0 {
		return false
	}
	nx, ny := s.TileCount(a.Level)
	return a.X < nx && a.Y < ny
}

// TileExtent returns the rectangle covered by a in map units. Sibling tiles share
// edges bit-exactly and the four children of a tile exactly partition it.
func (s *Scheme) TileExtent(a Address) orb.Bound {
	w, h := s.TileSize(a.Level)
	return orb.Bound{
		Min: orb.Point{s.origin[0] + float64(a.X)*w, s.origin[1] + float64(a.Y)*h},
		Max: orb.Point{s.origin[0] + float64(a.X+1)*w, s.origin[1] + float64(a.Y+1)*h},
	}
}

// TileToMap converts tile-local normalised coordinates (u east, v north, both in
// [0,1]) into map units. u=1 and v=1 land exactly on the tile's max edges.
func (s *Scheme) TileToMap(a Address, u, v float64) orb.Point {
	b := s.TileExtent(a)
	return orb.Point{lerp(b.Min[0], b.Max[0], u), lerp(b.Min[1], b.Max[1], v)}
}

// MapToTile converts a map point into normalised coordinates relative to tile a.
// Points outside the tile produce values outside [0,1].
func (s *Scheme) MapToTile(a Address, p orb.Point) (u, v float64) {
	b := s.TileExtent(a)
	return (p[0] - b.Min[0]) / (b.Max[0] - b.Min[0]), (p[1] - b.Min[1]) / (b.Max[1] - b.Min[1])
}

// TileAt returns the tile at level containing p, or false when p is outside.
func (s *Scheme) TileAt(p orb.Point, level int) (Address, bool) {
	tiles := s.ExtentToTiles(orb.Bound{Min: p, Max: p}, level)
	if len(tiles) == 0 {
		return Address{}, false
	}
	return tiles[0], true
}

// ExtentToTiles returns the tiles at level covering r, ordered by y then x.
// Rectangles that do not touch the covering extent yield an empty set.
func (s *Scheme) ExtentToTiles(r orb.Bound, level int) []Address {
	if level < 0 || level > 30 || !validRect(r) {
		return nil
	}
	ext := s.Extent()
	if r.Max[0] < ext.Min[0] || r.Min[0] > ext.Max[0] || r.Max[1] < ext.Min[1] || r.Min[1] > ext.Max[1] {
		return nil
	}

	w, h := s.TileSize(level)
	nx, ny := s.TileCount(level)
	x0, x1 := indexRange(r.Min[0]-s.origin[0], r.Max[0]-s.origin[0], w, nx)
	y0, y1 := indexRange(r.Min[1]-s.origin[1], r.Max[1]-s.origin[1], h, ny)

	tiles := make([]Address, 0, (x1-x0+1)*(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			tiles = append(tiles, Address{Level: level, X: x, Y: y})
		}
	}
	return tiles
}

// EnclosingTile descends from the root while exactly one child fully contains r
// and returns the deepest such tile, stopping at maxLevel. Containment is closed:
// a rectangle equal to a tile's extent selects that tile.
func (s *Scheme) EnclosingTile(r orb.Bound, maxLevel int) (Address, error) {
	if !validRect(r) {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidRectangle, r)
	}
	if !containsBound(s.Extent(), r) {
		return Address{}, fmt.Errorf("%w: %v not within %v", ErrOutsideScheme, r, s.Extent())
	}

	var (
		cur   Address
		found bool
	)
	for y := 0; y < s.rows && !found; y++ {
		for x := 0; x < s.columns; x++ {
			a := Address{X: x, Y: y}
			if containsBound(s.TileExtent(a), r) {
				cur, found = a, true
				break
			}
		}
	}
	if !found {
		return Address{}, fmt.Errorf("%w: %v", ErrNoEnclosingTile, r)
	}

	for cur.Level < maxLevel {
		descended := false
		for _, c := range cur.Children() {
			if containsBound(s.TileExtent(c), r) {
				cur, descended = c, true
				break
			}
		}
		if !descended {
			break
		}
	}
	return cur, nil
}

// Descendants returns every tile of the subtree rooted at root down to level,
// restricted to tiles intersecting r, sorted by y then x.
func (s *Scheme) Descendants(root Address, r orb.Bound, level int) []Address {
	if level < root.Level {
		return nil
	}
	var out []Address
	for _, a := range s.ExtentToTiles(r, level) {
		if a.IsDescendantOf(root) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func indexRange(lo, hi, span float64, n int) (int, int) {
	i0 := int(math.Floor(lo/span + edgeEpsilon))
	i1 := int(math.Ceil(hi/span-edgeEpsilon)) - 1
	if i1 < i0 {
		i1 = i0
	}
	return clampIndex(i0, n), clampIndex(i1, n)
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// validRect reports whether r has finite corners in min/max order.
func validRect(r orb.Bound) bool {
	for _, v := range [4]float64{r.Min[0], r.Min[1], r.Max[0], r.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.Min[0] <= r.Max[0] && r.Min[1] <= r.Max[1]
}

func containsBound(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0] && inner.Max[0] <= outer.Max[0] &&
		outer.Min[1] <= inner.Min[1] && inner.Max[1] <= outer.Max[1]
}

func lerp(a, b, t float64) float64 {
	return a*(1-t) + b*t
}
