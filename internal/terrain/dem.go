package terrain

import (
	"context"
	"fmt"
	"math"

	"github.com/Faultbox/terra3d/internal/layer"
	"github.com/Faultbox/terra3d/pkg/crs"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// Dem samples an elevation raster into regular height fields. The raster is
// borrowed and must outlive the generator.
type Dem struct {
	elevation  layer.Elevation
	resolution int
	skirt      float64
	scheme     *tiling.Scheme
}

// DemOption configures a Dem generator.
type DemOption func(*Dem)

// WithSkirt adds a skirt of the given depth, in raster units, to every tile mesh.
func WithSkirt(depth float64) DemOption {
	return func(d *Dem) { d.skirt = depth }
}

// WithTilingScheme tiles the raster on s instead of a scheme whose level-0 tile
// is the raster extent. s must use the raster's CRS.
func WithTilingScheme(s *tiling.Scheme) DemOption {
	return func(d *Dem) { d.scheme = s }
}

// NewDem creates a generator sampling resolution nodes per tile edge. The tiling
// scheme's level-0 tile is the raster extent.
func NewDem(elevation layer.Elevation, resolution int, opts ...DemOption) (*Dem, error) {
	if elevation == nil {
		return nil, fmt.Errorf("%w: no elevation layer", ErrInvalidExtent)
	}
	if resolution < 2 {
		return nil, fmt.Errorf("resolution %d: need at least 2 samples per edge", resolution)
	}
	scheme, err := tiling.FromExtent(elevation.Extent(), elevation.CRS())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExtent, err)
	}
	d := &Dem{elevation: elevation, resolution: resolution, scheme: scheme}
	for _, opt := range opts {
		opt(d)
	}
	if d.scheme.CRS() != elevation.CRS() {
		return nil, fmt.Errorf("%w: tiling scheme in %s, raster in %s", ErrInvalidExtent, d.scheme.CRS(), elevation.CRS())
	}
	return d, nil
}

func (d *Dem) Type() Type                   { return TypeDem }
func (d *Dem) CRS() crs.CRS                 { return d.elevation.CRS() }
func (d *Dem) TilingScheme() *tiling.Scheme { return d.scheme }
func (d *Dem) State() State                 { return Ready }
func (d *Dem) Root() tiling.Address         { return tiling.Root }

// Resolution returns the number of samples per tile edge.
func (d *Dem) Resolution() int { return d.resolution }

// Elevation returns the sampled layer.
func (d *Dem) Elevation() layer.Elevation { return d.elevation }

// GenerateTile samples the raster over the tile extent. Nodes span the extent
// edge to edge so neighbouring tiles share their edge samples. Nodes without data
// are set to 0.
func (d *Dem) GenerateTile(ctx context.Context, a tiling.Address) (*TileGeometry, error) {
	if !d.scheme.Contains(a) {
		return nil, &TileError{Address: a, Err: ErrOutOfBounds}
	}
	extent := d.scheme.TileExtent(a)
	if !extent.Intersects(d.elevation.Extent()) {
		return nil, &TileError{Address: a, Err: ErrOutOfBounds}
	}
	grid, err := d.elevation.Sample(ctx, extent, d.resolution, d.resolution)
	if err != nil {
		return nil, &TileError{Address: a, Err: fmt.Errorf("sampling %s: %w", d.elevation.Name(), err)}
	}

	src := grid.Heights()
	heights := make([]float64, len(src))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, h := range src {
		if math.IsNaN(h) {
			h = 0
		}
		heights[i] = h
		lo = math.Min(lo, h)
		hi = math.Max(hi, h)
	}

	mesh := BuildGridMesh(extent, d.resolution, d.resolution, heights)
	AddSkirt(mesh, d.resolution, d.resolution, d.skirt)

	return &TileGeometry{
		Address:    a,
		Extent:     extent,
		Resolution: d.resolution,
		Heights:    heights,
		Mesh:       mesh,
		MinHeight:  lo,
		MaxHeight:  hi,
	}, nil
}
