package terrain

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// Flat is a planar terrain at elevation 0. Its extent is chosen by the caller.
type Flat struct {
	state  State
	crs    crs.CRS
	scheme *tiling.Scheme
}

// NewFlat returns an unconfigured flat terrain.
func NewFlat() *Flat {
	return &Flat{}
}

// SetExtent fixes the covering extent and CRS. The level-0 tile equals r.
func (f *Flat) SetExtent(r orb.Bound, c crs.CRS) error {
	if f.state == Ready {
		return ErrAlreadyReady
	}
	if !(r.Max[0] > r.Min[0]) || !(r.Max[1] > r.Min[1]) || math.IsInf(r.Max[0]-r.Min[0], 0) || math.IsInf(r.Max[1]-r.Min[1], 0) {
		return fmt.Errorf("%w: %v", ErrInvalidExtent, r)
	}
	scheme, err := tiling.FromExtent(r, c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExtent, err)
	}
	f.crs = c
	f.scheme = scheme
	f.state = Ready
	return nil
}

func (f *Flat) Type() Type                   { return TypeFlat }
func (f *Flat) CRS() crs.CRS                 { return f.crs }
func (f *Flat) TilingScheme() *tiling.Scheme { return f.scheme }
func (f *Flat) State() State                 { return f.state }
func (f *Flat) Root() tiling.Address         { return tiling.Root }

// GenerateTile returns a single quad at elevation 0 with a 2x2 height field.
func (f *Flat) GenerateTile(ctx context.Context, a tiling.Address) (*TileGeometry, error) {
	if f.state != Ready {
		return nil, ErrNotReady
	}
	if !f.scheme.Contains(a) {
		return nil, &TileError{Address: a, Err: ErrUnsupportedTile}
	}
	extent := f.scheme.TileExtent(a)
	heights := make([]float64, 4)
	return &TileGeometry{
		Address:    a,
		Extent:     extent,
		Resolution: 2,
		Heights:    heights,
		Mesh:       BuildGridMesh(extent, 2, 2, heights),
	}, nil
}
