// Package terrain generates per-tile terrain geometry for flat planes, elevation
// rasters and pre-tiled quantized-mesh datasets.
package terrain

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// Terrain errors.
var (
	ErrUnsupportedTile = errors.New("tile outside the terrain's tile tree")
	ErrTileNotFound    = errors.New("tile not found")
	ErrOutOfBounds     = errors.New("tile outside the elevation raster")
	ErrNotReady        = errors.New("terrain generator not ready")
	ErrAlreadyReady    = errors.New("terrain generator already ready")
	ErrInvalidExtent   = errors.New("invalid terrain extent")
	ErrNoHeightField   = errors.New("tile has no regular height field")
)

// TileError reports a failure to produce one tile. Other tiles are unaffected.
type TileError struct {
	Address tiling.Address
	Err     error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("tile %s: %v", e.Address, e.Err)
}

func (e *TileError) Unwrap() error { return e.Err }

// Type identifies a terrain generator variant.
type Type int

const (
	TypeFlat Type = iota
	TypeDem
	TypeQuantizedMesh
)

var typeNames = map[Type]string{
	TypeFlat:          "flat",
	TypeDem:           "dem",
	TypeQuantizedMesh: "quantized_mesh",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses the names returned by Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown terrain type %q", s)
}

// State is the configuration state of a generator.
type State int

const (
	// Uninitialized generators have neither CRS nor tiling scheme.
	Uninitialized State = iota
	// Configured generators know their data source but not yet their tile tree.
	Configured
	// Ready generators have a fixed CRS and tiling scheme and can produce tiles.
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Generator produces terrain tiles in its own CRS and tiling scheme.
type Generator interface {
	Type() Type
	// CRS is the native CRS of generated vertices. Empty until configured.
	CRS() crs.CRS
	// TilingScheme is nil until the generator is Ready.
	TilingScheme() *tiling.Scheme
	State() State
	// Root is the top of the tile tree the generator serves.
	Root() tiling.Address
	GenerateTile(ctx context.Context, a tiling.Address) (*TileGeometry, error)
}

// Vertex is a mesh vertex. Position is (x, y, height) in the generator's CRS;
// TexCoord is image space over the tile extent, (0,0) at the north-west corner.
type Vertex struct {
	Position [3]float64
	Normal   [3]float32
	TexCoord [2]float32
}

// Bounds is an axis-aligned box.
type Bounds struct {
	Min [3]float64
	Max [3]float64
}

// Mesh is an indexed triangle list with counter-clockwise winding seen from above.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
	Bounds   Bounds
}

// TileGeometry is the terrain of one tile.
type TileGeometry struct {
	Address tiling.Address
	// Extent is the tile footprint in the generator's CRS.
	Extent orb.Bound
	// Resolution is the number of height field nodes per edge, 0 when the tile
	// has no regular height field.
	Resolution int
	// Heights holds Resolution x Resolution values, row-major, row 0 north.
	Heights   []float64
	Mesh      *Mesh
	MinHeight float64
	MaxHeight float64
}

// HeightAt returns the height field node at column c, row r.
func (t *TileGeometry) HeightAt(c, r int) float64 {
	return t.Heights[r*t.Resolution+c]
}
