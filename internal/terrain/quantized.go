package terrain

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// DefaultMaxBaseLevel bounds the descent of SetBaseTileFromExtent.
const DefaultMaxBaseLevel = 20

// Source fetches quantized-mesh tiles. Misses are reported as ErrTileNotFound.
type Source interface {
	Fetch(ctx context.Context, a tiling.Address) (*qmesh.Tile, error)
}

// QuantizedMesh serves a pre-tiled quantized-mesh dataset below a base tile.
type QuantizedMesh struct {
	source       Source
	scheme       *tiling.Scheme
	maxBaseLevel int
	state        State
	base         tiling.Address
}

// QuantizedMeshOption configures a QuantizedMesh generator.
type QuantizedMeshOption func(*QuantizedMesh)

// WithScheme replaces the default geographic tiling scheme.
func WithScheme(s *tiling.Scheme) QuantizedMeshOption {
	return func(q *QuantizedMesh) { q.scheme = s }
}

// WithMaxBaseLevel bounds the depth of the base tile.
func WithMaxBaseLevel(level int) QuantizedMeshOption {
	return func(q *QuantizedMesh) { q.maxBaseLevel = level }
}

// NewQuantizedMesh creates a generator over source. It is Configured until
// SetBaseTileFromExtent fixes the base tile.
func NewQuantizedMesh(source Source, opts ...QuantizedMeshOption) (*QuantizedMesh, error) {
	if source == nil {
		return nil, errors.New("quantized mesh: nil tile source")
	}
	q := &QuantizedMesh{
		source:       source,
		scheme:       tiling.Geographic(),
		maxBaseLevel: DefaultMaxBaseLevel,
		state:        Configured,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.scheme == nil {
		return nil, errors.New("quantized mesh: nil tiling scheme")
	}
	if q.maxBaseLevel < 0 {
		q.maxBaseLevel = 0
	}
	return q, nil
}

func (q *QuantizedMesh) Type() Type   { return TypeQuantizedMesh }
func (q *QuantizedMesh) CRS() crs.CRS { return q.scheme.CRS() }
func (q *QuantizedMesh) State() State { return q.state }

// TilingScheme returns nil until the base tile is set.
func (q *QuantizedMesh) TilingScheme() *tiling.Scheme {
	if q.state != Ready {
		return nil
	}
	return q.scheme
}

// Root returns the base tile.
func (q *QuantizedMesh) Root() tiling.Address { return q.base }

// SetBaseTileFromExtent fixes the base tile to the smallest tile fully containing
// r (in the scheme's CRS), descending no deeper than the maximum base level.
func (q *QuantizedMesh) SetBaseTileFromExtent(r orb.Bound) (tiling.Address, error) {
	if q.state == Ready {
		return q.base, ErrAlreadyReady
	}
	base, err := q.scheme.EnclosingTile(r, q.maxBaseLevel)
	if err != nil {
		return tiling.Address{}, fmt.Errorf("%w: %w", ErrInvalidExtent, err)
	}
	q.base = base
	q.state = Ready
	return base, nil
}

// GenerateTile fetches and decodes a tile of the base subtree.
func (q *QuantizedMesh) GenerateTile(ctx context.Context, a tiling.Address) (*TileGeometry, error) {
	if q.state != Ready {
		return nil, ErrNotReady
	}
	if !q.scheme.Contains(a) || !a.IsDescendantOf(q.base) {
		return nil, &TileError{Address: a, Err: ErrUnsupportedTile}
	}
	tile, err := q.source.Fetch(ctx, a)
	if err != nil {
		return nil, &TileError{Address: a, Err: err}
	}
	mesh := q.buildMesh(a, tile)
	return &TileGeometry{
		Address:   a,
		Extent:    q.scheme.TileExtent(a),
		Mesh:      mesh,
		MinHeight: float64(tile.Header.MinimumHeight),
		MaxHeight: float64(tile.Header.MaximumHeight),
	}, nil
}

func (q *QuantizedMesh) buildMesh(a tiling.Address, tile *qmesh.Tile) *Mesh {
	vertices := make([]Vertex, tile.VertexCount())
	for i := range vertices {
		u, v, h := tile.Vertex(i)
		p := q.scheme.TileToMap(a, u, v)
		vertices[i] = Vertex{
			Position: [3]float64{p[0], p[1], h},
			TexCoord: [2]float32{float32(u), float32(1 - v)},
		}
	}
	m := &Mesh{Vertices: vertices, Indices: append([]uint32(nil), tile.Indices...)}
	if tile.Normals != nil {
		for i := range m.Vertices {
			m.Vertices[i].Normal = tile.Normals[i]
		}
	} else {
		ComputeNormals(m)
	}
	m.Bounds = computeBounds(m.Vertices)
	return m
}
