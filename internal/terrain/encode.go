package terrain

import (
	"math"

	"github.com/Faultbox/terra3d/pkg/qmesh"
)

// Encode converts a tile with a regular height field into a quantized-mesh tile.
// The tile extent must be in degrees; the header is computed on the WGS84
// ellipsoid. Skirts are not encoded.
func Encode(g *TileGeometry) (*qmesh.Tile, error) {
	n := g.Resolution
	if n < 2 || len(g.Heights) != n*n {
		return nil, &TileError{Address: g.Address, Err: ErrNoHeightField}
	}

	lo, hi := g.MinHeight, g.MaxHeight
	t := &qmesh.Tile{
		Header: qmesh.NewHeader(g.Extent, lo, hi),
		U:      make([]uint16, 0, n*n),
		V:      make([]uint16, 0, n*n),
		H:      make([]uint16, 0, n*n),
	}

	// Height field rows run north to south, v runs south to north.
	for r := 0; r < n; r++ {
		v := quantize(float64(n-1-r) / float64(n-1))
		for c := 0; c < n; c++ {
			t.U = append(t.U, quantize(float64(c)/float64(n-1)))
			t.V = append(t.V, v)
			h := uint16(0)
			if hi > lo {
				h = quantize((g.HeightAt(c, r) - lo) / (hi - lo))
			}
			t.H = append(t.H, h)
		}
	}

	t.Indices = make([]uint32, 0, (n-1)*(n-1)*6)
	for r := 0; r < n-1; r++ {
		for c := 0; c < n-1; c++ {
			nw := uint32(r*n + c)
			ne := nw + 1
			sw := nw + uint32(n)
			se := sw + 1
			t.Indices = append(t.Indices, sw, se, ne, sw, ne, nw)
		}
	}

	for i := 0; i < n; i++ {
		t.West = append(t.West, uint32(i*n))
		t.East = append(t.East, uint32(i*n+n-1))
		t.North = append(t.North, uint32(i))
		t.South = append(t.South, uint32((n-1)*n+i))
	}
	return t, nil
}

func quantize(f float64) uint16 {
	return uint16(math.Round(math.Max(0, math.Min(1, f)) * qmesh.MaxValue))
}
