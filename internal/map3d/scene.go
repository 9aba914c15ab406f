package map3d

import (
	"bufio"
	"fmt"
	"io"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// SceneTile is a terrain tile in scene space: X east, Y up, Z south, relative
// to the session origin, heights multiplied by the exaggeration.
type SceneTile struct {
	Address tiling.Address
	// MapExtent is the tile footprint in the map CRS.
	MapExtent orb.Bound
	Mesh      *terrain.Mesh
	// Geometry is the tile as generated, in the terrain CRS.
	Geometry *terrain.TileGeometry
}

// ToScene converts a map CRS position and raw height into scene space.
func (m *Map3D) ToScene(p orb.Point, height float64) [3]float64 {
	return [3]float64{
		p[0] - m.origin[0],
		height*m.exaggeration - m.origin[2],
		-(p[1] - m.origin[1]),
	}
}

func (m *Map3D) toScene(geom *terrain.TileGeometry) (*SceneTile, error) {
	src := geom.Mesh
	mesh := &terrain.Mesh{
		Vertices: make([]terrain.Vertex, len(src.Vertices)),
		Indices:  append([]uint32(nil), src.Indices...),
	}
	for i, v := range src.Vertices {
		p, err := m.terrainToMap.TransformPoint(orb.Point{v.Position[0], v.Position[1]})
		if err != nil {
			return nil, &terrain.TileError{Address: geom.Address, Err: fmt.Errorf("vertex %d: %w", i, err)}
		}
		mesh.Vertices[i] = terrain.Vertex{
			Position: m.ToScene(p, v.Position[2]),
			TexCoord: v.TexCoord,
		}
	}
	terrain.ComputeNormals(mesh)
	mesh.UpdateBounds()

	ext, err := m.terrainToMap.TransformExtent(geom.Extent)
	if err != nil {
		return nil, &terrain.TileError{Address: geom.Address, Err: err}
	}
	return &SceneTile{
		Address:   geom.Address,
		MapExtent: ext,
		Mesh:      mesh,
		Geometry:  geom,
	}, nil
}

// WriteOBJ writes the tile mesh as a Wavefront OBJ object with positions,
// texture coordinates and normals.
func (t *SceneTile) WriteOBJ(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "o tile_%d_%d_%d\n", t.Address.Level, t.Address.X, t.Address.Y)
	for _, v := range t.Mesh.Vertices {
		fmt.Fprintf(bw, "v %g %g %g\n", v.Position[0], v.Position[1], v.Position[2])
	}
	// OBJ texture space has v pointing up.
	for _, v := range t.Mesh.Vertices {
		fmt.Fprintf(bw, "vt %g %g\n", v.TexCoord[0], 1-v.TexCoord[1])
	}
	for _, v := range t.Mesh.Vertices {
		fmt.Fprintf(bw, "vn %g %g %g\n", v.Normal[0], v.Normal[1], v.Normal[2])
	}
	idx := t.Mesh.Indices
	for i := 0; i+2 < len(idx); i += 3 {
		a, b, c := idx[i]+1, idx[i+1]+1, idx[i+2]+1
		fmt.Fprintf(bw, "f %d/%d/%d %d/%d/%d %d/%d/%d\n", a, a, a, b, b, b, c, c, c)
	}
	return bw.Flush()
}
