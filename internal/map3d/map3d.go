// Package map3d assembles a terrain session: the terrain generator, the layer
// stack draped over it, the transform into the map CRS and the scene origin.
package map3d

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/Faultbox/terra3d/internal/layer"
	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/internal/texture"
	"github.com/Faultbox/terra3d/pkg/crs"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

// ErrInvalidOptions reports unusable session options.
var ErrInvalidOptions = errors.New("invalid map options")

// PolygonRenderer asks the scene to extrude the polygons of a vector layer.
type PolygonRenderer struct {
	Layer        layer.Vector
	AmbientColor color.RGBA
	DiffuseColor color.RGBA
	// Height is the base elevation of the extrusion in map units.
	Height          float64
	ExtrusionHeight float64
}

// Options configures a session.
type Options struct {
	// Layers is the layer stack, bottom first.
	Layers []layer.Layer
	// Renderers draws the stack into textures. When nil every layer gets its
	// default renderer.
	Renderers []texture.Renderer
	CRS       crs.CRS
	Terrain   terrain.Generator
	// Provider relates CRSs. Defaults to crs.Builtin().
	Provider        crs.Provider
	Exaggeration    float64
	OriginZ         float64
	TileTextureSize int
	Polygons        []PolygonRenderer
	Texture         texture.Options
	// TerrainWorkers bounds concurrent tile generation.
	TerrainWorkers int
}

// Map3D is one terrain session. Everything is fixed at construction; concurrent
// readers need no locking.
type Map3D struct {
	layers       []layer.Layer
	crs          crs.CRS
	terrain      terrain.Generator
	provider     crs.Provider
	terrainToMap *crs.Pipeline
	fullExtent   orb.Bound
	origin       [3]float64
	exaggeration float64
	textureSize  int
	polygons     []PolygonRenderer
	textures     *texture.Generator
	loader       *terrain.Loader
	log          *zap.Logger
}

// New builds a session. The terrain generator is configured first; the
// transform, origin and texture generator are then derived from it.
func New(opts Options, log *zap.Logger) (*Map3D, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("map3d")
	if err := validate(&opts); err != nil {
		return nil, err
	}

	if f, ok := opts.Terrain.(*terrain.Flat); ok && f.State() != terrain.Ready {
		ext, err := layer.FullExtent(opts.Layers, opts.CRS, opts.Provider)
		if err != nil {
			return nil, fmt.Errorf("flat terrain extent: %w", err)
		}
		if err := f.SetExtent(ext, opts.CRS); err != nil {
			return nil, err
		}
	}

	terrainToMap, err := crs.NewPipeline(opts.Terrain.CRS(), opts.CRS, opts.Provider)
	if err != nil {
		return nil, fmt.Errorf("terrain to map transform: %w", err)
	}

	full, err := fullExtent(opts.Layers, opts.Terrain, opts.Provider)
	if err != nil {
		return nil, err
	}

	if q, ok := opts.Terrain.(*terrain.QuantizedMesh); ok && q.State() != terrain.Ready {
		base, err := q.SetBaseTileFromExtent(full)
		if err != nil {
			return nil, fmt.Errorf("quantized mesh base tile: %w", err)
		}
		log.Debug("base tile selected", zap.Stringer("tile", base))
	}
	if opts.Terrain.State() != terrain.Ready {
		return nil, fmt.Errorf("%w: terrain %s is %s", ErrInvalidOptions, opts.Terrain.Type(), opts.Terrain.State())
	}

	center, err := terrainToMap.TransformPoint(full.Center())
	if err != nil {
		return nil, fmt.Errorf("scene origin: %w", err)
	}

	renderers := opts.Renderers
	if renderers == nil {
		for _, l := range opts.Layers {
			r, err := texture.ForLayer(l)
			if err != nil {
				return nil, err
			}
			renderers = append(renderers, r)
		}
	}
	texOpts := opts.Texture
	if texOpts.Provider == nil {
		texOpts.Provider = opts.Provider
	}
	textures, err := texture.New(renderers, opts.CRS, texOpts, log)
	if err != nil {
		return nil, err
	}

	m := &Map3D{
		layers:       append([]layer.Layer(nil), opts.Layers...),
		crs:          opts.CRS,
		terrain:      opts.Terrain,
		provider:     opts.Provider,
		terrainToMap: terrainToMap,
		fullExtent:   full,
		origin:       [3]float64{center[0], center[1], opts.OriginZ},
		exaggeration: opts.Exaggeration,
		textureSize:  opts.TileTextureSize,
		polygons:     append([]PolygonRenderer(nil), opts.Polygons...),
		textures:     textures,
		loader:       terrain.NewLoader(opts.Terrain, opts.TerrainWorkers, log),
		log:          log,
	}
	log.Info("map session ready",
		zap.Stringer("terrain", opts.Terrain.Type()),
		zap.Stringer("terrain_crs", opts.Terrain.CRS()),
		zap.Stringer("map_crs", opts.CRS),
		zap.Stringer("root", opts.Terrain.Root()),
		zap.Float64s("origin", m.origin[:]),
		zap.Int("layers", len(m.layers)))
	return m, nil
}

func validate(opts *Options) error {
	var problems []string
	if !opts.CRS.IsValid() {
		problems = append(problems, fmt.Sprintf("crs %q", opts.CRS))
	}
	if opts.Terrain == nil {
		problems = append(problems, "no terrain generator")
	}
	if !(opts.Exaggeration > 0) {
		problems = append(problems, fmt.Sprintf("exaggeration %v is not positive", opts.Exaggeration))
	}
	if opts.TileTextureSize <= 0 {
		problems = append(problems, fmt.Sprintf("tile texture size %d is not positive", opts.TileTextureSize))
	}
	if opts.Renderers != nil && len(opts.Renderers) == 0 && len(opts.Layers) > 0 {
		problems = append(problems, "empty renderer list for a non-empty layer stack")
	}
	for i, p := range opts.Polygons {
		if p.Layer == nil {
			problems = append(problems, fmt.Sprintf("polygon renderer %d has no layer", i))
		}
		if p.ExtrusionHeight < 0 {
			problems = append(problems, fmt.Sprintf("polygon renderer %d has negative extrusion", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, problems)
	}
	if opts.Provider == nil {
		opts.Provider = crs.Builtin()
	}
	return nil
}

// fullExtent is the extent of the layer stack in the terrain CRS. A DEM terrain
// without layers covers its own raster.
func fullExtent(layers []layer.Layer, gen terrain.Generator, provider crs.Provider) (orb.Bound, error) {
	full, err := layer.FullExtent(layers, gen.CRS(), provider)
	if errors.Is(err, layer.ErrEmptyExtent) && gen.State() == terrain.Ready && gen.TilingScheme() != nil {
		return gen.TilingScheme().Extent(), nil
	}
	if err != nil {
		return orb.Bound{}, fmt.Errorf("full extent: %w", err)
	}
	return full, nil
}

// Layers returns the layer stack, bottom first.
func (m *Map3D) Layers() []layer.Layer { return m.layers }

// CRS returns the map CRS.
func (m *Map3D) CRS() crs.CRS { return m.crs }

// Terrain returns the session's terrain generator.
func (m *Map3D) Terrain() terrain.Generator { return m.terrain }

// TerrainToMap returns the terrain CRS to map CRS transform.
func (m *Map3D) TerrainToMap() *crs.Pipeline { return m.terrainToMap }

// FullExtent returns the layer stack extent in the terrain CRS.
func (m *Map3D) FullExtent() orb.Bound { return m.fullExtent }

// Origin returns the scene origin in map CRS units.
func (m *Map3D) Origin() [3]float64 { return m.origin }

func (m *Map3D) Exaggeration() float64 { return m.exaggeration }

func (m *Map3D) TileTextureSize() int { return m.textureSize }

func (m *Map3D) Polygons() []PolygonRenderer { return m.polygons }

// Textures returns the texture generator draping the layer stack.
func (m *Map3D) Textures() *texture.Generator { return m.textures }

// VisibleTiles returns the tiles of the terrain tree at level that cover the
// full extent.
func (m *Map3D) VisibleTiles(level int) []tiling.Address {
	scheme := m.terrain.TilingScheme()
	return scheme.Descendants(m.terrain.Root(), m.fullExtent, level)
}

// RequestTexture asks for the drape texture of a terrain tile.
func (m *Map3D) RequestTexture(a tiling.Address) (*texture.Ticket, error) {
	ext, err := m.TileMapExtent(a)
	if err != nil {
		return nil, err
	}
	return m.textures.RequestTile(ext, image.Pt(m.textureSize, m.textureSize))
}

// TileMapExtent returns the footprint of a terrain tile in the map CRS.
func (m *Map3D) TileMapExtent(a tiling.Address) (orb.Bound, error) {
	return m.terrainToMap.TransformExtent(m.terrain.TilingScheme().TileExtent(a))
}

// Close stops the texture workers.
func (m *Map3D) Close() error {
	return m.textures.Close()
}

// SceneResult is a scene tile or the reason it is unavailable.
type SceneResult struct {
	Address tiling.Address
	Tile    *SceneTile
	Err     error
}

// SceneTile generates one terrain tile and moves it into scene space.
func (m *Map3D) SceneTile(ctx context.Context, a tiling.Address) (*SceneTile, error) {
	geom, err := m.terrain.GenerateTile(ctx, a)
	if err != nil {
		return nil, err
	}
	return m.toScene(geom)
}

// SceneTiles generates addrs concurrently. Results arrive in completion order
// and the channel closes after the last one.
func (m *Map3D) SceneTiles(ctx context.Context, addrs []tiling.Address) <-chan SceneResult {
	out := make(chan SceneResult, len(addrs))
	in := m.loader.Load(ctx, addrs)
	go func() {
		defer close(out)
		for res := range in {
			if res.Err != nil {
				out <- SceneResult{Address: res.Address, Err: res.Err}
				continue
			}
			tile, err := m.toScene(res.Tile)
			out <- SceneResult{Address: res.Address, Tile: tile, Err: err}
		}
	}()
	return out
}
