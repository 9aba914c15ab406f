// Package session builds a map session from configuration: it opens the layer
// files, the terrain generator and its tile source, and wires them into map3d.
package session

import (
	"fmt"
	"io"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Faultbox/terra3d/internal/config"
	"github.com/Faultbox/terra3d/internal/layer"
	"github.com/Faultbox/terra3d/internal/map3d"
	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/internal/texture"
	"github.com/Faultbox/terra3d/internal/tilesource"
	"github.com/Faultbox/terra3d/pkg/crs"
)

// Session is an open map with the resources it holds.
type Session struct {
	Map     *map3d.Map3D
	closers []io.Closer
}

// Close stops the map and releases the tile source.
func (s *Session) Close() error {
	var err error
	if s.Map != nil {
		err = multierr.Append(err, s.Map.Close())
	}
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// Open validates cfg and builds the session it describes.
func Open(cfg *config.Config, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mapCRS, err := crs.Parse(cfg.Map.CRS)
	if err != nil {
		return nil, fmt.Errorf("map.crs: %w", err)
	}
	stack, err := LoadLayers(cfg.Layers, mapCRS)
	if err != nil {
		return nil, err
	}
	polygons, err := Polygons(cfg.Polygons, stack.Layers)
	if err != nil {
		return nil, err
	}

	s := &Session{}
	gen, closer, err := NewTerrain(cfg.Terrain, log)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	background, _ := config.ParseColor(cfg.Texture.Background)
	m, err := map3d.New(map3d.Options{
		Layers:          stack.Layers,
		Renderers:       stack.Renderers,
		CRS:             mapCRS,
		Terrain:         gen,
		Exaggeration:    cfg.Map.Exaggeration,
		OriginZ:         cfg.Map.OriginZ,
		TileTextureSize: cfg.Map.TileTextureSize,
		Polygons:        polygons,
		Texture: texture.Options{
			Workers:    cfg.Texture.Workers,
			QueueSize:  cfg.Texture.QueueSize,
			Background: background,
		},
		TerrainWorkers: cfg.Terrain.Workers,
	}, log)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.Map = m
	return s, nil
}

// Stack is a loaded layer stack with a renderer per layer.
type Stack struct {
	Layers    []layer.Layer
	Renderers []texture.Renderer
}

// LoadLayers opens every configured layer, bottom first. Rasters without a CRS
// are assumed to be in mapCRS; GeoJSON and HGT files default to WGS84.
func LoadLayers(cfgs []config.LayerConfig, mapCRS crs.CRS) (*Stack, error) {
	stack := &Stack{}
	for _, lc := range cfgs {
		l, r, err := loadLayer(lc, mapCRS)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", lc.Name, err)
		}
		stack.Layers = append(stack.Layers, l)
		stack.Renderers = append(stack.Renderers, r)
	}
	return stack, nil
}

func loadLayer(lc config.LayerConfig, mapCRS crs.CRS) (layer.Layer, texture.Renderer, error) {
	var c crs.CRS
	if lc.CRS != "" {
		var err error
		if c, err = crs.Parse(lc.CRS); err != nil {
			return nil, nil, err
		}
	}
	opacity := lc.Opacity
	if opacity == 0 {
		opacity = 1
	}
	switch lc.Kind {
	case config.LayerRaster:
		if c == "" {
			c = mapCRS
		}
		img, err := layer.LoadGeoImage(lc.Path, c)
		if err != nil {
			return nil, nil, err
		}
		img.SetName(lc.Name)
		return img, &texture.RasterDrape{Raster: img, Opacity: opacity}, nil
	case config.LayerVector:
		v, err := layer.LoadGeoJSON(lc.Path, c)
		if err != nil {
			return nil, nil, err
		}
		v.SetName(lc.Name)
		style := texture.DefaultPolygonFill
		if lc.Fill != "" {
			if style.Fill, err = config.ParseColor(lc.Fill); err != nil {
				return nil, nil, err
			}
		}
		return v, texture.NewPolygonFill(v, style), nil
	case config.LayerHillshade:
		g, err := layer.LoadHGT(lc.Path)
		if err != nil {
			return nil, nil, err
		}
		g.SetName(lc.Name)
		style := texture.DefaultHillshade
		if lc.Opacity > 0 {
			style.Opacity = lc.Opacity
		}
		return g, texture.NewHillshade(g, style), nil
	default:
		return nil, nil, fmt.Errorf("%w: kind %q", layer.ErrInvalidLayer, lc.Kind)
	}
}

// Polygons resolves polygon renderers against the loaded layers by name.
func Polygons(cfgs []config.PolygonConfig, layers []layer.Layer) ([]map3d.PolygonRenderer, error) {
	byName := make(map[string]layer.Layer, len(layers))
	for _, l := range layers {
		byName[l.Name()] = l
	}
	out := make([]map3d.PolygonRenderer, 0, len(cfgs))
	for i, pc := range cfgs {
		v, ok := byName[pc.Layer].(layer.Vector)
		if !ok {
			return nil, fmt.Errorf("%w: polygons[%d] layer %q is not a vector layer", config.ErrInvalid, i, pc.Layer)
		}
		p := map3d.PolygonRenderer{Layer: v, Height: pc.Height, ExtrusionHeight: pc.ExtrusionHeight}
		var err error
		if pc.AmbientColor != "" {
			if p.AmbientColor, err = config.ParseColor(pc.AmbientColor); err != nil {
				return nil, err
			}
		}
		if pc.DiffuseColor != "" {
			if p.DiffuseColor, err = config.ParseColor(pc.DiffuseColor); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// NewTerrain creates the configured terrain generator. The closer, when not
// nil, releases the generator's tile source.
func NewTerrain(tc config.TerrainConfig, log *zap.Logger) (terrain.Generator, io.Closer, error) {
	switch tc.Type {
	case config.TerrainFlat:
		return terrain.NewFlat(), nil, nil
	case config.TerrainDem:
		g, err := layer.LoadHGT(tc.Dem.Path)
		if err != nil {
			return nil, nil, err
		}
		d, err := terrain.NewDem(g, tc.Dem.Resolution, terrain.WithSkirt(tc.Dem.Skirt))
		if err != nil {
			return nil, nil, err
		}
		return d, nil, nil
	case config.TerrainQuantizedMesh:
		qc := tc.QuantizedMesh
		src, err := tilesource.Open(qc.Source, tilesource.HTTPOptions{
			Subdomains:      qc.Subdomains,
			CacheDir:        qc.CacheDir,
			MemoryCacheSize: qc.MemoryCacheSize,
			Timeout:         qc.Timeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		var opts []terrain.QuantizedMeshOption
		if qc.MaxBaseLevel > 0 {
			opts = append(opts, terrain.WithMaxBaseLevel(qc.MaxBaseLevel))
		}
		q, err := terrain.NewQuantizedMesh(src, opts...)
		if err != nil {
			return nil, nil, multierr.Append(err, src.Close())
		}
		return q, src, nil
	default:
		return nil, nil, fmt.Errorf("%w: terrain.type %q", config.ErrInvalid, tc.Type)
	}
}
