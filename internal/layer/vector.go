package layer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// GeoJSON is a vector layer held in memory.
type GeoJSON struct {
	name     string
	crs      crs.CRS
	features []*geojson.Feature
	extent   orb.Bound
}

// NewGeoJSON wraps a feature collection. Features without geometry are dropped.
func NewGeoJSON(name string, c crs.CRS, fc *geojson.FeatureCollection) (*GeoJSON, error) {
	g := &GeoJSON{name: name, crs: c}
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		if len(g.features) == 0 {
			g.extent = b
		} else {
			g.extent = g.extent.Union(b)
		}
		g.features = append(g.features, f)
	}
	if len(g.features) == 0 {
		return nil, fmt.Errorf("%w: %q has no features", ErrInvalidLayer, name)
	}
	return g, nil
}

// LoadGeoJSON reads a FeatureCollection. GeoJSON coordinates are WGS84 unless the
// caller knows better.
func LoadGeoJSON(path string, c crs.CRS) (*GeoJSON, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if c == "" {
		c = crs.WGS84
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewGeoJSON(name, c, fc)
}

func (g *GeoJSON) Name() string      { return g.name }
func (g *GeoJSON) CRS() crs.CRS      { return g.crs }
func (g *GeoJSON) Extent() orb.Bound { return g.extent }

// SetName renames the layer. Empty names are ignored.
func (g *GeoJSON) SetName(name string) {
	if name != "" {
		g.name = name
	}
}

// Features returns the features whose bounds intersect extent, in file order.
func (g *GeoJSON) Features(ctx context.Context, extent orb.Bound) ([]*geojson.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*geojson.Feature
	for _, f := range g.features {
		if f.Geometry.Bound().Intersects(extent) {
			out = append(out, f)
		}
	}
	return out, nil
}
