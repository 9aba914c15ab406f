// Package config handles terra3d configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// Config holds all session settings.
type Config struct {
	Logging  LoggingConfig   `yaml:"logging"`
	Map      MapConfig       `yaml:"map"`
	Terrain  TerrainConfig   `yaml:"terrain"`
	Layers   []LayerConfig   `yaml:"layers"`
	Polygons []PolygonConfig `yaml:"polygons"`
	Texture  TextureConfig   `yaml:"texture"`
	Output   OutputConfig    `yaml:"output"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
	Console bool   `yaml:"console"`
}

// MapConfig holds the scene settings.
type MapConfig struct {
	CRS             string  `yaml:"crs"`
	Exaggeration    float64 `yaml:"exaggeration"`
	OriginZ         float64 `yaml:"origin_z"`
	TileTextureSize int     `yaml:"tile_texture_size"`
}

// Terrain types accepted in TerrainConfig.Type.
const (
	TerrainFlat          = "flat"
	TerrainDem           = "dem"
	TerrainQuantizedMesh = "quantized_mesh"
)

// TerrainConfig selects and configures the terrain generator.
type TerrainConfig struct {
	Type          string              `yaml:"type"`
	Workers       int                 `yaml:"workers"`
	Dem           DemConfig           `yaml:"dem"`
	QuantizedMesh QuantizedMeshConfig `yaml:"quantized_mesh"`
}

// DemConfig points at an elevation raster (.hgt or .hgt.zip).
type DemConfig struct {
	Path       string  `yaml:"path"`
	Resolution int     `yaml:"resolution"`
	Skirt      float64 `yaml:"skirt"`
}

// QuantizedMeshConfig describes where quantized-mesh tiles come from. Source is a
// directory, an .mbtiles file or an http(s) URL template with {z}, {x}, {y} and
// optionally {s}.
type QuantizedMeshConfig struct {
	Source          string        `yaml:"source"`
	Subdomains      []string      `yaml:"subdomains"`
	CacheDir        string        `yaml:"cache_dir"`
	MemoryCacheSize int           `yaml:"memory_cache_size"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxBaseLevel    int           `yaml:"max_base_level"`
}

// Layer kinds accepted in LayerConfig.Kind.
const (
	LayerRaster    = "raster"
	LayerVector    = "vector"
	LayerHillshade = "hillshade"
)

// LayerConfig is one entry of the layer stack, bottom first.
type LayerConfig struct {
	Name    string  `yaml:"name"`
	Kind    string  `yaml:"kind"`
	Path    string  `yaml:"path"`
	CRS     string  `yaml:"crs"`
	Fill    string  `yaml:"fill,omitempty"`
	Opacity float64 `yaml:"opacity,omitempty"`
}

// PolygonConfig describes an extruded polygon rendering of a vector layer.
type PolygonConfig struct {
	Layer           string  `yaml:"layer"`
	AmbientColor    string  `yaml:"ambient_color"`
	DiffuseColor    string  `yaml:"diffuse_color"`
	Height          float64 `yaml:"height"`
	ExtrusionHeight float64 `yaml:"extrusion_height"`
}

// TextureConfig holds texture generator settings.
type TextureConfig struct {
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
	Background string `yaml:"background"`
}

// OutputConfig holds CLI output settings.
type OutputConfig struct {
	Dir   string `yaml:"dir"`
	Level int    `yaml:"level"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
			Console: true,
		},
		Map: MapConfig{
			CRS:             string(crs.WebMercator),
			Exaggeration:    1,
			OriginZ:         0,
			TileTextureSize: 256,
		},
		Terrain: TerrainConfig{
			Type:    TerrainFlat,
			Workers: 4,
			Dem: DemConfig{
				Resolution: 16,
			},
			QuantizedMesh: QuantizedMeshConfig{
				MemoryCacheSize: 256,
				Timeout:         30 * time.Second,
				MaxBaseLevel:    20,
			},
		},
		Texture: TextureConfig{
			Workers:    4,
			QueueSize:  64,
			Background: "#00000000",
		},
		Output: OutputConfig{
			Dir:   "out",
			Level: 0,
		},
	}
}

// ErrInvalid marks configuration validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs error
	bad := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := crs.Parse(c.Map.CRS); err != nil {
		bad("map.crs %q", c.Map.CRS)
	}
	if !(c.Map.Exaggeration > 0) {
		bad("map.exaggeration must be positive, got %v", c.Map.Exaggeration)
	}
	if c.Map.TileTextureSize <= 0 {
		bad("map.tile_texture_size must be positive, got %d", c.Map.TileTextureSize)
	}

	switch c.Terrain.Type {
	case TerrainFlat:
	case TerrainDem:
		if c.Terrain.Dem.Path == "" {
			bad("terrain.dem.path is required for dem terrain")
		}
		if c.Terrain.Dem.Resolution < 2 {
			bad("terrain.dem.resolution must be at least 2, got %d", c.Terrain.Dem.Resolution)
		}
	case TerrainQuantizedMesh:
		if c.Terrain.QuantizedMesh.Source == "" {
			bad("terrain.quantized_mesh.source is required for quantized_mesh terrain")
		}
	default:
		bad("terrain.type %q", c.Terrain.Type)
	}

	names := make(map[string]bool)
	for i, l := range c.Layers {
		if l.Name == "" {
			bad("layers[%d].name is required", i)
		} else if names[l.Name] {
			bad("layers[%d].name %q is duplicated", i, l.Name)
		}
		names[l.Name] = true
		switch l.Kind {
		case LayerRaster, LayerVector, LayerHillshade:
		default:
			bad("layers[%d].kind %q", i, l.Kind)
		}
		if l.Path == "" {
			bad("layers[%d].path is required", i)
		}
		if l.CRS != "" {
			if _, err := crs.Parse(l.CRS); err != nil {
				bad("layers[%d].crs %q", i, l.CRS)
			}
		}
		if l.Opacity < 0 || l.Opacity > 1 {
			bad("layers[%d].opacity must be within [0, 1], got %v", i, l.Opacity)
		}
		if l.Fill != "" {
			if _, err := ParseColor(l.Fill); err != nil {
				bad("layers[%d].fill: %v", i, err)
			}
		}
	}

	for i, p := range c.Polygons {
		if !names[p.Layer] {
			bad("polygons[%d].layer %q is not a configured layer", i, p.Layer)
		}
		for _, col := range []string{p.AmbientColor, p.DiffuseColor} {
			if col == "" {
				continue
			}
			if _, err := ParseColor(col); err != nil {
				bad("polygons[%d]: %v", i, err)
			}
		}
	}

	if _, err := ParseColor(c.Texture.Background); err != nil {
		bad("texture.background: %v", err)
	}
	return errs
}

// ParseColor parses "#rrggbb" or "#rrggbbaa" into a premultiplied colour.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("colour %q: want #rrggbb or #rrggbbaa", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("colour %q: %w", s, err)
	}
	c := color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
	return color.RGBAModel.Convert(c).(color.RGBA), nil
}
