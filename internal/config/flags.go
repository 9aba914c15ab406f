package config

import "github.com/spf13/pflag"

// Flags holds the command-line overrides bound to a FlagSet.
type Flags struct {
	fs *pflag.FlagSet

	Config       string
	Debug        bool
	LogFile      string
	MapCRS       string
	Exaggeration float64
	TextureSize  int
	TerrainType  string
	Dem          string
	Source       string
	Workers      int
	OutputDir    string
	Level        int
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.Config, "config", "c", "", "Path to config file")
	fs.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	fs.StringVar(&f.LogFile, "log-file", "", "Write logs to this rotating file")
	fs.StringVar(&f.MapCRS, "crs", "", "Map CRS, e.g. EPSG:3857")
	fs.Float64Var(&f.Exaggeration, "exaggeration", 0, "Vertical exaggeration")
	fs.IntVar(&f.TextureSize, "texture-size", 0, "Tile texture size in pixels")
	fs.StringVar(&f.TerrainType, "terrain", "", "Terrain type: flat, dem or quantized_mesh")
	fs.StringVar(&f.Dem, "dem", "", "Elevation file for dem terrain")
	fs.StringVar(&f.Source, "source", "", "Quantized-mesh tile source (directory, .mbtiles or URL)")
	fs.IntVar(&f.Workers, "workers", 0, "Concurrent terrain and texture workers")
	fs.StringVarP(&f.OutputDir, "output", "o", "", "Output directory")
	fs.IntVar(&f.Level, "level", 0, "Tile level to process")
	return f
}

// ConfigPath returns the explicit config path if provided via --config.
func (f *Flags) ConfigPath() string {
	if f == nil {
		return ""
	}
	return f.Config
}

func (f *Flags) changed(name string) bool {
	return f.fs != nil && f.fs.Changed(name)
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config, f *Flags) {
	if f == nil {
		return
	}
	if f.Debug {
		cfg.Logging.Level = "debug"
	}
	if f.LogFile != "" {
		cfg.Logging.LogFile = f.LogFile
	}
	if f.MapCRS != "" {
		cfg.Map.CRS = f.MapCRS
	}
	if f.Exaggeration > 0 {
		cfg.Map.Exaggeration = f.Exaggeration
	}
	if f.TextureSize > 0 {
		cfg.Map.TileTextureSize = f.TextureSize
	}
	if f.TerrainType != "" {
		cfg.Terrain.Type = f.TerrainType
	}
	if f.Dem != "" {
		cfg.Terrain.Dem.Path = f.Dem
	}
	if f.Source != "" {
		cfg.Terrain.QuantizedMesh.Source = f.Source
	}
	if f.Workers > 0 {
		cfg.Terrain.Workers = f.Workers
		cfg.Texture.Workers = f.Workers
	}
	if f.OutputDir != "" {
		cfg.Output.Dir = f.OutputDir
	}
	// Level 0 is meaningful, so only an explicit flag overrides it.
	if f.changed("level") {
		cfg.Output.Level = f.Level
	}
}
