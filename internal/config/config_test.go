package config

import (
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Map.CRS != "EPSG:3857" {
		t.Errorf("expected map crs EPSG:3857, got %s", cfg.Map.CRS)
	}
	if cfg.Map.Exaggeration != 1 {
		t.Errorf("expected exaggeration 1, got %v", cfg.Map.Exaggeration)
	}
	if cfg.Map.TileTextureSize != 256 {
		t.Errorf("expected tile texture size 256, got %d", cfg.Map.TileTextureSize)
	}
	if cfg.Terrain.Type != TerrainFlat {
		t.Errorf("expected flat terrain, got %s", cfg.Terrain.Type)
	}
	if cfg.Terrain.QuantizedMesh.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", cfg.Terrain.QuantizedMesh.Timeout)
	}
	if cfg.Texture.Workers != 4 || cfg.Texture.QueueSize != 64 {
		t.Errorf("unexpected texture defaults %+v", cfg.Texture)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
	if cfg.Logging.LogFile != "" {
		t.Errorf("expected empty log file, got %s", cfg.Logging.LogFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
map:
  crs: "EPSG:4326"
  exaggeration: 2.5
  origin_z: 100
  tile_texture_size: 512

terrain:
  type: quantized_mesh
  quantized_mesh:
    source: "https://{s}.tiles.example.com/{z}/{x}/{y}.terrain"
    subdomains: [a, b, c]
    timeout: 5s

layers:
  - name: ortho
    kind: raster
    path: ortho.png
    crs: "EPSG:3857"
  - name: parcels
    kind: vector
    path: parcels.geojson
    fill: "#ff000080"

polygons:
  - layer: parcels
    ambient_color: "#202020"
    diffuse_color: "#c0c0c0"
    extrusion_height: 12

texture:
  workers: 8
  background: "#ffffff"

logging:
  level: "debug"
  log_file: "terra3d.log"
`

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg := Default()
	if err := loadFromFile(cfg, configPath); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Map.CRS != "EPSG:4326" {
		t.Errorf("expected crs EPSG:4326, got %s", cfg.Map.CRS)
	}
	if cfg.Map.Exaggeration != 2.5 {
		t.Errorf("expected exaggeration 2.5, got %v", cfg.Map.Exaggeration)
	}
	if cfg.Map.TileTextureSize != 512 {
		t.Errorf("expected texture size 512, got %d", cfg.Map.TileTextureSize)
	}
	if cfg.Terrain.Type != TerrainQuantizedMesh {
		t.Errorf("expected quantized_mesh terrain, got %s", cfg.Terrain.Type)
	}
	qm := cfg.Terrain.QuantizedMesh
	if len(qm.Subdomains) != 3 || qm.Timeout != 5*time.Second {
		t.Errorf("unexpected quantized mesh config %+v", qm)
	}
	// Values absent from the file keep their defaults.
	if qm.MaxBaseLevel != 20 {
		t.Errorf("expected default max base level 20, got %d", qm.MaxBaseLevel)
	}
	if len(cfg.Layers) != 2 || cfg.Layers[1].Name != "parcels" || cfg.Layers[1].Fill != "#ff000080" {
		t.Errorf("unexpected layers %+v", cfg.Layers)
	}
	if len(cfg.Polygons) != 1 || cfg.Polygons[0].ExtrusionHeight != 12 {
		t.Errorf("unexpected polygons %+v", cfg.Polygons)
	}
	if cfg.Texture.Workers != 8 || cfg.Texture.QueueSize != 64 {
		t.Errorf("unexpected texture config %+v", cfg.Texture)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config does not validate: %v", err)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"bad syntax", "map:\n  exaggeration: not a number\n  invalid syntax here\n"},
		{"unknown key", "map:\n  zoom: 3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tmpDir, strings.ReplaceAll(tt.name, " ", "_")+".yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}
			if err := loadFromFile(Default(), configPath); err == nil {
				t.Error("expected error loading invalid YAML, got nil")
			}
		})
	}
}

func TestLoadFromFileEmpty(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(configPath, nil, 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	cfg := Default()
	if err := loadFromFile(cfg, configPath); err != nil {
		t.Fatalf("empty file: %v", err)
	}
	if cfg.Map.TileTextureSize != 256 {
		t.Error("empty file changed defaults")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := Default()
	err := loadFromFile(cfg, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error loading missing file, got nil")
	}
}

func TestConfigDir(t *testing.T) {
	dir := ConfigDir()
	if dir == "" {
		t.Error("ConfigDir returned empty string")
	}
	if !filepath.IsAbs(dir) {
		t.Errorf("ConfigDir should return absolute path, got %s", dir)
	}
}

func TestFindConfigFile(t *testing.T) {
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	tmpDir := t.TempDir()
	os.Chdir(tmpDir)
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if path := findConfigFile(); path != "" {
		t.Errorf("expected empty path when no config exists, got %s", path)
	}

	configPath := filepath.Join(tmpDir, "terra3d.yaml")
	if err := os.WriteFile(configPath, []byte("map:\n  exaggeration: 3\n"), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	if path := findConfigFile(); path == "" {
		t.Error("expected to find terra3d.yaml in current directory")
	}
}

func TestApplyFlags(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		verify func(*testing.T, *Config)
	}{
		{
			name: "debug flag",
			args: []string{"--debug"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Logging.Level != "debug" {
					t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
				}
			},
		},
		{
			name: "terrain flags",
			args: []string{"--terrain", "dem", "--dem", "N46E007.hgt"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Terrain.Type != TerrainDem || cfg.Terrain.Dem.Path != "N46E007.hgt" {
					t.Errorf("unexpected terrain config %+v", cfg.Terrain)
				}
			},
		},
		{
			name: "workers flag sets both pools",
			args: []string{"--workers", "2"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Terrain.Workers != 2 || cfg.Texture.Workers != 2 {
					t.Errorf("expected 2 workers, got terrain %d texture %d", cfg.Terrain.Workers, cfg.Texture.Workers)
				}
			},
		},
		{
			name: "map flags",
			args: []string{"--crs", "EPSG:4326", "--exaggeration", "1.5", "--texture-size", "128"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Map.CRS != "EPSG:4326" || cfg.Map.Exaggeration != 1.5 || cfg.Map.TileTextureSize != 128 {
					t.Errorf("unexpected map config %+v", cfg.Map)
				}
			},
		},
		{
			name: "explicit level zero",
			args: []string{"--level", "0"},
			verify: func(t *testing.T, cfg *Config) {
				if cfg.Output.Level != 0 {
					t.Errorf("expected level 0, got %d", cfg.Output.Level)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			f := BindFlags(fs)
			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("parse flags: %v", err)
			}
			cfg := Default()
			cfg.Output.Level = 7
			applyFlags(cfg, f)
			tt.verify(t, cfg)
		})
	}
}

func TestLoadPriority(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
map:
  exaggeration: 4
  tile_texture_size: 128
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := BindFlags(fs)
	if err := fs.Parse([]string{"--config", configPath, "--exaggeration", "2"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(f)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Exaggeration comes from the flag, texture size from the file.
	if cfg.Map.Exaggeration != 2 {
		t.Errorf("expected exaggeration 2 from flag, got %v", cfg.Map.Exaggeration)
	}
	if cfg.Map.TileTextureSize != 128 {
		t.Errorf("expected texture size 128 from file, got %d", cfg.Map.TileTextureSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   int
	}{
		{"valid", func(*Config) {}, 0},
		{"bad crs", func(c *Config) { c.Map.CRS = "mercator" }, 1},
		{"bare crs code", func(c *Config) { c.Map.CRS = "3857" }, 0},
		{"lowercase layer crs", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "a", Kind: "vector", Path: "a.geojson", CRS: "epsg:4326"}}
		}, 0},
		{"bad layer crs", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "a", Kind: "vector", Path: "a.geojson", CRS: "wgs84"}}
		}, 1},
		{"non-positive exaggeration", func(c *Config) { c.Map.Exaggeration = 0 }, 1},
		{"zero texture size", func(c *Config) { c.Map.TileTextureSize = 0 }, 1},
		{"unknown terrain", func(c *Config) { c.Terrain.Type = "voxel" }, 1},
		{"dem without path", func(c *Config) {
			c.Terrain.Type = TerrainDem
			c.Terrain.Dem.Resolution = 1
		}, 2},
		{"quantized mesh without source", func(c *Config) { c.Terrain.Type = TerrainQuantizedMesh }, 1},
		{"bad layers", func(c *Config) {
			c.Layers = []LayerConfig{
				{Name: "a", Kind: "raster", Path: "a.png"},
				{Name: "a", Kind: "mesh", Path: "", Opacity: 2, Fill: "red"},
			}
		}, 5},
		{"polygon on missing layer", func(c *Config) {
			c.Polygons = []PolygonConfig{{Layer: "nope", DiffuseColor: "#12"}}
		}, 2},
		{"bad background", func(c *Config) { c.Texture.Background = "#zzzzzz" }, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			errs := multierr.Errors(err)
			if len(errs) != tt.want {
				t.Fatalf("Validate() reported %d problems, want %d: %v", len(errs), tt.want, err)
			}
			if tt.want > 0 && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.RGBA
		wantErr bool
	}{
		{"#ff0000", color.RGBA{R: 255, A: 255}, false},
		{"00ff00ff", color.RGBA{G: 255, A: 255}, false},
		{"#00000000", color.RGBA{}, false},
		{"#ffffff80", color.RGBA{R: 128, G: 128, B: 128, A: 128}, false},
		{"#fff", color.RGBA{}, true},
		{"#gg0000", color.RGBA{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColor(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseColor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseColor(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSaveTo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Map.Exaggeration = 3
	cfg.Layers = []LayerConfig{{Name: "ortho", Kind: LayerRaster, Path: "ortho.png"}}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error = %v", err)
	}

	loaded := Default()
	if err := loadFromFile(loaded, path); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Map.Exaggeration != 3 || len(loaded.Layers) != 1 {
		t.Errorf("reloaded config differs: %+v", loaded)
	}
}
