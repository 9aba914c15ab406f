package map3d

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"golang.org/x/image/draw"

	"github.com/Faultbox/terra3d/internal/layer"
	"github.com/Faultbox/terra3d/internal/terrain"
	"github.com/Faultbox/terra3d/pkg/crs"
	"github.com/Faultbox/terra3d/pkg/qmesh"
	"github.com/Faultbox/terra3d/pkg/tiling"
)

const eps = 1e-6

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func orthoLayer(t *testing.T, c crs.CRS, ext orb.Bound) layer.Layer {
	t.Helper()
	l, err := layer.NewGeoImage("ortho", c, solid(color.RGBA{G: 200, A: 255}), ext)
	if err != nil {
		t.Fatalf("NewGeoImage() error = %v", err)
	}
	return l
}

func newMap(t *testing.T, opts Options) *Map3D {
	t.Helper()
	m, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFlatSession(t *testing.T) {
	ext := orb.Bound{Min: orb.Point{1000, 2000}, Max: orb.Point{2000, 4000}}
	flat := terrain.NewFlat()
	m := newMap(t, Options{
		Layers:          []layer.Layer{orthoLayer(t, crs.WebMercator, ext)},
		CRS:             crs.WebMercator,
		Terrain:         flat,
		Exaggeration:    1,
		OriginZ:         10,
		TileTextureSize: 32,
	})

	if flat.State() != terrain.Ready || flat.CRS() != crs.WebMercator {
		t.Fatalf("flat terrain not configured: %s %s", flat.State(), flat.CRS())
	}
	if got := flat.TilingScheme().TileExtent(tiling.Root); got != ext {
		t.Errorf("root extent = %v, want %v", got, ext)
	}
	if !m.TerrainToMap().IsIdentity() {
		t.Error("flat terrain in the map CRS should not need a transform")
	}
	if got := m.Origin(); got != [3]float64{1500, 3000, 10} {
		t.Errorf("Origin() = %v", got)
	}
	if got := m.VisibleTiles(1); len(got) != 4 {
		t.Errorf("VisibleTiles(1) = %v, want 4 tiles", got)
	}

	tile, err := m.SceneTile(context.Background(), tiling.Root)
	if err != nil {
		t.Fatalf("SceneTile() error = %v", err)
	}
	b := tile.Mesh.Bounds
	want := terrain.Bounds{Min: [3]float64{-500, -10, -1000}, Max: [3]float64{500, -10, 1000}}
	for i := 0; i < 3; i++ {
		if !near(b.Min[i], want.Min[i], eps) || !near(b.Max[i], want.Max[i], eps) {
			t.Fatalf("scene bounds = %+v, want %+v", b, want)
		}
	}
	for i, v := range tile.Mesh.Vertices {
		if !near(float64(v.Normal[1]), 1, 1e-6) {
			t.Errorf("vertex %d normal = %v, want up", i, v.Normal)
		}
	}
	if tile.MapExtent != ext {
		t.Errorf("MapExtent = %v, want %v", tile.MapExtent, ext)
	}
}

func TestSceneAxes(t *testing.T) {
	ext := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}
	m := newMap(t, Options{
		Layers:          []layer.Layer{orthoLayer(t, crs.WebMercator, ext)},
		CRS:             crs.WebMercator,
		Terrain:         terrain.NewFlat(),
		Exaggeration:    3,
		OriginZ:         5,
		TileTextureSize: 8,
	})
	// North of the origin is -Z, east is +X, height is scaled.
	got := m.ToScene(orb.Point{60, 80}, 2)
	want := [3]float64{10, 1, -30}
	if got != want {
		t.Errorf("ToScene() = %v, want %v", got, want)
	}
}

func TestNewValidation(t *testing.T) {
	ext := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}
	ortho := orthoLayer(t, crs.WebMercator, ext)
	base := func() Options {
		return Options{
			Layers:          []layer.Layer{ortho},
			CRS:             crs.WebMercator,
			Terrain:         terrain.NewFlat(),
			Exaggeration:    1,
			TileTextureSize: 16,
		}
	}
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"bad crs", func(o *Options) { o.CRS = "" }},
		{"no terrain", func(o *Options) { o.Terrain = nil }},
		{"zero exaggeration", func(o *Options) { o.Exaggeration = 0 }},
		{"negative exaggeration", func(o *Options) { o.Exaggeration = -2 }},
		{"no texture size", func(o *Options) { o.TileTextureSize = 0 }},
		{"polygon without layer", func(o *Options) { o.Polygons = []PolygonRenderer{{ExtrusionHeight: 3}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base()
			tt.modify(&opts)
			if _, err := New(opts, nil); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("New() error = %v, want ErrInvalidOptions", err)
			}
		})
	}
}

func TestFlatWithoutLayers(t *testing.T) {
	_, err := New(Options{
		CRS:             crs.WebMercator,
		Terrain:         terrain.NewFlat(),
		Exaggeration:    1,
		TileTextureSize: 16,
	}, nil)
	if !errors.Is(err, layer.ErrEmptyExtent) {
		t.Errorf("New() error = %v, want ErrEmptyExtent", err)
	}
}

func demGrid(t *testing.T, c crs.CRS, ext orb.Bound) *layer.Grid {
	t.Helper()
	heights := []float64{
		10, 20, 30,
		10, 20, 30,
		10, 20, 30,
	}
	g, err := layer.NewGrid("dem", c, ext, 3, 3, heights)
	if err != nil {
		t.Fatalf("NewGrid() error = %v", err)
	}
	return g
}

func TestDemUnsupportedTransformIsFatal(t *testing.T) {
	utm := crs.MustParse("EPSG:32633")
	ext := orb.Bound{Min: orb.Point{500000, 5000000}, Max: orb.Point{510000, 5010000}}
	dem, err := terrain.NewDem(demGrid(t, utm, ext), 4)
	if err != nil {
		t.Fatalf("NewDem() error = %v", err)
	}
	_, err = New(Options{
		CRS:             crs.WebMercator,
		Terrain:         dem,
		Exaggeration:    1,
		TileTextureSize: 16,
	}, nil)
	var te *crs.TransformError
	if !errors.As(err, &te) {
		t.Fatalf("New() error = %v, want *crs.TransformError", err)
	}
	if te.Src != utm || te.Dst != crs.WebMercator {
		t.Errorf("TransformError = %+v", te)
	}
}

func TestDemSession(t *testing.T) {
	ext := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1000, 1000}}
	grid := demGrid(t, crs.WebMercator, ext)
	dem, err := terrain.NewDem(grid, 5)
	if err != nil {
		t.Fatalf("NewDem() error = %v", err)
	}
	m := newMap(t, Options{
		Layers:          []layer.Layer{grid},
		CRS:             crs.WebMercator,
		Terrain:         dem,
		Exaggeration:    2,
		TileTextureSize: 16,
		TerrainWorkers:  2,
	})
	if got := m.Origin(); got != [3]float64{500, 500, 0} {
		t.Errorf("Origin() = %v", got)
	}

	addrs := m.VisibleTiles(1)
	if len(addrs) != 4 {
		t.Fatalf("VisibleTiles(1) = %v", addrs)
	}
	seen := make(map[tiling.Address]bool)
	for res := range m.SceneTiles(context.Background(), addrs) {
		if res.Err != nil {
			t.Errorf("tile %s: %v", res.Address, res.Err)
			continue
		}
		seen[res.Address] = true
		b := res.Tile.Mesh.Bounds
		// Heights 10..30 doubled.
		if b.Min[1] < 20-eps || b.Max[1] > 60+eps {
			t.Errorf("tile %s scene heights %v..%v outside [20, 60]", res.Address, b.Min[1], b.Max[1])
		}
	}
	if len(seen) != 4 {
		t.Errorf("received %d tiles, want 4", len(seen))
	}

	// The hillshade of the DEM is the default texture layer.
	tk, err := m.RequestTexture(tiling.Address{Level: 1, X: 0, Y: 1})
	if err != nil {
		t.Fatalf("RequestTexture() error = %v", err)
	}
	select {
	case res := <-tk.Done():
		if res.Err != nil {
			t.Fatalf("texture error = %v", res.Err)
		}
		if res.Image.Bounds().Dx() != 16 {
			t.Errorf("texture size = %v", res.Image.Bounds())
		}
		if res.Extent != (orb.Bound{Min: orb.Point{0, 500}, Max: orb.Point{500, 1000}}) {
			t.Errorf("texture extent = %v", res.Extent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("texture not delivered")
	}
}

type memSource map[tiling.Address]*qmesh.Tile

func (s memSource) Fetch(ctx context.Context, a tiling.Address) (*qmesh.Tile, error) {
	if t, ok := s[a]; ok {
		return t, nil
	}
	return nil, terrain.ErrTileNotFound
}

func TestQuantizedMeshSession(t *testing.T) {
	base := tiling.Address{Level: 2, X: 4, Y: 1}
	src := memSource{base: {
		Header:  qmesh.Header{MinimumHeight: 0, MaximumHeight: 1000},
		U:       []uint16{0, qmesh.MaxValue, qmesh.MaxValue, 0},
		V:       []uint16{0, 0, qmesh.MaxValue, qmesh.MaxValue},
		H:       []uint16{0, 0, qmesh.MaxValue, qmesh.MaxValue},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}}
	qm, err := terrain.NewQuantizedMesh(src)
	if err != nil {
		t.Fatalf("NewQuantizedMesh() error = %v", err)
	}

	geo := orb.Bound{Min: orb.Point{10, -30}, Max: orb.Point{20, -20}}
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(geo.ToPolygon()))
	parcels, err := layer.NewGeoJSON("parcels", crs.WGS84, fc)
	if err != nil {
		t.Fatalf("NewGeoJSON() error = %v", err)
	}

	m := newMap(t, Options{
		Layers:          []layer.Layer{orthoLayer(t, crs.WGS84, geo), parcels},
		CRS:             crs.WebMercator,
		Terrain:         qm,
		Exaggeration:    1,
		TileTextureSize: 16,
		Polygons: []PolygonRenderer{{
			Layer:           parcels,
			DiffuseColor:    color.RGBA{R: 200, A: 255},
			ExtrusionHeight: 15,
		}},
	})

	if qm.State() != terrain.Ready || qm.Root() != base {
		t.Fatalf("base tile = %s (%s), want %s", qm.Root(), qm.State(), base)
	}
	wantOrigin := project.WGS84.ToMercator(orb.Point{15, -25})
	if o := m.Origin(); !near(o[0], wantOrigin[0], 1e-3) || !near(o[1], wantOrigin[1], 1e-3) {
		t.Errorf("Origin() = %v, want %v", o, wantOrigin)
	}
	if len(m.Polygons()) != 1 || m.Polygons()[0].ExtrusionHeight != 15 {
		t.Errorf("Polygons() = %+v", m.Polygons())
	}

	tile, err := m.SceneTile(context.Background(), base)
	if err != nil {
		t.Fatalf("SceneTile() error = %v", err)
	}
	// Tile 2/4/1 spans 0..45 E, 45 S..0; its south-west corner is vertex 0.
	sw := project.WGS84.ToMercator(orb.Point{0, -45})
	got := tile.Mesh.Vertices[0].Position
	if !near(got[0], sw[0]-wantOrigin[0], 1e-3) || !near(got[2], -(sw[1]-wantOrigin[1]), 1e-3) || got[1] != 0 {
		t.Errorf("south-west vertex = %v", got)
	}

	if _, err := m.SceneTile(context.Background(), tiling.Address{Level: 1, X: 0, Y: 0}); !errors.Is(err, terrain.ErrUnsupportedTile) {
		t.Errorf("tile outside the base error = %v, want ErrUnsupportedTile", err)
	}

	tk, err := m.RequestTexture(base)
	if err != nil {
		t.Fatalf("RequestTexture() error = %v", err)
	}
	select {
	case res := <-tk.Done():
		if res.Err != nil {
			t.Fatalf("texture error = %v", res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("texture not delivered")
	}
}

func TestQuantizedMeshAcrossPrimeMeridian(t *testing.T) {
	qm, err := terrain.NewQuantizedMesh(memSource{})
	if err != nil {
		t.Fatalf("NewQuantizedMesh() error = %v", err)
	}
	geo := orb.Bound{Min: orb.Point{-2, 40}, Max: orb.Point{3, 45}}
	_, err = New(Options{
		Layers:          []layer.Layer{orthoLayer(t, crs.WGS84, geo)},
		CRS:             crs.WebMercator,
		Terrain:         qm,
		Exaggeration:    1,
		TileTextureSize: 16,
	}, nil)
	if !errors.Is(err, tiling.ErrNoEnclosingTile) || !errors.Is(err, terrain.ErrInvalidExtent) {
		t.Fatalf("New() error = %v, want ErrNoEnclosingTile", err)
	}
	if qm.State() == terrain.Ready {
		t.Errorf("terrain is %s after a failed setup", qm.State())
	}
}

func TestWriteOBJ(t *testing.T) {
	ext := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}
	m := newMap(t, Options{
		Layers:          []layer.Layer{orthoLayer(t, crs.WebMercator, ext)},
		CRS:             crs.WebMercator,
		Terrain:         terrain.NewFlat(),
		Exaggeration:    1,
		TileTextureSize: 8,
	})
	tile, err := m.SceneTile(context.Background(), tiling.Address{Level: 1, X: 1, Y: 0})
	if err != nil {
		t.Fatalf("SceneTile() error = %v", err)
	}
	var buf bytes.Buffer
	if err := tile.WriteOBJ(&buf); err != nil {
		t.Fatalf("WriteOBJ() error = %v", err)
	}
	counts := make(map[string]int)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		kind, _, _ := strings.Cut(line, " ")
		counts[kind]++
	}
	want := map[string]int{"o": 1, "v": 4, "vt": 4, "vn": 4, "f": 2}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("%q lines = %d, want %d", k, counts[k], n)
		}
	}
	if !strings.HasPrefix(buf.String(), "o tile_1_1_0\n") {
		t.Errorf("object name line = %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}
}
