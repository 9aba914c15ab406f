package texture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/draw"
	"golang.org/x/image/vector"

	"github.com/Faultbox/terra3d/internal/layer"
	"github.com/Faultbox/terra3d/pkg/crs"
)

// Target is the canvas a Renderer paints one texture onto.
type Target struct {
	// Image is transparent on entry and covers Extent north up.
	Image *image.RGBA
	// Extent is expressed in CRS.
	Extent   orb.Bound
	CRS      crs.CRS
	Provider crs.Provider
}

// toPixel maps a point in the target CRS to fractional pixel coordinates.
func (t *Target) toPixel(p orb.Point) (float32, float32) {
	b := t.Image.Bounds()
	x := (p[0] - t.Extent.Min[0]) / (t.Extent.Max[0] - t.Extent.Min[0]) * float64(b.Dx())
	y := (t.Extent.Max[1] - p[1]) / (t.Extent.Max[1] - t.Extent.Min[1]) * float64(b.Dy())
	return float32(x), float32(y)
}

// Renderer draws one layer of the stack.
type Renderer interface {
	Name() string
	Render(ctx context.Context, t *Target) error
}

// RasterDrape draws a raster layer, reprojecting the request extent into the
// raster's CRS.
type RasterDrape struct {
	Raster  layer.Raster
	Opacity float64
}

// NewRasterDrape drapes r at full opacity.
func NewRasterDrape(r layer.Raster) *RasterDrape {
	return &RasterDrape{Raster: r, Opacity: 1}
}

func (d *RasterDrape) Name() string { return d.Raster.Name() }

func (d *RasterDrape) Render(ctx context.Context, t *Target) error {
	p, err := crs.NewPipeline(t.CRS, d.Raster.CRS(), t.Provider)
	if err != nil {
		return err
	}
	b := t.Image.Bounds()
	var img image.Image
	if p.IsIdentity() {
		img, err = d.Raster.Image(ctx, t.Extent, b.Dx(), b.Dy())
	} else {
		img, err = d.warp(ctx, p, t)
	}
	if err != nil {
		return err
	}
	if d.Opacity >= 1 {
		draw.Draw(t.Image, b, img, img.Bounds().Min, draw.Over)
		return nil
	}
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(clamp01(d.Opacity) * 255))})
	draw.DrawMask(t.Image, b, img, img.Bounds().Min, mask, image.Point{}, draw.Over)
	return nil
}

// warp resamples the raster one pixel row at a time, so a projection that
// stretches y non-linearly (latitude to mercator) stays registered. Within a
// row x is mapped linearly.
func (d *RasterDrape) warp(ctx context.Context, p *crs.Pipeline, t *Target) (image.Image, error) {
	b := t.Image.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	step := (t.Extent.Max[1] - t.Extent.Min[1]) / float64(b.Dy())
	for row := 0; row < b.Dy(); row++ {
		top := t.Extent.Max[1] - float64(row)*step
		strip, err := p.TransformExtent(orb.Bound{
			Min: orb.Point{t.Extent.Min[0], top - step},
			Max: orb.Point{t.Extent.Max[0], top},
		})
		if err != nil {
			return nil, err
		}
		line, err := d.Raster.Image(ctx, strip, b.Dx(), 1)
		if err != nil {
			return nil, err
		}
		draw.Draw(out, image.Rect(0, row, b.Dx(), row+1), line, line.Bounds().Min, draw.Src)
	}
	return out, nil
}

// FillStyle styles polygon fills.
type FillStyle struct {
	Fill color.RGBA
}

// PolygonFill rasterises the polygons of a vector layer with a flat colour.
// Non-areal geometries are ignored.
type PolygonFill struct {
	Vector layer.Vector
	Style  FillStyle
}

// NewPolygonFill fills the polygons of v with style.
func NewPolygonFill(v layer.Vector, style FillStyle) *PolygonFill {
	return &PolygonFill{Vector: v, Style: style}
}

func (f *PolygonFill) Name() string { return f.Vector.Name() }

func (f *PolygonFill) Render(ctx context.Context, t *Target) error {
	toLayer, err := crs.NewPipeline(t.CRS, f.Vector.CRS(), t.Provider)
	if err != nil {
		return err
	}
	toMap, err := toLayer.Inverse()
	if err != nil {
		return err
	}
	ext, err := toLayer.TransformExtent(t.Extent)
	if err != nil {
		return err
	}
	features, err := f.Vector.Features(ctx, ext)
	if err != nil {
		return err
	}

	b := t.Image.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.DrawOp = draw.Over
	drawn := false
	for _, feat := range features {
		g, err := toMap.TransformGeometry(feat.Geometry)
		if err != nil {
			return fmt.Errorf("feature %v: %w", feat.ID, err)
		}
		switch geom := g.(type) {
		case orb.Polygon:
			drawn = t.tracePolygon(z, geom) || drawn
		case orb.MultiPolygon:
			for _, poly := range geom {
				drawn = t.tracePolygon(z, poly) || drawn
			}
		}
	}
	if drawn {
		z.Draw(t.Image, b, image.NewUniform(f.Style.Fill), image.Point{})
	}
	return nil
}

func (t *Target) tracePolygon(z *vector.Rasterizer, poly orb.Polygon) bool {
	drawn := false
	for _, ring := range poly {
		if len(ring) < 3 {
			continue
		}
		x, y := t.toPixel(ring[0])
		z.MoveTo(x, y)
		for _, p := range ring[1:] {
			x, y := t.toPixel(p)
			z.LineTo(x, y)
		}
		z.ClosePath()
		drawn = true
	}
	return drawn
}

// HillshadeStyle controls relief shading.
type HillshadeStyle struct {
	// Azimuth and Altitude of the light in degrees.
	Azimuth  float64
	Altitude float64
	// ZFactor converts height units into horizontal units.
	ZFactor float64
	Opacity float64
}

// DefaultHillshade lights from the north-west at 45 degrees.
var DefaultHillshade = HillshadeStyle{Azimuth: 315, Altitude: 45, ZFactor: 1, Opacity: 0.5}

// Hillshade shades an elevation layer in grey. Pixels without data stay clear.
type Hillshade struct {
	Elevation layer.Elevation
	Style     HillshadeStyle
}

// NewHillshade shades e with style.
func NewHillshade(e layer.Elevation, style HillshadeStyle) *Hillshade {
	return &Hillshade{Elevation: e, Style: style}
}

func (h *Hillshade) Name() string { return h.Elevation.Name() }

func (h *Hillshade) Render(ctx context.Context, t *Target) error {
	p, err := crs.NewPipeline(t.CRS, h.Elevation.CRS(), t.Provider)
	if err != nil {
		return err
	}
	ext, err := p.TransformExtent(t.Extent)
	if err != nil {
		return err
	}
	b := t.Image.Bounds()
	w, ht := b.Dx(), b.Dy()
	grid, err := h.Elevation.Sample(ctx, ext, max(w, 2), max(ht, 2))
	if err != nil {
		return err
	}
	cols, rows := grid.Size()
	cellX := (ext.Max[0] - ext.Min[0]) / float64(cols-1)
	cellY := (ext.Max[1] - ext.Min[1]) / float64(rows-1)

	zenith := (90 - h.Style.Altitude) * math.Pi / 180
	azimuth := math.Mod(360-h.Style.Azimuth+90, 360) * math.Pi / 180
	zf := h.Style.ZFactor
	if zf == 0 {
		zf = 1
	}
	alpha := clamp01(h.Style.Opacity)

	at := func(c, r int) float64 {
		return grid.Value(min(max(c, 0), cols-1), min(max(r, 0), rows-1))
	}
	for r := 0; r < rows && r < ht; r++ {
		for c := 0; c < cols && c < w; c++ {
			if math.IsNaN(at(c, r)) {
				continue
			}
			dzdx := (at(c+1, r) - at(c-1, r)) / (2 * cellX) * zf
			dzdy := (at(c, r-1) - at(c, r+1)) / (2 * cellY) * zf
			if math.IsNaN(dzdx) || math.IsNaN(dzdy) {
				continue
			}
			slope := math.Atan(math.Hypot(dzdx, dzdy))
			aspect := math.Atan2(dzdy, -dzdx)
			shade := math.Cos(zenith)*math.Cos(slope) + math.Sin(zenith)*math.Sin(slope)*math.Cos(azimuth-aspect)
			v := clamp01(shade) * alpha
			grey := uint8(math.Round(v * 255))
			// Premultiplied: a grey of full intensity at the given opacity.
			t.Image.SetRGBA(b.Min.X+c, b.Min.Y+r, color.RGBA{R: grey, G: grey, B: grey, A: uint8(math.Round(alpha * 255))})
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// DefaultPolygonFill is the fill used for vector layers without a style.
var DefaultPolygonFill = FillStyle{Fill: color.RGBA{R: 96, G: 96, B: 96, A: 160}}

// ForLayer picks the default renderer for l: rasters are draped, elevations
// hillshaded and vector polygons filled.
func ForLayer(l layer.Layer) (Renderer, error) {
	switch v := l.(type) {
	case layer.Raster:
		return NewRasterDrape(v), nil
	case layer.Elevation:
		return NewHillshade(v, DefaultHillshade), nil
	case layer.Vector:
		return NewPolygonFill(v, DefaultPolygonFill), nil
	default:
		return nil, fmt.Errorf("%w: layer %q cannot be rendered", layer.ErrInvalidLayer, l.Name())
	}
}
