package layer

import (
	"bufio"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	_ "golang.org/x/image/tiff"

	"github.com/paulmach/orb"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// GeoImage is a north-up georeferenced image.
type GeoImage struct {
	name   string
	crs    crs.CRS
	img    image.Image
	extent orb.Bound
}

// NewGeoImage places img over extent.
func NewGeoImage(name string, c crs.CRS, img image.Image, extent orb.Bound) (*GeoImage, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidLayer)
	}
	if !(extent.Max[0] > extent.Min[0]) || !(extent.Max[1] > extent.Min[1]) {
		return nil, fmt.Errorf("%w: empty extent %v", ErrInvalidLayer, extent)
	}
	return &GeoImage{name: name, crs: c, img: img, extent: extent}, nil
}

// LoadGeoImage decodes a PNG, JPEG, TIFF or BMP file and georeferences it with
// the world file next to it (.pgw, .jgw, .tfw, .bpw or .wld).
func LoadGeoImage(path string, c crs.CRS) (*GeoImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	wf, err := findWorldFile(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(wf)
	if err != nil {
		return nil, err
	}
	extent, err := ParseWorldFile(data, img.Bounds().Dx(), img.Bounds().Dy())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", wf, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewGeoImage(name, c, img, extent)
}

// ParseWorldFile computes the extent of a width x height image from the six lines
// of an ESRI world file. Rotated images are not supported.
func ParseWorldFile(data []byte, width, height int) (orb.Bound, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 6 {
		return orb.Bound{}, fmt.Errorf("%w: world file has %d values", ErrUnsupportedFile, len(fields))
	}
	var v [6]float64
	for i, s := range fields {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: world file value %q", ErrUnsupportedFile, s)
		}
		v[i] = f
	}
	a, d, b, e, cx, cy := v[0], v[1], v[2], v[3], v[4], v[5]
	if b != 0 || d != 0 {
		return orb.Bound{}, fmt.Errorf("%w: rotated world file", ErrUnsupportedFile)
	}
	if a <= 0 || e >= 0 {
		return orb.Bound{}, fmt.Errorf("%w: image is not north up", ErrUnsupportedFile)
	}

	// cx, cy locate the centre of the upper-left pixel.
	minX := cx - a/2
	maxY := cy - e/2
	return orb.Bound{
		Min: orb.Point{minX, maxY + e*float64(height)},
		Max: orb.Point{minX + a*float64(width), maxY},
	}, nil
}

func findWorldFile(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	var candidates []string
	if len(ext) >= 3 {
		candidates = append(candidates, stem+ext[:2]+ext[len(ext)-1:]+"w")
	}
	candidates = append(candidates, stem+ext+"w", stem+".wld")
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no world file for %s", ErrUnsupportedFile, path)
}

func (g *GeoImage) Name() string      { return g.name }
func (g *GeoImage) CRS() crs.CRS      { return g.crs }
func (g *GeoImage) Extent() orb.Bound { return g.extent }

// SetName renames the layer. Empty names are ignored.
func (g *GeoImage) SetName(name string) {
	if name != "" {
		g.name = name
	}
}

// Image resamples the part of the image under extent with bilinear filtering.
func (g *GeoImage) Image(ctx context.Context, extent orb.Bound, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d pixels", ErrInvalidSize, width, height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if !extent.Intersects(g.extent) {
		return dst, nil
	}

	sb := g.img.Bounds()
	resX := (g.extent.Max[0] - g.extent.Min[0]) / float64(sb.Dx())
	resY := (g.extent.Max[1] - g.extent.Min[1]) / float64(sb.Dy())
	kx := float64(width) / (extent.Max[0] - extent.Min[0])
	ky := float64(height) / (extent.Max[1] - extent.Min[1])

	// Source pixel space to destination pixel space.
	a := resX * kx
	e := resY * ky
	s2d := f64.Aff3{
		a, 0, (g.extent.Min[0]-extent.Min[0])*kx - a*float64(sb.Min.X),
		0, e, (extent.Max[1]-g.extent.Max[1])*ky - e*float64(sb.Min.Y),
	}
	draw.BiLinear.Transform(dst, s2d, g.img, sb, draw.Over, nil)
	return dst, nil
}
