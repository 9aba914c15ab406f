// Package layer defines the map layers terrain and textures are built from and
// provides small file-backed implementations of them.
package layer

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/Faultbox/terra3d/pkg/crs"
)

// Layer errors.
var (
	ErrEmptyExtent     = errors.New("layer stack has no extent")
	ErrInvalidSize     = errors.New("invalid sample size")
	ErrInvalidLayer    = errors.New("invalid layer")
	ErrUnsupportedFile = errors.New("unsupported file")
)

// Layer is a named dataset in a coordinate reference system.
type Layer interface {
	Name() string
	CRS() crs.CRS
	// Extent is the area covered by the layer in its own CRS.
	Extent() orb.Bound
}

// Raster is a layer that can be rendered to an image.
type Raster interface {
	Layer
	// Image renders extent (layer CRS) into a width x height image, north up.
	// Pixels outside the layer are transparent.
	Image(ctx context.Context, extent orb.Bound, width, height int) (image.Image, error)
}

// Elevation is a layer of heights.
type Elevation interface {
	Layer
	// Sample returns cols x rows nodes spanning extent edge to edge, row 0 north.
	// Nodes without data are NaN.
	Sample(ctx context.Context, extent orb.Bound, cols, rows int) (*Grid, error)
}

// Vector is a layer of features.
type Vector interface {
	Layer
	// Features returns the features whose bounds intersect extent.
	Features(ctx context.Context, extent orb.Bound) ([]*geojson.Feature, error)
}

// FullExtent returns the union of the extents of layers expressed in dst.
func FullExtent(layers []Layer, dst crs.CRS, provider crs.Provider) (orb.Bound, error) {
	var (
		full  orb.Bound
		found bool
	)
	for _, l := range layers {
		p, err := crs.NewPipeline(l.CRS(), dst, provider)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		ext, err := p.TransformExtent(l.Extent())
		if err != nil {
			return orb.Bound{}, fmt.Errorf("layer %q: %w", l.Name(), err)
		}
		if !found {
			full, found = ext, true
			continue
		}
		full = full.Union(ext)
	}
	if !found {
		return orb.Bound{}, ErrEmptyExtent
	}
	return full, nil
}
