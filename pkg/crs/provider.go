package crs

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Transformer converts single points from one reference system into another.
type Transformer interface {
	Transform(p orb.Point) (orb.Point, error)
}

// Provider is the transform primitive: it returns a Transformer relating src to dst,
// or an error when the pair is not supported.
type Provider interface {
	Transformer(src, dst CRS) (Transformer, error)
}

// ProjectionTransformer adapts an orb.Projection, rejecting non-finite output.
type ProjectionTransformer orb.Projection

// Transform implements Transformer.
func (f ProjectionTransformer) Transform(p orb.Point) (orb.Point, error) {
	out := f(p)
	if math.IsNaN(out[0]) || math.IsNaN(out[1]) || math.IsInf(out[0], 0) || math.IsInf(out[1], 0) {
		return out, ErrNonFinite
	}
	return out, nil
}

type pair struct {
	src, dst CRS
}

// Registry is a Provider backed by a table of projections.
type Registry struct {
	mu          sync.RWMutex
	projections map[pair]orb.Projection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{projections: make(map[pair]orb.Projection)}
}

// Builtin returns a registry relating WGS84 and Web Mercator in both directions.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(WGS84, WebMercator, clampedToMercator)
	r.Register(WebMercator, WGS84, project.Mercator.ToWGS84)
	return r
}

// Register adds a projection for src -> dst, replacing any previous one.
func (r *Registry) Register(src, dst CRS, proj orb.Projection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projections[pair{src, dst}] = proj
}

// Transformer implements Provider.
func (r *Registry) Transformer(src, dst CRS) (Transformer, error) {
	if !src.IsValid() || !dst.IsValid() {
		return nil, &TransformError{Src: src, Dst: dst, Err: ErrInvalidCRS}
	}
	r.mu.RLock()
	proj, ok := r.projections[pair{src, dst}]
	r.mu.RUnlock()
	if !ok {
		return nil, &TransformError{Src: src, Dst: dst, Err: ErrUnsupportedPair}
	}
	return ProjectionTransformer(proj), nil
}

// maxMercatorLat is the latitude at which Web Mercator becomes square.
const maxMercatorLat = 85.05112878

func clampedToMercator(p orb.Point) orb.Point {
	lat := math.Max(-maxMercatorLat, math.Min(maxMercatorLat, p[1]))
	return project.WGS84.ToMercator(orb.Point{p[0], lat})
}
