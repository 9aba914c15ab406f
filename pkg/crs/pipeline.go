package crs

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// densifySteps is the number of samples taken along each extent edge.
const densifySteps = 20

// Pipeline converts coordinates from a source CRS to a destination CRS.
// When both are equal it is the identity and no Provider is consulted.
// A Pipeline is immutable and safe for concurrent use.
type Pipeline struct {
	src, dst CRS
	fwd      Transformer
	provider Provider
}

// NewPipeline relates src to dst through provider. It fails with *TransformError
// when the provider cannot relate the two systems.
func NewPipeline(src, dst CRS, provider Provider) (*Pipeline, error) {
	if !src.IsValid() || !dst.IsValid() {
		return nil, &TransformError{Src: src, Dst: dst, Err: ErrInvalidCRS}
	}
	p := &Pipeline{src: src, dst: dst, provider: provider}
	if src == dst {
		return p, nil
	}
	if provider == nil {
		return nil, &TransformError{Src: src, Dst: dst, Err: ErrUnsupportedPair}
	}
	fwd, err := provider.Transformer(src, dst)
	if err != nil {
		if _, ok := err.(*TransformError); ok {
			return nil, err
		}
		return nil, &TransformError{Src: src, Dst: dst, Err: err}
	}
	p.fwd = fwd
	return p, nil
}

// Source returns the CRS coordinates are converted from.
func (p *Pipeline) Source() CRS { return p.src }

// Destination returns the CRS coordinates are converted into.
func (p *Pipeline) Destination() CRS { return p.dst }

// IsIdentity reports whether the pipeline passes coordinates through unchanged.
func (p *Pipeline) IsIdentity() bool { return p.fwd == nil }

// Inverse returns the pipeline for dst -> src using the same provider.
func (p *Pipeline) Inverse() (*Pipeline, error) {
	return NewPipeline(p.dst, p.src, p.provider)
}

// TransformPoint converts a single point.
func (p *Pipeline) TransformPoint(pt orb.Point) (orb.Point, error) {
	if p.fwd == nil {
		return pt, nil
	}
	out, err := p.fwd.Transform(pt)
	if err != nil {
		return out, &TransformError{Src: p.src, Dst: p.dst, Err: err}
	}
	return out, nil
}

// TransformExtent converts a rectangle. Edges are densified before projecting so the
// result bounds curved edges in the destination system.
func (p *Pipeline) TransformExtent(b orb.Bound) (orb.Bound, error) {
	if p.fwd == nil {
		return b, nil
	}
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	pts := make(orb.MultiPoint, 0, 4*(densifySteps+1))
	for i := 0; i <= densifySteps; i++ {
		f := float64(i) / densifySteps
		pts = append(pts,
			orb.Point{b.Min[0] + f*w, b.Min[1]},
			orb.Point{b.Min[0] + f*w, b.Max[1]},
			orb.Point{b.Min[0], b.Min[1] + f*h},
			orb.Point{b.Max[0], b.Min[1] + f*h},
		)
	}
	for i, pt := range pts {
		out, err := p.TransformPoint(pt)
		if err != nil {
			return orb.Bound{}, err
		}
		pts[i] = out
	}
	return pts.Bound(), nil
}

// TransformGeometry converts every vertex of g. The input is not modified.
func (p *Pipeline) TransformGeometry(g orb.Geometry) (orb.Geometry, error) {
	if p.fwd == nil || g == nil {
		return g, nil
	}
	var firstErr error
	out := project.Geometry(orb.Clone(g), func(pt orb.Point) orb.Point {
		res, err := p.TransformPoint(pt)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return res
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
