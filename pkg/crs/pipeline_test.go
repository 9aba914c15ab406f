package crs

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

// countingProvider records how often it is consulted.
type countingProvider struct {
	calls int
}

func (c *countingProvider) Transformer(src, dst CRS) (Transformer, error) {
	c.calls++
	return nil, ErrUnsupportedPair
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    CRS
		wantErr bool
	}{
		{"EPSG:3857", WebMercator, false},
		{"epsg:4326", WGS84, false},
		{"4326", WGS84, false},
		{"  EPSG:32633 ", "EPSG:32633", false},
		{"", "", true},
		{"EPSG:", "", true},
		{"mercator", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPipelineIdentityIsBitExact(t *testing.T) {
	prov := &countingProvider{}
	p, err := NewPipeline(WebMercator, WebMercator, prov)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if !p.IsIdentity() {
		t.Error("expected identity pipeline")
	}
	if prov.calls != 0 {
		t.Errorf("provider consulted %d times for identity", prov.calls)
	}

	points := []orb.Point{
		{0, 0},
		{0.1 + 0.2, -1e-300},
		{math.MaxFloat64, -math.MaxFloat64},
		{1234567.891011, 7654321.0123},
	}
	for _, pt := range points {
		got, err := p.TransformPoint(pt)
		if err != nil {
			t.Fatalf("TransformPoint(%v): %v", pt, err)
		}
		if got != pt {
			t.Errorf("TransformPoint(%v) = %v, want exact passthrough", pt, got)
		}
	}

	b := orb.Bound{Min: orb.Point{-1.5, 2.25}, Max: orb.Point{3.125, 9}}
	gotB, err := p.TransformExtent(b)
	if err != nil {
		t.Fatalf("TransformExtent: %v", err)
	}
	if gotB != b {
		t.Errorf("TransformExtent = %v, want %v", gotB, b)
	}
}

func TestPipelineUnsupportedPair(t *testing.T) {
	_, err := NewPipeline("EPSG:32633", WebMercator, Builtin())
	if err == nil {
		t.Fatal("expected error for unsupported pair")
	}
	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransformError, got %T", err)
	}
	if !errors.Is(err, ErrUnsupportedPair) {
		t.Errorf("expected ErrUnsupportedPair, got %v", err)
	}
	if te.Src != "EPSG:32633" || te.Dst != WebMercator {
		t.Errorf("unexpected pair in error: %s -> %s", te.Src, te.Dst)
	}
}

func TestPipelineInvalidCRS(t *testing.T) {
	_, err := NewPipeline("", WGS84, Builtin())
	if !errors.Is(err, ErrInvalidCRS) {
		t.Errorf("expected ErrInvalidCRS, got %v", err)
	}
}

func TestPipelineWGS84ToMercator(t *testing.T) {
	p, err := NewPipeline(WGS84, WebMercator, Builtin())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}

	got, err := p.TransformPoint(orb.Point{180, 0})
	if err != nil {
		t.Fatalf("TransformPoint: %v", err)
	}
	if math.Abs(got[0]-20037508.342789244) > 1e-6 || math.Abs(got[1]) > 1e-6 {
		t.Errorf("TransformPoint(180,0) = %v", got)
	}

	inv, err := p.Inverse()
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	back, err := inv.TransformPoint(orb.Point{1113194.9079327357, 1118889.9748579594})
	if err != nil {
		t.Fatalf("inverse TransformPoint: %v", err)
	}
	if math.Abs(back[0]-10) > 1e-9 || math.Abs(back[1]-10) > 1e-9 {
		t.Errorf("inverse = %v, want ~(10,10)", back)
	}
}

func TestPipelineTransformExtentBoundsCorners(t *testing.T) {
	p, err := NewPipeline(WGS84, WebMercator, Builtin())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	b := orb.Bound{Min: orb.Point{5, 45}, Max: orb.Point{7, 47}}
	out, err := p.TransformExtent(b)
	if err != nil {
		t.Fatalf("TransformExtent: %v", err)
	}
	for _, corner := range []orb.Point{b.Min, b.Max, {5, 47}, {7, 45}} {
		pt, _ := p.TransformPoint(corner)
		if !out.Contains(pt) {
			t.Errorf("transformed extent %v does not contain corner %v", out, pt)
		}
	}
}

func TestPipelineTransformGeometryLeavesInput(t *testing.T) {
	p, err := NewPipeline(WGS84, WebMercator, Builtin())
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	ring := orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 0}}
	poly := orb.Polygon{ring}
	out, err := p.TransformGeometry(poly)
	if err != nil {
		t.Fatalf("TransformGeometry: %v", err)
	}
	if poly[0][1] != (orb.Point{1, 0}) {
		t.Errorf("input polygon was modified: %v", poly)
	}
	got := out.(orb.Polygon)[0][1]
	if math.Abs(got[0]-111319.49079327357) > 1e-6 {
		t.Errorf("transformed vertex = %v", got)
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	r.Register("EPSG:1", "EPSG:2", func(p orb.Point) orb.Point {
		return orb.Point{p[0] * 2, p[1] * 2}
	})
	p, err := NewPipeline("EPSG:1", "EPSG:2", r)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	got, _ := p.TransformPoint(orb.Point{1, 2})
	if got != (orb.Point{2, 4}) {
		t.Errorf("TransformPoint = %v, want (2,4)", got)
	}

	r.Register("EPSG:1", "EPSG:3", func(p orb.Point) orb.Point {
		return orb.Point{math.Inf(1), 0}
	})
	p, _ = NewPipeline("EPSG:1", "EPSG:3", r)
	if _, err := p.TransformPoint(orb.Point{0, 0}); !errors.Is(err, ErrNonFinite) {
		t.Errorf("expected ErrNonFinite, got %v", err)
	}
}
