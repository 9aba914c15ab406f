package qmesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/paulmach/orb"
)

// WGS84 ellipsoid radii in metres.
var wgs84Radii = mgl64.Vec3{6378137.0, 6378137.0, 6356752.3142451793}

// Cartesian converts geodetic longitude and latitude in degrees and a height in
// metres above the ellipsoid into Earth-centred, Earth-fixed coordinates.
func Cartesian(lon, lat, height float64) mgl64.Vec3 {
	lambda := lon * math.Pi / 180
	phi := lat * math.Pi / 180
	cosPhi := math.Cos(phi)

	n := mgl64.Vec3{cosPhi * math.Cos(lambda), cosPhi * math.Sin(lambda), math.Sin(phi)}.Normalize()
	radiiSq := mgl64.Vec3{wgs84Radii[0] * wgs84Radii[0], wgs84Radii[1] * wgs84Radii[1], wgs84Radii[2] * wgs84Radii[2]}
	k := mgl64.Vec3{radiiSq[0] * n[0], radiiSq[1] * n[1], radiiSq[2] * n[2]}
	gamma := math.Sqrt(n.Dot(k))
	return k.Mul(1 / gamma).Add(n.Mul(height))
}

// NewHeader computes the header of a tile covering the geographic extent ext with
// heights between minHeight and maxHeight.
func NewHeader(ext orb.Bound, minHeight, maxHeight float64) Header {
	var samples []mgl64.Vec3
	for _, h := range []float64{minHeight, maxHeight} {
		for i := 0; i <= 2; i++ {
			for j := 0; j <= 2; j++ {
				lon := ext.Min[0] + (ext.Max[0]-ext.Min[0])*float64(i)/2
				lat := ext.Min[1] + (ext.Max[1]-ext.Min[1])*float64(j)/2
				samples = append(samples, Cartesian(lon, lat, h))
			}
		}
	}

	c := ext.Center()
	center := Cartesian(c[0], c[1], (minHeight+maxHeight)/2)
	radius := 0.0
	for _, p := range samples {
		radius = math.Max(radius, p.Sub(center).Len())
	}
	horizon := horizonOcclusionPoint(center, samples)

	return Header{
		CenterX:                center[0],
		CenterY:                center[1],
		CenterZ:                center[2],
		MinimumHeight:          float32(minHeight),
		MaximumHeight:          float32(maxHeight),
		BoundingSphereCenterX:  center[0],
		BoundingSphereCenterY:  center[1],
		BoundingSphereCenterZ:  center[2],
		BoundingSphereRadius:   radius,
		HorizonOcclusionPointX: horizon[0],
		HorizonOcclusionPointY: horizon[1],
		HorizonOcclusionPointZ: horizon[2],
	}
}

// horizonOcclusionPoint returns the point, in the ellipsoid-scaled frame and along
// the direction of center, from which every sample is below the horizon.
func horizonOcclusionPoint(center mgl64.Vec3, samples []mgl64.Vec3) mgl64.Vec3 {
	dir := scaleDown(center).Normalize()
	maxMagnitude := 0.0
	for _, p := range samples {
		sp := scaleDown(p)
		magSq := sp.Dot(sp)
		mag := math.Sqrt(magSq)
		pd := sp.Mul(1 / mag)

		magSq = math.Max(1, magSq)
		mag = math.Max(1, mag)

		cosAlpha := pd.Dot(dir)
		sinAlpha := pd.Cross(dir).Len()
		cosBeta := 1 / mag
		sinBeta := math.Sqrt(magSq-1) * cosBeta
		denom := cosAlpha*cosBeta - sinAlpha*sinBeta
		if denom <= 0 {
			continue
		}
		maxMagnitude = math.Max(maxMagnitude, 1/denom)
	}
	return dir.Mul(maxMagnitude)
}

func scaleDown(p mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{p[0] / wgs84Radii[0], p[1] / wgs84Radii[1], p[2] / wgs84Radii[2]}
}
