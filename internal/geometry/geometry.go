package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// MetersPerDegree is the length of one degree of latitude on the sphere used by
// Distance. Along a meridian Distance(a, b) == |Δlat| * MetersPerDegree.
const MetersPerDegree = orb.EarthRadius * math.Pi / 180

// DefaultMaxSnapDistance is the search radius used when snapping a raw GPS fix
// onto a line.
const DefaultMaxSnapDistance = 200.0

// Distance returns the great-circle distance between two [lng, lat] points in meters.
func Distance(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b)
}

// Bearing calculates the initial great-circle bearing from point 1 to point 2
// in degrees [0, 360), 0 = north. Identical points return 0.
func Bearing(lat1, lng1, lat2, lng2 float64) float64 {
	if lat1 == lat2 && lng1 == lng2 {
		return 0
	}
	return NormalizeBearing(geo.Bearing(orb.Point{lng1, lat1}, orb.Point{lng2, lat2}))
}

// BearingBetween is Bearing for [lng, lat] points.
func BearingBetween(from, to orb.Point) float64 {
	return Bearing(from.Lat(), from.Lon(), to.Lat(), to.Lon())
}

// NormalizeBearing maps any angle in degrees into [0, 360).
func NormalizeBearing(b float64) float64 {
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	if b >= 360 {
		b = 0
	}
	return b
}

// ReverseBearing returns the opposite heading.
func ReverseBearing(b float64) float64 {
	return NormalizeBearing(b + 180)
}

// Clamp constrains a value between min and max
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// InterpolateLinear blends a and b component-wise. t is clamped to [0, 1].
func InterpolateLinear(a, b orb.Point, t float64) orb.Point {
	t = Clamp(t, 0, 1)
	return orb.Point{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
	}
}

// EaseInOutCubic is the symmetric cubic ease: slow start, fast middle, slow end.
func EaseInOutCubic(t float64) float64 {
	t = Clamp(t, 0, 1)
	if t < 0.5 {
		return 4 * t * t * t
	}
	f := -2*t + 2
	return 1 - f*f*f/2
}

// InterpolateSmooth applies EaseInOutCubic to t before the linear blend.
func InterpolateSmooth(a, b orb.Point, t float64) orb.Point {
	return InterpolateLinear(a, b, EaseInOutCubic(t))
}

// OffsetAlongBearing moves p by meters along bearing using a flat-earth
// approximation. Good to well under a meter for offsets of a few hundred meters.
func OffsetAlongBearing(p orb.Point, bearing, meters float64) orb.Point {
	if meters == 0 {
		return p
	}
	rad := bearing * math.Pi / 180
	dNorth := meters * math.Cos(rad)
	dEast := meters * math.Sin(rad)
	cosLat := math.Cos(p.Lat() * math.Pi / 180)
	if math.Abs(cosLat) < 1e-12 {
		cosLat = 1e-12
	}
	return orb.Point{
		p.Lon() + dEast/(MetersPerDegree*cosLat),
		p.Lat() + dNorth/MetersPerDegree,
	}
}

// ValidCoordinate reports whether lat/lng are finite, inside WGS84 bounds and
// not the (0,0) placeholder some feeds emit for missing fixes.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return false
	}
	return !(lat == 0 && lng == 0)
}
