package geometry

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"
)

// Line is a preprocessed track polyline. CumulativeDistances[i] is the
// distance in meters from the first vertex to vertex i; SegmentBearings[i] is
// the bearing of the segment from vertex i to vertex i+1.
type Line struct {
	ID                  string
	Coordinates         []orb.Point
	CumulativeDistances []float64
	SegmentBearings     []float64
	TotalLength         float64

	segments rtree.RTreeG[int]
}

// SnapResult is a raw point projected onto a Line.
type SnapResult struct {
	LineID        string
	Point         orb.Point
	Bearing       float64 // bearing of the segment at the snap point
	Distance      float64 // meters along the line from its first vertex
	Perpendicular float64 // meters from the raw point to Point
	Segment       int
}

// PreprocessLine builds a Line from raw [lng, lat] vertices. Non-finite and
// consecutive duplicate vertices are dropped; it fails when fewer than two
// usable vertices remain.
func PreprocessLine(id string, vertices []orb.Point) (*Line, bool) {
	coords := make([]orb.Point, 0, len(vertices))
	for _, v := range vertices {
		if !ValidCoordinate(v.Lat(), v.Lon()) {
			continue
		}
		if n := len(coords); n > 0 && coords[n-1] == v {
			continue
		}
		coords = append(coords, v)
	}
	if len(coords) < 2 {
		return nil, false
	}

	line := &Line{
		ID:                  id,
		Coordinates:         coords,
		CumulativeDistances: make([]float64, len(coords)),
		SegmentBearings:     make([]float64, len(coords)-1),
	}
	for i := 1; i < len(coords); i++ {
		a, b := coords[i-1], coords[i]
		line.CumulativeDistances[i] = line.CumulativeDistances[i-1] + Distance(a, b)
		line.SegmentBearings[i-1] = BearingBetween(a, b)
		line.segments.Insert(
			[2]float64{math.Min(a[0], b[0]), math.Min(a[1], b[1])},
			[2]float64{math.Max(a[0], b[0]), math.Max(a[1], b[1])},
			i-1,
		)
	}
	line.TotalLength = line.CumulativeDistances[len(coords)-1]
	return line, true
}

// SegmentCount returns the number of segments in the line.
func (l *Line) SegmentCount() int {
	return len(l.Coordinates) - 1
}

// Snap projects p onto the closest segment of line. Ties go to the lowest
// segment index. It returns false when the closest projection is farther
// than maxDistance meters.
func Snap(p orb.Point, line *Line, maxDistance float64) (SnapResult, bool) {
	if line == nil || line.SegmentCount() < 1 {
		return SnapResult{}, false
	}
	if maxDistance <= 0 {
		maxDistance = DefaultMaxSnapDistance
	}

	best := SnapResult{Perpendicular: math.Inf(1)}
	for _, i := range line.candidates(p, maxDistance) {
		a, b := line.Coordinates[i], line.Coordinates[i+1]
		t := projectionFactor(p, a, b)
		proj := orb.Point{a[0] + (b[0]-a[0])*t, a[1] + (b[1]-a[1])*t}
		d := Distance(p, proj)
		if d < best.Perpendicular {
			segLen := line.CumulativeDistances[i+1] - line.CumulativeDistances[i]
			best = SnapResult{
				LineID:        line.ID,
				Point:         proj,
				Bearing:       line.SegmentBearings[i],
				Distance:      line.CumulativeDistances[i] + t*segLen,
				Perpendicular: d,
				Segment:       i,
			}
		}
	}

	if math.IsInf(best.Perpendicular, 1) || best.Perpendicular > maxDistance {
		return SnapResult{}, false
	}
	return best, true
}

// candidates returns the segment indexes whose bounding boxes intersect a box
// of radius meters around p, in ascending order. Very large radii scan every
// segment.
func (l *Line) candidates(p orb.Point, radius float64) []int {
	if radius >= 50_000 {
		all := make([]int, l.SegmentCount())
		for i := range all {
			all[i] = i
		}
		return all
	}

	// 10% margin covers the gap between the haversine radius and the
	// equirectangular box.
	dLat := radius * 1.1 / MetersPerDegree
	cosLat := math.Max(math.Cos(p.Lat()*math.Pi/180), 1e-6)
	dLng := dLat / cosLat

	var idx []int
	l.segments.Search(
		[2]float64{p[0] - dLng, p[1] - dLat},
		[2]float64{p[0] + dLng, p[1] + dLat},
		func(_, _ [2]float64, seg int) bool {
			idx = append(idx, seg)
			return true
		},
	)
	sort.Ints(idx)
	return idx
}

// projectionFactor returns the clamped parameter t of the projection of p onto
// segment a→b, computed in a local equirectangular frame so longitude is
// scaled by cos(lat).
func projectionFactor(p, a, b orb.Point) float64 {
	cosLat := math.Cos(a.Lat() * math.Pi / 180)
	vx := (b[0] - a[0]) * cosLat
	vy := b[1] - a[1]
	wx := (p[0] - a[0]) * cosLat
	wy := p[1] - a[1]

	denom := vx*vx + vy*vy
	if denom == 0 {
		return 0
	}
	return Clamp((wx*vx+wy*vy)/denom, 0, 1)
}

// Sample returns the point and segment bearing at distance meters along the
// line. distance is clamped to [0, TotalLength].
func Sample(line *Line, distance float64) (orb.Point, float64) {
	distance = Clamp(distance, 0, line.TotalLength)
	cum := line.CumulativeDistances

	// First vertex at or beyond distance; the segment ends there.
	j := sort.SearchFloat64s(cum, distance)
	i := j - 1
	if i < 0 {
		i = 0
	}
	if i > line.SegmentCount()-1 {
		i = line.SegmentCount() - 1
	}

	segLen := cum[i+1] - cum[i]
	t := 0.0
	if segLen > 0 {
		t = (distance - cum[i]) / segLen
	}
	return InterpolateLinear(line.Coordinates[i], line.Coordinates[i+1], t), line.SegmentBearings[i]
}
