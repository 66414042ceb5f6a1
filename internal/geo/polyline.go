package geo

import "github.com/paulmach/orb"

// Polyline is an ordered route geometry. Consecutive points are joined by
// straight segments for projection purposes.
type Polyline []Coordinate

// FromLineString converts GeoJSON-ordered ([lng, lat]) points.
func FromLineString(ls orb.LineString) Polyline {
	out := make(Polyline, 0, len(ls))
	for _, p := range ls {
		out = append(out, FromPoint(p))
	}
	return out
}

func (pl Polyline) LineString() orb.LineString {
	ls := make(orb.LineString, 0, len(pl))
	for _, c := range pl {
		ls = append(ls, c.Point())
	}
	return ls
}

// Length sums the haversine distance of every segment.
func (pl Polyline) Length() float64 {
	var total float64
	for i := 1; i < len(pl); i++ {
		total += Distance(pl[i-1], pl[i])
	}
	return total
}

// LengthFrom sums the segments from vertex i to the end of the line.
func (pl Polyline) LengthFrom(i int) float64 {
	if i < 0 {
		i = 0
	}
	var total float64
	for j := i + 1; j < len(pl); j++ {
		total += Distance(pl[j-1], pl[j])
	}
	return total
}

func (pl Polyline) Last() (Coordinate, bool) {
	if len(pl) == 0 {
		return Coordinate{}, false
	}
	return pl[len(pl)-1], true
}

type Nearest struct {
	SegmentIndex   int
	T              float64
	Point          Coordinate
	DistanceMeters float64
}

// NearestOnPolyline scans every segment and returns the closest projection of
// p. Ties go to the lowest segment index. A single-point line yields that
// point; an empty line yields ok == false.
func NearestOnPolyline(p Coordinate, pl Polyline) (Nearest, bool) {
	switch len(pl) {
	case 0:
		return Nearest{}, false
	case 1:
		return Nearest{SegmentIndex: 0, T: 0, Point: pl[0], DistanceMeters: Distance(p, pl[0])}, true
	}
	best := Nearest{SegmentIndex: -1}
	for i := 0; i < len(pl)-1; i++ {
		proj := ProjectOnSegment(p, pl[i], pl[i+1])
		if best.SegmentIndex < 0 || proj.DistanceMeters < best.DistanceMeters {
			best = Nearest{SegmentIndex: i, T: proj.T, Point: proj.Point, DistanceMeters: proj.DistanceMeters}
		}
	}
	return best, true
}
