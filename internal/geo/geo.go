// Package geo holds the distance and projection primitives used to locate a
// position relative to a route polyline.
package geo

import (
	"math"

	"github.com/paulmach/orb"
)

const EarthRadiusMeters = 6371000.0

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// FromPoint converts an orb point ([lng, lat]) to a Coordinate.
func FromPoint(p orb.Point) Coordinate {
	return Coordinate{Latitude: p.Lat(), Longitude: p.Lon()}
}

func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// Valid reports whether both components are finite and within WGS-84 range.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) || math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Distance is the haversine great-circle distance in meters.
func Distance(a, b Coordinate) float64 {
	phi1 := a.Latitude * math.Pi / 180
	phi2 := b.Latitude * math.Pi / 180
	dphi := (b.Latitude - a.Latitude) * math.Pi / 180
	dl := (b.Longitude - a.Longitude) * math.Pi / 180
	h := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dl/2)*math.Sin(dl/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

type Projection struct {
	Point          Coordinate
	T              float64
	DistanceMeters float64
}

// ProjectOnSegment projects p onto the finite segment a->b. The projection is
// computed in a local equirectangular plane with its origin at a and longitude
// scaled by the cosine of the segment's mean latitude, so it is only accurate
// for segments of routing-polyline length.
func ProjectOnSegment(p, a, b Coordinate) Projection {
	meanLat := (a.Latitude + b.Latitude) / 2 * math.Pi / 180
	kx := math.Cos(meanLat) * EarthRadiusMeters * math.Pi / 180
	ky := EarthRadiusMeters * math.Pi / 180

	abx := (b.Longitude - a.Longitude) * kx
	aby := (b.Latitude - a.Latitude) * ky
	apx := (p.Longitude - a.Longitude) * kx
	apy := (p.Latitude - a.Latitude) * ky

	var t float64
	if ab2 := abx*abx + aby*aby; ab2 > 0 {
		t = (apx*abx + apy*aby) / ab2
	}
	t = math.Max(0, math.Min(1, t))

	proj := Coordinate{
		Latitude:  a.Latitude + t*(b.Latitude-a.Latitude),
		Longitude: a.Longitude + t*(b.Longitude-a.Longitude),
	}
	return Projection{Point: proj, T: t, DistanceMeters: Distance(p, proj)}
}
