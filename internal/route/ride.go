package route

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/twpayne/go-polyline"

	"jms/ride-tracking/internal/geo"
)

type Status string

const (
	StatusSearching Status = "SEARCHING_FOR_RIDER"
	StatusAccepted  Status = "ACCEPTED"
	StatusArrived   Status = "ARRIVED"
	StatusStart     Status = "START"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further route can become active for the ride.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Ride is the ride snapshot carried by rideUpdate events. Durations are in
// seconds once the snapshot has passed through a Decoder.
type Ride struct {
	ID                string   `json:"_id"`
	Status            Status   `json:"status"`
	Rider             Rider    `json:"rider"`
	Routes            *Routes  `json:"routes,omitempty"`
	RouteGeometry     Geometry `json:"routeGeometry,omitempty"`
	Distance          *float64 `json:"distance,omitempty"`
	EstimatedDuration *float64 `json:"estimatedDuration,omitempty"`
}

type Routes struct {
	DriverToPickup *RouteData `json:"driverToPickup,omitempty"`
	Initial        *RouteData `json:"initial,omitempty"`
}

type RouteData struct {
	Geometry Geometry `json:"geometry"`
	Duration *float64 `json:"duration,omitempty"`
}

// Rider accepts either a populated object or a bare id string.
type Rider struct {
	ID string `json:"_id"`
}

func (r *Rider) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = Rider{}
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

// Geometry is a route polyline as delivered by the route provider. It decodes
// from a list of [lng, lat] pairs, a GeoJSON LineString (bare or wrapped in a
// Feature) or an encoded polyline string.
type Geometry geo.Polyline

func (g Geometry) Polyline() geo.Polyline {
	return geo.Polyline(g)
}

func (g Geometry) MarshalJSON() ([]byte, error) {
	pairs := make([][2]float64, 0, len(g))
	for _, c := range g {
		pairs = append(pairs, [2]float64{c.Longitude, c.Latitude})
	}
	return json.Marshal(pairs)
}

func (g *Geometry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*g = nil
		return nil
	}
	switch data[0] {
	case '[':
		return g.decodePairs(data)
	case '{':
		return g.decodeGeoJSON(data)
	case '"':
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		return g.decodeEncoded(encoded)
	default:
		return fmt.Errorf("route geometry: unsupported encoding %q", data[0])
	}
}

func (g *Geometry) decodePairs(data []byte) error {
	var pairs [][]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("route geometry: %w", err)
	}
	ls := make(orb.LineString, 0, len(pairs))
	for i, p := range pairs {
		if len(p) < 2 {
			return fmt.Errorf("route geometry: position %d has %d values", i, len(p))
		}
		ls = append(ls, orb.Point{p[0], p[1]})
	}
	*g = Geometry(geo.FromLineString(ls))
	return nil
}

func (g *Geometry) decodeGeoJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("route geometry: %w", err)
	}
	var og orb.Geometry
	if head.Type == "Feature" {
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return fmt.Errorf("route geometry: %w", err)
		}
		og = f.Geometry
	} else {
		gg, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return fmt.Errorf("route geometry: %w", err)
		}
		og = gg.Geometry()
	}
	if og == nil {
		*g = nil
		return nil
	}
	ls, ok := og.(orb.LineString)
	if !ok {
		return fmt.Errorf("route geometry: expected LineString, got %s", og.GeoJSONType())
	}
	*g = Geometry(geo.FromLineString(ls))
	return nil
}

func (g *Geometry) decodeEncoded(s string) error {
	if s == "" {
		*g = nil
		return nil
	}
	coords, _, err := polyline.DecodeCoords([]byte(s))
	if err != nil {
		return fmt.Errorf("route geometry: %w", err)
	}
	out := make(Geometry, 0, len(coords))
	for _, c := range coords {
		out = append(out, geo.Coordinate{Latitude: c[0], Longitude: c[1]})
	}
	*g = out
	return nil
}
