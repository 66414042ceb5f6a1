package route

import "jms/ride-tracking/internal/geo"

type Kind string

const (
	KindDriverToPickup Kind = "driver_to_pickup"
	KindInitial        Kind = "initial"
	KindLegacy         Kind = "legacy"
)

// ActiveRoute is immutable once built; trackers compare routes by pointer.
type ActiveRoute struct {
	Kind                   Kind
	Geometry               geo.Polyline
	TotalDistanceMeters    float64
	NominalDurationSeconds float64
	// ReportedDistanceMeters is the provider's own distance for legacy routes.
	ReportedDistanceMeters float64
}

func newActiveRoute(kind Kind, g Geometry, durationSeconds *float64) *ActiveRoute {
	line := make(geo.Polyline, len(g))
	copy(line, g)
	r := &ActiveRoute{
		Kind:                kind,
		Geometry:            line,
		TotalDistanceMeters: line.Length(),
	}
	if durationSeconds != nil {
		r.NominalDurationSeconds = *durationSeconds
	}
	return r
}

// candidate applies the selection rules without building the route.
type candidate struct {
	Kind            Kind
	Geometry        Geometry
	DurationSeconds *float64
	Distance        *float64
}

func pick(ride *Ride) (candidate, bool) {
	if ride == nil || ride.Status.Terminal() {
		return candidate{}, false
	}
	if rs := ride.Routes; rs != nil {
		if ride.Status == StatusAccepted && rs.DriverToPickup != nil && len(rs.DriverToPickup.Geometry) > 0 {
			return candidate{Kind: KindDriverToPickup, Geometry: rs.DriverToPickup.Geometry, DurationSeconds: rs.DriverToPickup.Duration}, true
		}
		if rs.Initial != nil && len(rs.Initial.Geometry) > 0 {
			return candidate{Kind: KindInitial, Geometry: rs.Initial.Geometry, DurationSeconds: rs.Initial.Duration}, true
		}
	}
	if len(ride.RouteGeometry) > 0 {
		return candidate{Kind: KindLegacy, Geometry: ride.RouteGeometry, DurationSeconds: ride.EstimatedDuration, Distance: ride.Distance}, true
	}
	return candidate{}, false
}

func (c candidate) build() *ActiveRoute {
	r := newActiveRoute(c.Kind, c.Geometry, c.DurationSeconds)
	if c.Distance != nil {
		r.ReportedDistanceMeters = *c.Distance
	}
	return r
}

// Select picks the route relevant to the ride's current status:
//  1. ACCEPTED with a driver-to-pickup geometry
//  2. the initial geometry
//  3. the legacy flat routeGeometry/distance/estimatedDuration triple
//
// Finished rides and rides without geometry have no active route.
func Select(ride *Ride) *ActiveRoute {
	c, ok := pick(ride)
	if !ok {
		return nil
	}
	return c.build()
}
