package route

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DurationUnit string

const (
	Seconds DurationUnit = "seconds"
	Minutes DurationUnit = "minutes"
)

func ParseDurationUnit(s string) (DurationUnit, error) {
	switch DurationUnit(strings.ToLower(strings.TrimSpace(s))) {
	case "", Seconds:
		return Seconds, nil
	case Minutes:
		return Minutes, nil
	default:
		return "", fmt.Errorf("unknown route duration unit %q", s)
	}
}

// Decoder is the route-provider boundary: it parses ride snapshots and
// converts every duration field to seconds using the configured unit.
type Decoder struct {
	unit DurationUnit
}

func NewDecoder(unit DurationUnit) *Decoder {
	if unit == "" {
		unit = Seconds
	}
	return &Decoder{unit: unit}
}

func (d *Decoder) DecodeRide(data []byte) (*Ride, error) {
	var ride Ride
	if err := json.Unmarshal(data, &ride); err != nil {
		return nil, fmt.Errorf("decode ride: %w", err)
	}
	d.Normalize(&ride)
	return &ride, nil
}

// Normalize rewrites durations in place. Rides must be normalized exactly once.
func (d *Decoder) Normalize(ride *Ride) {
	if d.unit != Minutes {
		return
	}
	if ride.Routes != nil {
		for _, rd := range []*RouteData{ride.Routes.DriverToPickup, ride.Routes.Initial} {
			if rd != nil {
				rd.Duration = toSeconds(rd.Duration)
			}
		}
	}
	ride.EstimatedDuration = toSeconds(ride.EstimatedDuration)
}

func toSeconds(minutes *float64) *float64 {
	if minutes == nil {
		return nil
	}
	s := *minutes * 60
	return &s
}
