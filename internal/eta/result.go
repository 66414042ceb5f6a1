package eta

import (
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusTracking         Status = "tracking"
	StatusIdle             Status = "idle"
	StatusUnavailable      Status = "unavailable"
	StatusPermissionDenied Status = "permission_denied"
)

// Terminal statuses end the session's tracking until it is re-initialized.
func (s Status) Terminal() bool {
	return s == StatusUnavailable || s == StatusPermissionDenied
}

const unknownETAText = "--"

type Result struct {
	RideID                  string     `json:"ride_id"`
	Status                  Status     `json:"status"`
	RemainingDistanceMeters float64    `json:"remaining_distance_meters"`
	ETAMilliseconds         uint64     `json:"eta_ms"`
	ETAText                 string     `json:"eta_text"`
	SpeedMps                float64    `json:"speed_mps,omitempty"`
	ArrivesAt               *time.Time `json:"arrives_at,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// ETA returns the estimate as a duration.
func (r Result) ETA() time.Duration {
	return time.Duration(r.ETAMilliseconds) * time.Millisecond
}

func sentinel(rideID string, status Status, at time.Time) Result {
	return Result{RideID: rideID, Status: status, ETAText: unknownETAText, UpdatedAt: at}
}

// FormatETA renders a remaining time the way the rider UI shows it.
func FormatETA(d time.Duration) string {
	if d < time.Minute {
		return "< 1 min"
	}
	total := int(math.Round(d.Minutes()))
	if total < 60 {
		return fmt.Sprintf("%d min", total)
	}
	return fmt.Sprintf("%d h %02d min", total/60, total%60)
}
