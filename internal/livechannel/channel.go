// Package livechannel is the port between the tracking core and whatever
// pub/sub transport delivers ride and location events.
package livechannel

import (
	"context"
	"encoding/json"
)

// Inbound events.
const (
	EventRideUpdate          = "rideUpdate"
	EventRiderLocationUpdate = "riderLocationUpdate"
	// EventStreamError is raised by a transport when its feed breaks.
	EventStreamError = "streamError"
)

// Control events emitted by subscribers.
const (
	EventSubscribeRide            = "subscribeRide"
	EventUnsubscribeRide          = "unsubscribeRide"
	EventSubscribeRiderLocation   = "subscribeToRiderLocation"
	EventUnsubscribeRiderLocation = "unsubscribeToRiderLocation"
)

type Handler func(payload json.RawMessage)

// Token identifies one registration; the zero Token is never issued.
type Token uint64

type Channel interface {
	Subscribe(event string, h Handler) Token
	Unsubscribe(tok Token)
	Publish(ctx context.Context, event string, payload any) error
}

// RideUpdate is the rideUpdate payload. Ride is left raw so the route
// decoder at the boundary owns unit normalization.
type RideUpdate struct {
	Ride json.RawMessage `json:"ride"`
}

type RiderLocationUpdate struct {
	RiderID string `json:"riderId"`
	Coords  Coords `json:"coords"`
}

// Coords fields are pointers so a missing value can be told apart from zero.
type Coords struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// StreamError reports a broken feed. ID narrows it to one ride or rider;
// empty means every subscriber of Event.
type StreamError struct {
	Event  string `json:"event"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// ControlPayload carries the id for the four control events.
type ControlPayload struct {
	ID string `json:"id"`
}
