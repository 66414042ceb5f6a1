// Package subscription keeps the live-channel subscriptions of one tracked
// ride/rider pair and forwards decoded events to a sink.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tidwall/gjson"

	"jms/ride-tracking/internal/eta"
	"jms/ride-tracking/internal/geo"
	"jms/ride-tracking/internal/livechannel"
	"jms/ride-tracking/internal/route"
)

var ErrClosed = errors.New("subscription closed")

// PermissionDeniedReason in a streamError payload marks a revoked location
// permission on the driver's device.
const PermissionDeniedReason = "permission_denied"

type Sink interface {
	OnRide(ride *route.Ride)
	OnPosition(s eta.Sample)
	OnError(err error)
}

type Subscription struct {
	ch      livechannel.Channel
	decoder *route.Decoder
	sink    Sink

	mu      sync.Mutex
	rideID  string
	riderID string
	rideTok livechannel.Token
	locTok  livechannel.Token
	errTok  livechannel.Token
	closed  bool
}

func New(ch livechannel.Channel, decoder *route.Decoder, sink Sink) *Subscription {
	return &Subscription{ch: ch, decoder: decoder, sink: sink}
}

func (s *Subscription) RideID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rideID
}

func (s *Subscription) RiderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riderID
}

// Track points the subscription at a ride and rider. A changed id is fully
// unsubscribed before its replacement is subscribed; an empty riderID drops
// the position feed. Failed control events are returned wrapping
// eta.ErrStreamUnavailable; the handlers stay registered either way.
func (s *Subscription) Track(ctx context.Context, rideID, riderID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var errs []error
	if rideID != s.rideID {
		errs = append(errs, s.switchRide(ctx, rideID))
	}
	if riderID != s.riderID {
		errs = append(errs, s.switchRider(ctx, riderID))
	}
	if s.errTok == 0 && (s.rideID != "" || s.riderID != "") {
		s.errTok = s.ch.Subscribe(livechannel.EventStreamError, s.handleStreamError)
	}
	s.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", eta.ErrStreamUnavailable, err)
	}
	return nil
}

// Close removes every handler and emits the matching unsubscribe events.
func (s *Subscription) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.switchRide(ctx, ""); err != nil {
		slog.Warn("unsubscribe ride failed", "error", err)
	}
	if err := s.switchRider(ctx, ""); err != nil {
		slog.Warn("unsubscribe rider location failed", "error", err)
	}
	if s.errTok != 0 {
		s.ch.Unsubscribe(s.errTok)
		s.errTok = 0
	}
}

func (s *Subscription) switchRide(ctx context.Context, rideID string) error {
	var err error
	if s.rideID != "" {
		s.ch.Unsubscribe(s.rideTok)
		s.rideTok = 0
		if e := s.ch.Publish(ctx, livechannel.EventUnsubscribeRide, livechannel.ControlPayload{ID: s.rideID}); e != nil {
			err = fmt.Errorf("unsubscribe ride %s: %w", s.rideID, e)
		}
	}
	s.rideID = rideID
	if rideID == "" {
		return err
	}
	s.rideTok = s.ch.Subscribe(livechannel.EventRideUpdate, s.handleRide)
	if e := s.ch.Publish(ctx, livechannel.EventSubscribeRide, livechannel.ControlPayload{ID: rideID}); e != nil {
		err = errors.Join(err, fmt.Errorf("subscribe ride %s: %w", rideID, e))
	}
	return err
}

func (s *Subscription) switchRider(ctx context.Context, riderID string) error {
	var err error
	if s.riderID != "" {
		s.ch.Unsubscribe(s.locTok)
		s.locTok = 0
		if e := s.ch.Publish(ctx, livechannel.EventUnsubscribeRiderLocation, livechannel.ControlPayload{ID: s.riderID}); e != nil {
			err = fmt.Errorf("unsubscribe rider %s: %w", s.riderID, e)
		}
	}
	s.riderID = riderID
	if riderID == "" {
		return err
	}
	s.locTok = s.ch.Subscribe(livechannel.EventRiderLocationUpdate, s.handleLocation)
	if e := s.ch.Publish(ctx, livechannel.EventSubscribeRiderLocation, livechannel.ControlPayload{ID: riderID}); e != nil {
		err = errors.Join(err, fmt.Errorf("subscribe rider %s: %w", riderID, e))
	}
	return err
}

func (s *Subscription) handleRide(payload json.RawMessage) {
	if gjson.GetBytes(payload, "ride._id").String() != s.RideID() {
		return
	}
	var upd livechannel.RideUpdate
	if err := json.Unmarshal(payload, &upd); err != nil || len(upd.Ride) == 0 {
		slog.Warn("dropping malformed ride update", "error", err)
		return
	}
	ride, err := s.decoder.DecodeRide(upd.Ride)
	if err != nil {
		slog.Warn("dropping malformed ride update", "error", err)
		return
	}
	s.sink.OnRide(ride)
}

// handleLocation accepts payloads without riderId: the feed is scoped to the
// subscribed rider by the transport.
func (s *Subscription) handleLocation(payload json.RawMessage) {
	var upd livechannel.RiderLocationUpdate
	if err := json.Unmarshal(payload, &upd); err != nil {
		slog.Debug("dropping malformed location update", "error", err)
		return
	}
	riderID := s.RiderID()
	if riderID == "" || (upd.RiderID != "" && upd.RiderID != riderID) {
		return
	}
	s.sink.OnPosition(eta.Sample{
		Position: geo.Coordinate{Latitude: orNaN(upd.Coords.Latitude), Longitude: orNaN(upd.Coords.Longitude)},
		Speed:    upd.Coords.Speed,
		Heading:  upd.Coords.Heading,
	})
}

func (s *Subscription) handleStreamError(payload json.RawMessage) {
	var se livechannel.StreamError
	if err := json.Unmarshal(payload, &se); err != nil {
		slog.Warn("malformed stream error", "error", err)
		return
	}
	s.mu.Lock()
	var id string
	switch se.Event {
	case livechannel.EventRideUpdate:
		id = s.rideID
	case livechannel.EventRiderLocationUpdate:
		id = s.riderID
	}
	s.mu.Unlock()
	if id == "" || (se.ID != "" && se.ID != id) {
		return
	}
	if se.Reason == PermissionDeniedReason {
		s.sink.OnError(eta.ErrPermissionDenied)
		return
	}
	s.sink.OnError(fmt.Errorf("%w: %s", eta.ErrStreamUnavailable, se.Reason))
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}
