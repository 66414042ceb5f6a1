package tracking

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"jms/ride-tracking/internal/eta"
	"jms/ride-tracking/internal/livechannel"
	"jms/ride-tracking/internal/metrics"
	"jms/ride-tracking/internal/route"
	"jms/ride-tracking/internal/subscription"
)

const controlTimeout = 5 * time.Second

// Session tracks one ride. Events are handled one at a time in arrival
// order; the session lock is always taken before the subscription's.
type Session struct {
	rideID   string
	selector *route.Selector
	release  func(*Session)

	mu      sync.Mutex
	riderID string
	tracker *eta.Tracker
	sub     *subscription.Subscription
	closed  bool
}

func newSession(rideID, riderID string, ch livechannel.Channel, dec *route.Decoder, sel *route.Selector, pub eta.Publisher, release func(*Session)) *Session {
	s := &Session{
		rideID:   rideID,
		riderID:  riderID,
		selector: sel,
		release:  release,
		tracker:  eta.NewTracker(rideID, pub),
	}
	s.sub = subscription.New(ch, dec, s)
	return s
}

func (s *Session) RideID() string {
	return s.rideID
}

func (s *Session) RiderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riderID
}

func (s *Session) Result() eta.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Result()
}

func (s *Session) Route() *route.ActiveRoute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Route()
}

func (s *Session) State() eta.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.State()
}

// begin applies the initial snapshot, or just follows the ride when there
// is none. It reports whether the ride is already finished.
func (s *Session) begin(ctx context.Context, ride *route.Ride) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if ride != nil {
		return s.apply(ctx, ride)
	}
	s.tracker.SetRoute(nil)
	if err := s.sub.Track(ctx, s.rideID, ""); err != nil {
		s.fail(ctx, err)
	}
	return false
}

// retarget switches the followed rider. The feed is only live while a
// route is active.
func (s *Session) retarget(ctx context.Context, riderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || riderID == "" || riderID == s.riderID {
		return
	}
	slog.Info("retargeting ride session", "ride_id", s.rideID, "from", s.riderID, "to", riderID)
	s.riderID = riderID
	if s.tracker.Route() == nil || s.tracker.Result().Status.Terminal() {
		return
	}
	if err := s.sub.Track(ctx, s.rideID, riderID); err != nil {
		s.fail(ctx, err)
	}
}

func (s *Session) OnRide(ride *route.Ride) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	s.mu.Lock()
	done := !s.closed && s.apply(ctx, ride)
	s.mu.Unlock()
	if done && s.release != nil {
		s.release(s)
	}
}

func (s *Session) OnPosition(sample eta.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, err := s.tracker.Update(sample)
	switch {
	case err == nil:
		metrics.PositionsTotal.Inc()
	case errors.Is(err, eta.ErrMalformedSample):
		metrics.DroppedSamplesTotal.Inc()
		slog.Debug("dropping malformed position", "ride_id", s.rideID)
	default:
		slog.Debug("position ignored", "ride_id", s.rideID, "error", err)
	}
}

func (s *Session) OnError(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fail(ctx, err)
}

// apply must be called with mu held.
func (s *Session) apply(ctx context.Context, ride *route.Ride) bool {
	prev := s.tracker.Route()
	next := s.selector.Select(ride)
	s.tracker.SetRoute(next)
	if prev != nil && next != nil && prev != next {
		metrics.RouteChangesTotal.Inc()
		slog.Info("active route changed", "ride_id", s.rideID, "kind", next.Kind, "status", ride.Status)
	}
	if ride.Rider.ID != "" {
		s.riderID = ride.Rider.ID
	}
	if ride.Status.Terminal() {
		slog.Info("ride finished, ending session", "ride_id", s.rideID, "status", ride.Status)
		s.teardown(ctx)
		return true
	}
	if s.tracker.Result().Status.Terminal() {
		return false
	}
	rider := ""
	if next != nil {
		rider = s.riderID
	}
	if err := s.sub.Track(ctx, s.rideID, rider); err != nil {
		s.fail(ctx, err)
	}
	return false
}

// fail must be called with mu held.
func (s *Session) fail(ctx context.Context, err error) {
	if s.tracker.Result().Status.Terminal() {
		return
	}
	s.tracker.Fail(err)
	status := s.tracker.Result().Status
	metrics.StreamFailuresTotal.WithLabelValues(string(status)).Inc()
	slog.Warn("ride tracking failed", "ride_id", s.rideID, "status", status, "error", err)
	if e := s.sub.Track(ctx, s.rideID, ""); e != nil {
		slog.Warn("drop position feed failed", "ride_id", s.rideID, "error", e)
	}
}

func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown(ctx)
}

// teardown must be called with mu held.
func (s *Session) teardown(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	s.sub.Close(ctx)
	s.tracker.Stop()
}
