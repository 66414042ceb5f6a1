// Package tracking manages one ETA session per tracked ride.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"jms/ride-tracking/internal/eta"
	"jms/ride-tracking/internal/livechannel"
	"jms/ride-tracking/internal/metrics"
	"jms/ride-tracking/internal/route"
	"jms/ride-tracking/internal/store"
)

var (
	ErrNoSession    = errors.New("ride is not tracked")
	ErrRideFinished = errors.New("ride is finished")
	ErrInvalidRide  = errors.New("ride id is required")
)

// RideLoader returns the last known ride snapshot.
type RideLoader interface {
	LoadRide(ctx context.Context, rideID string) ([]byte, error)
}

type Service struct {
	ch       livechannel.Channel
	decoder  *route.Decoder
	selector *route.Selector
	rides    RideLoader
	pub      eta.Publisher

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService wires sessions to ch. rides may be nil, in which case sessions
// wait for the first live ride update.
func NewService(ch livechannel.Channel, decoder *route.Decoder, selector *route.Selector, rides RideLoader, pub eta.Publisher) *Service {
	return &Service{
		ch:       ch,
		decoder:  decoder,
		selector: selector,
		rides:    rides,
		pub:      pub,
		sessions: make(map[string]*Session),
	}
}

// Start begins tracking rideID, or re-targets the existing session when
// riderID differs. A session that ended in a failure status is replaced.
func (s *Service) Start(ctx context.Context, rideID, riderID string) (*Session, error) {
	if rideID == "" {
		return nil, ErrInvalidRide
	}
	ctx, span := otel.Tracer("ride-tracking/tracking").Start(ctx, "tracking.Start")
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", rideID), attribute.String("rider.id", riderID))

	s.mu.Lock()
	existing, ok := s.sessions[rideID]
	if ok && !existing.Result().Status.Terminal() {
		s.mu.Unlock()
		existing.retarget(ctx, riderID)
		return existing, nil
	}
	sess := newSession(rideID, riderID, s.ch, s.decoder, s.selector, s.pub, s.remove)
	s.sessions[rideID] = sess
	if !ok {
		metrics.ActiveSessions.Inc()
	}
	s.mu.Unlock()
	if ok {
		existing.close(ctx)
	}

	ride, err := s.initial(ctx, rideID)
	if err != nil {
		span.RecordError(err)
		slog.Warn("initial ride snapshot unavailable", "ride_id", rideID, "error", err)
	}
	if sess.begin(ctx, ride) {
		s.remove(sess)
		return nil, fmt.Errorf("start %s: %w", rideID, ErrRideFinished)
	}
	slog.Info("ride tracking started", "ride_id", rideID, "rider_id", sess.RiderID())
	return sess, nil
}

func (s *Service) initial(ctx context.Context, rideID string) (*route.Ride, error) {
	if s.rides == nil {
		return nil, nil
	}
	raw, err := s.rides.LoadRide(ctx, rideID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ride, err := s.decoder.DecodeRide(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored ride %s: %w", rideID, err)
	}
	if ride.ID != rideID {
		return nil, fmt.Errorf("stored ride %s has id %q", rideID, ride.ID)
	}
	return ride, nil
}

func (s *Service) Stop(ctx context.Context, rideID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[rideID]
	if ok {
		delete(s.sessions, rideID)
		metrics.ActiveSessions.Dec()
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	sess.close(ctx)
	s.forget(rideID)
	slog.Info("ride tracking stopped", "ride_id", rideID)
	return nil
}

func (s *Service) Session(rideID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[rideID]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *Service) Result(rideID string) (eta.Result, error) {
	sess, err := s.Session(rideID)
	if err != nil {
		return eta.Result{}, err
	}
	return sess.Result(), nil
}

// Route returns the active route, which is nil while the ride has none.
func (s *Service) Route(rideID string) (*route.ActiveRoute, error) {
	sess, err := s.Session(rideID)
	if err != nil {
		return nil, err
	}
	return sess.Route(), nil
}

func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops every session.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Sub(float64(len(sessions)))
	s.mu.Unlock()
	for id, sess := range sessions {
		sess.close(ctx)
		s.forget(id)
	}
}

func (s *Service) remove(sess *Session) {
	s.mu.Lock()
	cur, ok := s.sessions[sess.rideID]
	removed := ok && cur == sess
	if removed {
		delete(s.sessions, sess.rideID)
		metrics.ActiveSessions.Dec()
	}
	s.mu.Unlock()
	if removed {
		s.forget(sess.rideID)
	}
}

func (s *Service) forget(rideID string) {
	if f, ok := s.pub.(interface{ Forget(string) }); ok {
		f.Forget(rideID)
	}
}
