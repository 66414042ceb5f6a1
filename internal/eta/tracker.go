// Package eta turns a live position stream and the ride's active route into
// a remaining-distance / ETA pair.
package eta

import (
	"errors"
	"math"
	"time"

	"jms/ride-tracking/internal/geo"
	"jms/ride-tracking/internal/route"
	"jms/ride-tracking/internal/speed"
)

var (
	ErrPermissionDenied  = errors.New("location permission denied")
	ErrStreamUnavailable = errors.New("position stream unavailable")
	ErrMalformedSample   = errors.New("malformed position sample")
	ErrNotTracking       = errors.New("tracker is not tracking")
)

type State int

const (
	Idle State = iota
	Tracking
)

func (s State) String() string {
	if s == Tracking {
		return "TRACKING"
	}
	return "IDLE"
}

type Sample struct {
	Position geo.Coordinate
	// Speed in m/s as reported by the device; nil when unknown.
	Speed   *float64
	Heading *float64
}

type Publisher interface {
	Publish(Result)
}

type PublisherFunc func(Result)

func (f PublisherFunc) Publish(r Result) { f(r) }

// Tracker is the per-session estimator. It owns its speed estimator and is
// not safe for concurrent use; callers serialize events.
type Tracker struct {
	rideID string
	pub    Publisher
	now    func() time.Time

	state     State
	route     *route.ActiveRoute
	speed     *speed.Estimator
	last      *geo.Coordinate
	result    Result
	published bool
	terminal  bool
}

func NewTracker(rideID string, pub Publisher) *Tracker {
	t := &Tracker{rideID: rideID, pub: pub, now: func() time.Time { return time.Now().UTC() }}
	t.result = sentinel(rideID, StatusIdle, t.now())
	return t
}

func (t *Tracker) State() State {
	return t.state
}

func (t *Tracker) Route() *route.ActiveRoute {
	return t.route
}

// Result is the last published value, or the idle sentinel.
func (t *Tracker) Result() Result {
	return t.result
}

// SetRoute applies the latest route selection. Routes are compared by
// pointer: a different route restarts the speed history and, if a position
// is known, republishes against the new geometry straight away.
func (t *Tracker) SetRoute(r *route.ActiveRoute) {
	if t.terminal {
		return
	}
	if r == nil {
		wasTracking := t.state == Tracking
		t.state = Idle
		t.route = nil
		t.speed = nil
		t.last = nil
		if wasTracking || !t.published {
			t.publish(sentinel(t.rideID, StatusIdle, t.now()))
		}
		return
	}
	if t.state == Idle {
		t.state = Tracking
		t.route = r
		t.speed = speed.NewEstimator()
		return
	}
	if r == t.route {
		return
	}
	t.route = r
	t.speed.Reset()
	if t.last != nil {
		t.publish(t.compute(*t.last, t.speed.Current()))
	}
}

// Update processes one position sample. Samples with unusable coordinates
// and samples that arrive while idle leave the tracker untouched.
func (t *Tracker) Update(s Sample) (Result, error) {
	if t.terminal || t.state != Tracking {
		return Result{}, ErrNotTracking
	}
	if !s.Position.Valid() {
		return Result{}, ErrMalformedSample
	}
	p := s.Position
	t.last = &p
	res := t.compute(p, t.speed.Update(s.Speed))
	t.publish(res)
	return res, nil
}

// Fail ends tracking with a terminal status.
func (t *Tracker) Fail(err error) {
	if t.terminal {
		return
	}
	status := StatusUnavailable
	if errors.Is(err, ErrPermissionDenied) {
		status = StatusPermissionDenied
	}
	t.terminal = true
	t.state = Idle
	t.route = nil
	t.speed = nil
	t.last = nil
	t.publish(sentinel(t.rideID, status, t.now()))
}

// Stop discards all session state without publishing.
func (t *Tracker) Stop() {
	t.state = Idle
	t.route = nil
	t.speed = nil
	t.last = nil
}

func (t *Tracker) compute(p geo.Coordinate, mps float64) Result {
	now := t.now()
	remaining, ok := RemainingDistance(p, t.route.Geometry)
	if !ok {
		return sentinel(t.rideID, StatusUnavailable, now)
	}
	etaSeconds := remaining / mps
	eta := time.Duration(etaSeconds * float64(time.Second))
	arrives := now.Add(eta)
	return Result{
		RideID:                  t.rideID,
		Status:                  StatusTracking,
		RemainingDistanceMeters: math.Round(remaining),
		ETAMilliseconds:         uint64(math.Round(etaSeconds * 1000)),
		ETAText:                 FormatETA(eta),
		SpeedMps:                mps,
		ArrivesAt:               &arrives,
		UpdatedAt:               now,
	}
}

func (t *Tracker) publish(r Result) {
	t.result = r
	t.published = true
	if t.pub != nil {
		t.pub.Publish(r)
	}
}

// RemainingDistance measures from p to the end of line: straight to the
// vertex after p's projection, then along every later segment.
func RemainingDistance(p geo.Coordinate, line geo.Polyline) (float64, bool) {
	n, ok := geo.NearestOnPolyline(p, line)
	if !ok {
		return 0, false
	}
	if len(line) == 1 {
		return geo.Distance(p, line[0]), true
	}
	next := n.SegmentIndex + 1
	remaining := geo.Distance(p, line[next]) + line.LengthFrom(next)
	return math.Max(0, remaining), true
}
