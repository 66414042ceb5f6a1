package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"jms/ride-tracking/internal/eta"
	"jms/ride-tracking/internal/livechannel"
	"jms/ride-tracking/internal/route"
)

type fakeSink struct {
	rides     []*route.Ride
	positions []eta.Sample
	errs      []error
}

func (f *fakeSink) OnRide(r *route.Ride) { f.rides = append(f.rides, r) }
func (f *fakeSink) OnPosition(s eta.Sample) { f.positions = append(f.positions, s) }
func (f *fakeSink) OnError(err error) { f.errs = append(f.errs, err) }

type controlLog struct {
	events []string
}

func watchControl(bus *livechannel.Bus) *controlLog {
	l := &controlLog{}
	for _, ev := range []string{
		livechannel.EventSubscribeRide,
		livechannel.EventUnsubscribeRide,
		livechannel.EventSubscribeRiderLocation,
		livechannel.EventUnsubscribeRiderLocation,
	} {
		ev := ev
		bus.Subscribe(ev, func(p json.RawMessage) {
			var c livechannel.ControlPayload
			_ = json.Unmarshal(p, &c)
			l.events = append(l.events, ev+":"+c.ID)
		})
	}
	return l
}

func publish(t *testing.T, bus *livechannel.Bus, event, payload string) {
	t.Helper()
	if err := bus.Publish(context.Background(), event, json.RawMessage(payload)); err != nil {
		t.Fatal(err)
	}
}

func TestTrackSubscribesAndForwards(t *testing.T) {
	bus := livechannel.NewBus()
	log := watchControl(bus)
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	if err := sub.Track(context.Background(), "ride-1", "rider-1"); err != nil {
		t.Fatal(err)
	}
	if len(log.events) != 2 || log.events[0] != "subscribeRide:ride-1" || log.events[1] != "subscribeToRiderLocation:rider-1" {
		t.Fatalf("unexpected control events %v", log.events)
	}

	publish(t, bus, livechannel.EventRideUpdate, `{"ride":{"_id":"ride-1","status":"START","routeGeometry":[[0,0],[0,0.01]]}}`)
	publish(t, bus, livechannel.EventRideUpdate, `{"ride":{"_id":"ride-2","status":"START"}}`)
	if len(sink.rides) != 1 || sink.rides[0].ID != "ride-1" {
		t.Fatalf("expected only ride-1 forwarded, got %d", len(sink.rides))
	}

	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"riderId":"rider-1","coords":{"latitude":0.001,"longitude":0.002,"heading":90,"speed":7}}`)
	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"riderId":"rider-2","coords":{"latitude":1,"longitude":1}}`)
	if len(sink.positions) != 1 {
		t.Fatalf("expected one position, got %d", len(sink.positions))
	}
	p := sink.positions[0]
	if p.Position.Latitude != 0.001 || p.Position.Longitude != 0.002 || *p.Speed != 7 || *p.Heading != 90 {
		t.Fatalf("unexpected sample %+v", p)
	}
}

func TestMissingCoordinatesForwardedAsInvalid(t *testing.T) {
	bus := livechannel.NewBus()
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	_ = sub.Track(context.Background(), "ride-1", "rider-1")
	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"riderId":"rider-1","coords":{"longitude":2}}`)
	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"riderId":"rider-1","coords":{"latitude":"north","longitude":2}}`)
	if len(sink.positions) != 1 {
		t.Fatalf("expected one forwarded sample, got %d", len(sink.positions))
	}
	if !math.IsNaN(sink.positions[0].Position.Latitude) || sink.positions[0].Position.Valid() {
		t.Fatalf("missing latitude must be invalid")
	}
}

func TestRetrackUnsubscribesPreviousFirst(t *testing.T) {
	bus := livechannel.NewBus()
	log := watchControl(bus)
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	_ = sub.Track(context.Background(), "ride-1", "rider-1")
	log.events = nil

	if err := sub.Track(context.Background(), "ride-1", "rider-2"); err != nil {
		t.Fatal(err)
	}
	if len(log.events) != 2 || log.events[0] != "unsubscribeToRiderLocation:rider-1" || log.events[1] != "subscribeToRiderLocation:rider-2" {
		t.Fatalf("unexpected control events %v", log.events)
	}
	if bus.Handlers(livechannel.EventRiderLocationUpdate) != 1 {
		t.Fatalf("expected exactly one location handler, got %d", bus.Handlers(livechannel.EventRiderLocationUpdate))
	}
	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"riderId":"rider-1","coords":{"latitude":1,"longitude":1}}`)
	if len(sink.positions) != 0 {
		t.Fatalf("old rider must no longer be forwarded")
	}

	log.events = nil
	_ = sub.Track(context.Background(), "ride-2", "")
	want := []string{"unsubscribeRide:ride-1", "subscribeRide:ride-2", "unsubscribeToRiderLocation:rider-2"}
	if len(log.events) != len(want) {
		t.Fatalf("unexpected control events %v", log.events)
	}
	for i := range want {
		if log.events[i] != want[i] {
			t.Fatalf("unexpected control events %v", log.events)
		}
	}
	if bus.Handlers(livechannel.EventRiderLocationUpdate) != 0 || bus.Handlers(livechannel.EventRideUpdate) != 1 {
		t.Fatalf("dangling handlers after retrack")
	}
}

func TestCloseRemovesEverything(t *testing.T) {
	bus := livechannel.NewBus()
	log := watchControl(bus)
	sub := New(bus, route.NewDecoder(route.Seconds), &fakeSink{})
	_ = sub.Track(context.Background(), "ride-1", "rider-1")
	log.events = nil
	sub.Close(context.Background())
	sub.Close(context.Background())
	if len(log.events) != 2 {
		t.Fatalf("expected two unsubscribe events, got %v", log.events)
	}
	for _, ev := range []string{livechannel.EventRideUpdate, livechannel.EventRiderLocationUpdate, livechannel.EventStreamError} {
		if bus.Handlers(ev) != 0 {
			t.Fatalf("dangling %s handler", ev)
		}
	}
	if err := sub.Track(context.Background(), "ride-3", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStreamErrors(t *testing.T) {
	bus := livechannel.NewBus()
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	_ = sub.Track(context.Background(), "ride-1", "rider-1")
	publish(t, bus, livechannel.EventStreamError, `{"event":"riderLocationUpdate","reason":"permission_denied"}`)
	publish(t, bus, livechannel.EventStreamError, `{"event":"rideUpdate","reason":"reader closed"}`)
	if len(sink.errs) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(sink.errs))
	}
	if !errors.Is(sink.errs[0], eta.ErrPermissionDenied) || !errors.Is(sink.errs[1], eta.ErrStreamUnavailable) {
		t.Fatalf("unexpected errors %v", sink.errs)
	}

	_ = sub.Track(context.Background(), "ride-1", "")
	publish(t, bus, livechannel.EventStreamError, `{"event":"riderLocationUpdate","reason":"gone"}`)
	if len(sink.errs) != 2 {
		t.Fatalf("untracked stream errors must be ignored")
	}
}

type failingChannel struct {
	*livechannel.Bus
}

func (f failingChannel) Publish(ctx context.Context, event string, payload any) error {
	return errors.New("broker down")
}

func TestTrackReportsControlFailure(t *testing.T) {
	sub := New(failingChannel{livechannel.NewBus()}, route.NewDecoder(route.Seconds), &fakeSink{})
	err := sub.Track(context.Background(), "ride-1", "rider-1")
	if !errors.Is(err, eta.ErrStreamUnavailable) {
		t.Fatalf("expected ErrStreamUnavailable, got %v", err)
	}
	if sub.RideID() != "ride-1" || sub.RiderID() != "rider-1" {
		t.Fatalf("ids must be recorded even when control events fail")
	}
}

func TestLocationWithoutRiderIDIsForwarded(t *testing.T) {
	bus := livechannel.NewBus()
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	if err := sub.Track(context.Background(), "ride-1", "rider-1"); err != nil {
		t.Fatal(err)
	}
	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"coords":{"latitude":0.001,"longitude":0.002,"heading":90}}`)
	if len(sink.positions) != 1 {
		t.Fatalf("expected the position forwarded, got %d", len(sink.positions))
	}
	if p := sink.positions[0]; p.Position.Latitude != 0.001 || *p.Heading != 90 || p.Speed != nil {
		t.Fatalf("unexpected sample %+v", p)
	}

	// no rider followed: nothing to attribute it to
	_ = sub.Track(context.Background(), "ride-1", "")
	publish(t, bus, livechannel.EventRiderLocationUpdate, `{"coords":{"latitude":0.001,"longitude":0.002}}`)
	if len(sink.positions) != 1 {
		t.Fatalf("position forwarded without a rider")
	}
}

func TestStreamErrorScopedToID(t *testing.T) {
	bus := livechannel.NewBus()
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	_ = sub.Track(context.Background(), "ride-1", "rider-1")
	publish(t, bus, livechannel.EventStreamError, `{"event":"riderLocationUpdate","id":"rider-2","reason":"write failed"}`)
	if len(sink.errs) != 0 {
		t.Fatalf("error for another rider was applied: %v", sink.errs)
	}
	publish(t, bus, livechannel.EventStreamError, `{"event":"riderLocationUpdate","id":"rider-1","reason":"write failed"}`)
	if len(sink.errs) != 1 || !errors.Is(sink.errs[0], eta.ErrStreamUnavailable) {
		t.Fatalf("unexpected errors %v", sink.errs)
	}
}

func TestRideUpdateForOtherRideIsNotDecoded(t *testing.T) {
	bus := livechannel.NewBus()
	sink := &fakeSink{}
	sub := New(bus, route.NewDecoder(route.Seconds), sink)
	_ = sub.Track(context.Background(), "ride-1", "")
	// geometry would fail to decode; the id check comes first
	publish(t, bus, livechannel.EventRideUpdate, `{"ride":{"_id":"ride-2","status":"START","routeGeometry":"not a polyline ["}}`)
	publish(t, bus, livechannel.EventRideUpdate, `{"ride":{"_id":"ride-1","status":"START","routeGeometry":[[0,0],[0,0.01]]}}`)
	if len(sink.rides) != 1 || sink.rides[0].ID != "ride-1" {
		t.Fatalf("expected ride-1 only, got %d rides", len(sink.rides))
	}
}
