package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb/geojson"

	"jms/ride-tracking/internal/auth"
	"jms/ride-tracking/internal/eta"
	"jms/ride-tracking/internal/livechannel"
	"jms/ride-tracking/internal/route"
	"jms/ride-tracking/internal/tracking"
	whub "jms/ride-tracking/internal/websocket"
)

const testRide = `{"_id":"ride-1","status":"START","rider":{"_id":"rider-1"},
	"routes":{"initial":{"geometry":[[27.56,53.9],[27.57,53.91]],"duration":240}}}`

type testEnv struct {
	bus   *livechannel.Bus
	hub   *whub.Hub
	mux   *http.ServeMux
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := livechannel.NewBus()
	sel, err := route.NewSelector(8)
	if err != nil {
		t.Fatal(err)
	}
	hub := whub.NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	v := auth.NewValidator("secret", "jms", "ride-tracking")
	tok, err := v.Issue("rider-1", auth.RoleRider, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	svc := tracking.NewService(bus, route.NewDecoder(route.Seconds), sel, nil, hub)
	return &testEnv{
		bus:   bus,
		hub:   hub,
		mux:   newMux(&api{svc: svc, hub: hub, auth: v}),
		token: tok,
	}
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer "+e.token)
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func TestTrackingRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/rides/ride-1/eta", nil)
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestTrackingLifecycle(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.do(http.MethodGet, "/rides/ride-1/eta", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before start, got %d", rr.Code)
	}
	rr := env.do(http.MethodPut, "/rides/ride-1/tracking", `{"rider_id":"rider-1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var res eta.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.RideID != "ride-1" || res.Status != eta.StatusIdle {
		t.Fatalf("unexpected result %+v", res)
	}
	if rr := env.do(http.MethodGet, "/rides/ride-1/route", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without route, got %d", rr.Code)
	}

	if err := env.bus.Publish(context.Background(), livechannel.EventRideUpdate, livechannel.RideUpdate{Ride: json.RawMessage(testRide)}); err != nil {
		t.Fatal(err)
	}
	rr = env.do(http.MethodGet, "/rides/ride-1/route", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	f, err := geojson.UnmarshalFeature(rr.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if f.Geometry.GeoJSONType() != "LineString" || f.Properties["kind"] != string(route.KindInitial) {
		t.Fatalf("unexpected feature %s", rr.Body.String())
	}
	if f.Properties.MustFloat64("nominal_duration_seconds", 0) != 240 {
		t.Fatalf("unexpected duration %v", f.Properties["nominal_duration_seconds"])
	}

	lat, lng := 53.9, 27.56
	if err := env.bus.Publish(context.Background(), livechannel.EventRiderLocationUpdate, livechannel.RiderLocationUpdate{
		RiderID: "rider-1",
		Coords:  livechannel.Coords{Latitude: &lat, Longitude: &lng},
	}); err != nil {
		t.Fatal(err)
	}
	rr = env.do(http.MethodGet, "/rides/ride-1/eta", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Status != eta.StatusTracking || res.RemainingDistanceMeters <= 0 || res.ETAMilliseconds == 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	if rr := env.do(http.MethodDelete, "/rides/ride-1/tracking", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := env.do(http.MethodDelete, "/rides/ride-1/tracking", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestStartTrackingRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.do(http.MethodPut, "/rides/ride-1/tracking", `{"rider_id":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPut, "/rides/ride-1/tracking", ""); rr.Code != http.StatusOK {
		t.Fatalf("empty body should start tracking, got %d", rr.Code)
	}
}

func TestWebsocketStreamsResults(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()
	if rr := env.do(http.MethodPut, "/rides/ride-1/tracking", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("start failed: %d", rr.Code)
	}

	url := "ws" + srv.URL[len("http"):] + "/ws/rides/ride-1?access_token=" + env.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type    string     `json:"type"`
		Payload eta.Result `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "eta" || msg.Payload.RideID != "ride-1" || msg.Payload.Status != eta.StatusIdle {
		t.Fatalf("unexpected first message %+v", msg)
	}

	if _, _, err := websocket.DefaultDialer.Dial("ws"+srv.URL[len("http"):]+"/ws/rides/ride-1", nil); !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected rejected handshake without token, got %v", err)
	}
}

func TestCmd_HealthAndReady(t *testing.T) {
	down := errors.New("db down")
	var pingErr error
	mux := newMux(&api{auth: auth.NewValidator("secret", "", ""), ready: func(ctx context.Context) error { return pingErr }})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	pingErr = down
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
