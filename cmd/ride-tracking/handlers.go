package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/paulmach/orb/geojson"

	"jms/ride-tracking/internal/auth"
	"jms/ride-tracking/internal/tracking"
	whub "jms/ride-tracking/internal/websocket"
)

type api struct {
	svc   *tracking.Service
	hub   *whub.Hub
	auth  *auth.Validator
	ready func(ctx context.Context) error
}

var readRoles = []string{auth.RoleRider, auth.RoleOperator}

func newMux(a *api) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.ready != nil {
			if err := a.ready(r.Context()); err != nil {
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("PUT /rides/{rideID}/tracking", auth.RequireRoles(a.auth, readRoles, a.startTracking))
	mux.HandleFunc("DELETE /rides/{rideID}/tracking", auth.RequireRoles(a.auth, readRoles, a.stopTracking))
	mux.HandleFunc("GET /rides/{rideID}/eta", auth.RequireRoles(a.auth, readRoles, a.eta))
	mux.HandleFunc("GET /rides/{rideID}/route", auth.RequireRoles(a.auth, readRoles, a.route))
	mux.HandleFunc("GET /ws/rides/{rideID}", auth.RequireRoles(a.auth, readRoles, func(w http.ResponseWriter, r *http.Request) {
		if a.hub == nil {
			http.Error(w, "Hub not ready", http.StatusServiceUnavailable)
			return
		}
		a.hub.ServeWS(w, r, r.PathValue("rideID"))
	}))
	return mux
}

func (a *api) startTracking(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RiderID string `json:"rider_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	sess, err := a.svc.Start(r.Context(), r.PathValue("rideID"), body.RiderID)
	switch {
	case errors.Is(err, tracking.ErrInvalidRide):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, tracking.ErrRideFinished):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		slog.Error("start tracking failed", "ride_id", r.PathValue("rideID"), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sess.Result())
}

func (a *api) stopTracking(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Stop(r.Context(), r.PathValue("rideID")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) eta(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Result(r.PathValue("rideID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) route(w http.ResponseWriter, r *http.Request) {
	rt, err := a.svc.Route(r.PathValue("rideID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if rt == nil {
		http.Error(w, "no active route", http.StatusNotFound)
		return
	}
	f := geojson.NewFeature(rt.Geometry.LineString())
	f.Properties["kind"] = rt.Kind
	f.Properties["total_distance_meters"] = rt.TotalDistanceMeters
	f.Properties["nominal_duration_seconds"] = rt.NominalDurationSeconds
	if rt.ReportedDistanceMeters > 0 {
		f.Properties["reported_distance_meters"] = rt.ReportedDistanceMeters
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(f); err != nil {
		slog.Warn("write route failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
