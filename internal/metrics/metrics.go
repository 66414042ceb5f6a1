package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ride_tracking_active_sessions",
			Help: "Number of rides currently tracked",
		},
	)
	PositionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ride_tracking_positions_total",
			Help: "Total rider positions turned into an ETA",
		},
	)
	DroppedSamplesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ride_tracking_dropped_samples_total",
			Help: "Total malformed or unrouted position samples",
		},
	)
	RouteChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ride_tracking_route_changes_total",
			Help: "Total active route changes",
		},
	)
	StreamFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ride_tracking_stream_failures_total",
			Help: "Total live stream failures by status",
		},
		[]string{"status"},
	)
	WebsocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ride_tracking_websocket_connections",
			Help: "Current websocket connections",
		},
	)
	SnapshotQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ride_tracking_snapshot_queue_dropped_total",
			Help: "Ride snapshots dropped because the recorder queue was full",
		},
	)
	StoredSnapshots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ride_tracking_stored_snapshots",
			Help: "Ride snapshots persisted",
		},
	)
)

func Init(mux *http.ServeMux) {
	prometheus.MustRegister(
		ActiveSessions,
		PositionsTotal,
		DroppedSamplesTotal,
		RouteChangesTotal,
		StreamFailuresTotal,
		WebsocketConnections,
		SnapshotQueueDropped,
		StoredSnapshots,
	)
	mux.Handle("/metrics", promhttp.Handler())
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StartGauges refreshes table-backed gauges every 10 seconds until ctx ends.
func StartGauges(ctx context.Context, db rowQuerier) {
	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				var cnt int
				if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM ride_snapshots`).Scan(&cnt); err == nil {
					StoredSnapshots.Set(float64(cnt))
				}
			}
		}
	}()
}
