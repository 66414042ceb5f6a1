package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jms/ride-tracking/internal/livechannel"
	"jms/ride-tracking/internal/metrics"
)

const DefaultQueueSize = 256

type Saver interface {
	SaveRide(ctx context.Context, rideID, status string, snapshot []byte) error
}

type snapshot struct {
	rideID string
	status string
	raw    []byte
}

// Recorder persists every rideUpdate seen on a channel. Handlers only
// enqueue; a single goroutine does the writes.
type Recorder struct {
	ch    livechannel.Channel
	saver Saver
	queue chan snapshot
	token livechannel.Token
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
}

func NewRecorder(ch livechannel.Channel, saver Saver, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		ch:    ch,
		saver: saver,
		queue: make(chan snapshot, queueSize),
		done:  make(chan struct{}),
	}
}

// Start subscribes to ride updates and writes them until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	r.token = r.ch.Subscribe(livechannel.EventRideUpdate, r.enqueue)
	go r.run(ctx)
}

// Stop unsubscribes and waits for the writer to drain what is queued.
func (r *Recorder) Stop() {
	r.ch.Unsubscribe(r.token)
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(payload json.RawMessage) {
	ride := gjson.GetBytes(payload, "ride")
	id := ride.Get("_id").String()
	if id == "" {
		slog.Debug("ride snapshot without id skipped")
		return
	}
	s := snapshot{
		rideID: id,
		status: ride.Get("status").String(),
		raw:    []byte(ride.Raw),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- s:
	default:
		metrics.SnapshotQueueDropped.Inc()
		slog.Warn("ride snapshot queue full, dropping", "ride_id", id)
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-r.queue:
			if !ok {
				return
			}
			r.save(ctx, s)
		}
	}
}

func (r *Recorder) save(ctx context.Context, s snapshot) {
	ctx, span := otel.Tracer("ride-tracking/store").Start(ctx, "store.SaveRide",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ride.id", s.rideID),
			attribute.String("ride.status", s.status),
		),
	)
	defer span.End()
	if err := r.saver.SaveRide(ctx, s.rideID, s.status, s.raw); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save ride snapshot")
		slog.Warn("save ride snapshot failed", "ride_id", s.rideID, "error", err)
	}
}
