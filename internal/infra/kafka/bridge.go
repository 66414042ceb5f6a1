package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"jms/ride-tracking/internal/livechannel"
)

const (
	DefaultControlQueueSize = 256
	controlWriteTimeout     = 5 * time.Second
)

var ErrControlBacklog = errors.New("control queue full")

type Publisher interface {
	Publish(ctx context.Context, topic string, key string, msg interface{}) error
}

type controlMessage struct {
	event string
	id    string
	raw   json.RawMessage
}

// Bridge exposes Kafka topics as a livechannel.Channel. Inbound messages are
// only dispatched for rides and riders someone subscribed to via control
// events; control events are forwarded to the control topic by a background
// writer, so Publish never waits on the broker.
type Bridge struct {
	*livechannel.Bus

	all          *livechannel.Bus
	producer     Publisher
	controlTopic string
	events       map[string]string

	mu      sync.Mutex
	rides   map[string]int
	riders  map[string]int
	pending chan controlMessage
	done    chan struct{}
	started bool
	closed  bool
}

type Topics struct {
	Ride     string
	Location string
	Control  string
}

func NewBridge(producer Publisher, topics Topics) *Bridge {
	return &Bridge{
		Bus:          livechannel.NewBus(),
		all:          livechannel.NewBus(),
		producer:     producer,
		controlTopic: topics.Control,
		events: map[string]string{
			topics.Ride:     livechannel.EventRideUpdate,
			topics.Location: livechannel.EventRiderLocationUpdate,
		},
		rides:   make(map[string]int),
		riders:  make(map[string]int),
		pending: make(chan controlMessage, DefaultControlQueueSize),
		done:    make(chan struct{}),
	}
}

// Unfiltered sees every inbound message, tracked or not.
func (b *Bridge) Unfiltered() *livechannel.Bus {
	return b.all
}

// Start runs the control writer until ctx is cancelled or Close is called.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	go b.run(ctx)
}

// Close stops accepting control events and waits for queued ones to be
// written.
func (b *Bridge) Close() {
	b.mu.Lock()
	started := b.started
	if !b.closed {
		b.closed = true
		close(b.pending)
	}
	b.mu.Unlock()
	if started {
		<-b.done
	}
}

func (b *Bridge) Publish(ctx context.Context, event string, payload any) error {
	switch event {
	case livechannel.EventSubscribeRide, livechannel.EventUnsubscribeRide,
		livechannel.EventSubscribeRiderLocation, livechannel.EventUnsubscribeRiderLocation:
		return b.control(event, payload)
	default:
		return b.Bus.Publish(ctx, event, payload)
	}
}

func (b *Bridge) control(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("control %s: %w", event, err)
	}
	id := gjson.GetBytes(raw, "id").String()
	if id == "" {
		return fmt.Errorf("control %s: missing id", event)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch event {
	case livechannel.EventSubscribeRide:
		b.rides[id]++
	case livechannel.EventUnsubscribeRide:
		release(b.rides, id)
	case livechannel.EventSubscribeRiderLocation:
		b.riders[id]++
	case livechannel.EventUnsubscribeRiderLocation:
		release(b.riders, id)
	}

	if b.producer == nil || b.controlTopic == "" || b.closed {
		return nil
	}
	select {
	case b.pending <- controlMessage{event: event, id: id, raw: raw}:
		return nil
	default:
		return fmt.Errorf("control %s %s: %w", event, id, ErrControlBacklog)
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-b.pending:
			if !ok {
				return
			}
			b.write(ctx, m)
		}
	}
}

// write sends one control event. A failed subscribe means upstream may never
// feed the id, so it is reported as a broken stream for that feed.
func (b *Bridge) write(ctx context.Context, m controlMessage) {
	envelope := map[string]interface{}{
		"event_id":       uuid.NewString(),
		"event_type":     m.event,
		"occurred_at":    time.Now().UTC(),
		"correlation_id": m.id,
		"data":           m.raw,
	}
	wctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	err := b.producer.Publish(wctx, b.controlTopic, m.id, envelope)
	if err == nil {
		return
	}
	slog.Warn("control event not written", "event", m.event, "id", m.id, "error", err)
	var feed string
	switch m.event {
	case livechannel.EventSubscribeRide:
		feed = livechannel.EventRideUpdate
	case livechannel.EventSubscribeRiderLocation:
		feed = livechannel.EventRiderLocationUpdate
	default:
		return
	}
	raw, _ := json.Marshal(livechannel.StreamError{Event: feed, ID: m.id, Reason: err.Error()})
	b.Dispatch(livechannel.EventStreamError, raw)
}

func release(m map[string]int, id string) {
	if m[id] <= 1 {
		delete(m, id)
		return
	}
	m[id]--
}

// HandleMessage is the consumer callback. Messages use the
// {event_id, event_type, occurred_at, data} envelope. Location messages
// without data.riderId take the rider id from the message key.
func (b *Bridge) HandleMessage(topic string, key, value []byte) error {
	event, ok := b.events[topic]
	if !ok {
		return nil
	}
	if !gjson.ValidBytes(value) {
		slog.Warn("dropping invalid message", "topic", topic)
		return nil
	}
	data := gjson.GetBytes(value, "data")
	if !data.IsObject() {
		slog.Warn("dropping message without data", "topic", topic)
		return nil
	}
	payload := json.RawMessage(data.Raw)
	if event == livechannel.EventRiderLocationUpdate && data.Get("riderId").String() == "" {
		if len(key) == 0 {
			slog.Debug("dropping location without rider id", "topic", topic)
			return nil
		}
		var upd livechannel.RiderLocationUpdate
		if err := json.Unmarshal(payload, &upd); err != nil {
			slog.Warn("dropping malformed location", "topic", topic, "error", err)
			return nil
		}
		upd.RiderID = string(key)
		raw, err := json.Marshal(upd)
		if err != nil {
			return nil
		}
		payload = raw
		data = gjson.ParseBytes(raw)
	}
	b.all.Dispatch(event, payload)
	if !b.interested(event, data) {
		return nil
	}
	b.Dispatch(event, payload)
	return nil
}

// StreamFailed turns a dead reader into a streamError event for its feed.
func (b *Bridge) StreamFailed(topic string, err error) {
	event, ok := b.events[topic]
	if !ok {
		return
	}
	slog.Error("kafka stream failed", "topic", topic, "error", err)
	raw, _ := json.Marshal(livechannel.StreamError{Event: event, Reason: err.Error()})
	b.Dispatch(livechannel.EventStreamError, raw)
}

// Interest reports the subscription counts for a ride and a rider.
func (b *Bridge) Interest(rideID, riderID string) (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rides[rideID], b.riders[riderID]
}
