//go:build integration

package kafka

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"jms/ride-tracking/internal/livechannel"
)

func TestBridgeOverKafka(t *testing.T) {
	brokers := os.Getenv("KAFKA_TEST_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_TEST_BROKERS not set")
	}
	suffix := uuid.NewString()[:8]
	topics := Topics{
		Ride:     "it.rides." + suffix,
		Location: "it.riders." + suffix,
		Control:  "it.control." + suffix,
	}
	list := strings.Split(brokers, ",")
	producer := NewProducer(list, 5*time.Second)
	defer producer.Close()
	bridge := NewBridge(producer, topics)
	consumer := NewConsumer(list, "it-"+suffix, []string{topics.Ride}, time.Second)
	defer consumer.Close()

	got := make(chan json.RawMessage, 1)
	bridge.Subscribe(livechannel.EventRideUpdate, func(p json.RawMessage) {
		select {
		case got <- p:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	bridge.Start(ctx)
	defer bridge.Close()
	if err := bridge.Publish(ctx, livechannel.EventSubscribeRide, livechannel.ControlPayload{ID: "ride-it"}); err != nil {
		t.Fatalf("control publish failed: %v", err)
	}
	consumer.Start(ctx, bridge.HandleMessage, bridge.StreamFailed)

	envelope := map[string]any{
		"event_id":    uuid.NewString(),
		"event_type":  livechannel.EventRideUpdate,
		"occurred_at": time.Now().UTC(),
		"data":        map[string]any{"ride": map[string]any{"_id": "ride-it", "status": "ACCEPTED"}},
	}
	// the group starts at the newest offset, so keep publishing until it has joined
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	for {
		if err := producer.Publish(ctx, topics.Ride, "ride-it", envelope); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		select {
		case p := <-got:
			var upd livechannel.RideUpdate
			if err := json.Unmarshal(p, &upd); err != nil || !strings.Contains(string(upd.Ride), "ride-it") {
				t.Fatalf("unexpected payload %s", p)
			}
			return
		case <-ctx.Done():
			t.Fatal("ride update not delivered")
		case <-tick.C:
		}
	}
}
