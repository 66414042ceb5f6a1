package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Consumer reads the inbound ride and location topics. A new consumer group
// starts at the newest offset; ride snapshots from before that come from the
// store.
type Consumer struct {
	readers []*kafka.Reader
}

func NewConsumer(brokers []string, groupID string, topics []string, timeout time.Duration) *Consumer {
	readers := make([]*kafka.Reader, 0, len(topics))
	for _, t := range topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          t,
			MaxWait:        timeout,
			StartOffset:    kafka.LastOffset,
			CommitInterval: time.Second,
		}))
	}
	return &Consumer{readers: readers}
}

// Start runs one goroutine per topic. A fetch error that is not caused by ctx
// ends that reader and is reported through onError; the reader is not
// restarted. Messages the handler rejects are logged and committed.
func (c *Consumer) Start(ctx context.Context, handler func(topic string, key, value []byte) error, onError func(topic string, err error)) {
	for _, r := range c.readers {
		go c.read(ctx, r, handler, onError)
	}
}

func (c *Consumer) read(ctx context.Context, r *kafka.Reader, handler func(topic string, key, value []byte) error, onError func(topic string, err error)) {
	topic := r.Config().Topic
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && onError != nil {
				onError(topic, err)
			}
			return
		}
		if handler != nil {
			if err := handler(topic, m.Key, m.Value); err != nil {
				slog.Warn("kafka message handling failed", "topic", topic, "partition", m.Partition, "offset", m.Offset, "error", err)
			}
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			slog.Warn("kafka commit failed", "topic", topic, "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error {
	var err error
	for _, r := range c.readers {
		if e := r.Close(); e != nil {
			err = e
		}
	}
	return err
}
