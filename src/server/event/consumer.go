// Package event ingests notification events the platform publishes to
// Kafka and hands them to the dispatcher.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/commercecms/notify/src/server/service"
)

// Sender is the slice of the dispatcher the consumer needs
type Sender interface {
	Send(ctx context.Context, userID, subject, content, url, imageURL string) (*service.DispatchResult, error)
}

// notificationEvent is the wire format of a platform notification event
type notificationEvent struct {
	UserID   string `json:"user_id"`
	Subject  string `json:"subject"`
	Content  string `json:"content"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
}

// Config holds the consumer settings
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads notification events from Kafka and dispatches them.
// Offsets are committed only after a successful dispatch, so a failed
// send is redelivered (at-least-once; the store insert makes duplicates
// harmless records, not lost ones).
type Consumer struct {
	reader     *kafka.Reader
	dispatcher Sender
}

// NewConsumer creates a consumer for the configured topic
func NewConsumer(cfg Config, dispatcher Sender) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: 0, // synchronous commits
	})
	return &Consumer{reader: reader, dispatcher: dispatcher}
}

// Start runs the consume loop until the context is canceled
func (c *Consumer) Start(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Printf("Failed to close Kafka reader: %v", err)
		}
	}()

	log.Printf("Kafka consumer started: topic=%s", c.reader.Config().Topic)

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				log.Println("Kafka consumer stopping")
				return ctx.Err()
			}
			log.Printf("Kafka fetch error: %v", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		var evt notificationEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			// Malformed message: commit and move on, there is nothing to
			// retry.
			log.Printf("Skipping malformed event at offset %d: %v", msg.Offset, err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				log.Printf("Failed to commit offset: %v", err)
			}
			continue
		}

		if _, err := c.dispatcher.Send(ctx, evt.UserID, evt.Subject, evt.Content, evt.URL, evt.ImageURL); err != nil {
			// Persistence failed; leave the offset uncommitted so the
			// event is redelivered.
			log.Printf("Dispatch from event failed (will redeliver): %v", err)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("Failed to commit offset: %v", err)
		}
	}
}
