package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// DefaultGroupPrefix prefixes per-client consumer groups.
const DefaultGroupPrefix = "syncengine"

// KafkaFeed implements core.ChangeFeed on one Kafka topic. Messages are keyed
// by collection. Every client reads through its own consumer group, so each
// client sees every event.
type KafkaFeed struct {
	writer   *kafka.Writer
	config   Config
	clientID string

	mu     sync.RWMutex
	closed bool
}

// NewKafkaFeed creates the producer. Readers are created per subscription.
func NewKafkaFeed(config Config) (*KafkaFeed, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	if config.GroupPrefix == "" {
		config.GroupPrefix = DefaultGroupPrefix
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}

	log.Printf("[KAFKA-FEED] Brokers: %v, topic: %s, group prefix: %s", config.Brokers, config.Topic, config.GroupPrefix)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		MaxAttempts:  3,
		Async:        false,
	}

	return &KafkaFeed{writer: writer, config: config, clientID: config.ClientID}, nil
}

// Publish implements core.ChangeFeed.
func (k *KafkaFeed) Publish(ctx context.Context, event core.ChangeEvent) error {
	k.mu.RLock()
	closed := k.closed
	k.mu.RUnlock()
	if closed {
		return ErrFeedClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Collection),
		Value: payload,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
			{Key: "origin", Value: []byte(event.Origin)},
		},
	}
	start := time.Now()
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("[KAFKA-FEED] ERROR: Failed to produce %s %s/%s: %v", event.Type, event.Collection, event.Doc.ID, err)
		return fmt.Errorf("%w: failed to write change event: %v", core.ErrUnavailable, err)
	}
	log.Printf("[KAFKA-FEED] Produced %s %s/%s (Duration: %v)", event.Type, event.Collection, event.Doc.ID, time.Since(start))
	return nil
}

func (k *KafkaFeed) groupID(collection string) string {
	return fmt.Sprintf("%s-%s-%s", k.config.GroupPrefix, k.clientID, collection)
}

// Subscribe implements core.ChangeFeed. The reader starts at the latest
// offset for a new group and resumes from committed offsets afterwards.
func (k *KafkaFeed) Subscribe(ctx context.Context, collection string, fn func(core.ChangeEvent)) (core.Subscription, error) {
	k.mu.RLock()
	closed := k.closed
	k.mu.RUnlock()
	if closed {
		return nil, ErrFeedClosed
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       k.config.Topic,
		GroupID:     k.groupID(collection),
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.LastOffset,
	})

	runCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		reader:     reader,
		collection: collection,
		cancel:     cancel,
		doneCh:     make(chan struct{}),
	}
	go sub.run(runCtx, fn)

	log.Printf("[KAFKA-FEED] Subscribed to %s for %s with group %s", k.config.Topic, collection, k.groupID(collection))
	return sub, nil
}

// Close closes the producer.
func (k *KafkaFeed) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}

type kafkaSubscription struct {
	reader     *kafka.Reader
	collection string
	cancel     context.CancelFunc
	doneCh     chan struct{}
	once       sync.Once
}

func (s *kafkaSubscription) run(ctx context.Context, fn func(core.ChangeEvent)) {
	defer close(s.doneCh)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("[KAFKA-FEED] WARNING: Fetch for %s failed: %v", s.collection, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if string(msg.Key) == s.collection {
			var ev core.ChangeEvent
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				log.Printf("[KAFKA-FEED] WARNING: Dropping malformed event at offset %d: %v", msg.Offset, err)
			} else {
				fn(ev)
			}
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Printf("[KAFKA-FEED] WARNING: Failed to commit offset %d on partition %d: %v", msg.Offset, msg.Partition, err)
		}
	}
}

func (s *kafkaSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.doneCh
		err = s.reader.Close()
		log.Printf("[KAFKA-FEED] Closed reader for %s", s.collection)
	})
	return err
}

// KafkaFeedFactory creates Kafka change feeds.
type KafkaFeedFactory struct{}

// Type returns the type identifier for this factory.
func (f *KafkaFeedFactory) Type() string {
	return "kafka"
}

// Validate validates the Kafka-specific configuration.
func (f *KafkaFeedFactory) Validate(config Config) error {
	if len(config.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required for Kafka")
	}
	if config.Topic == "" {
		return fmt.Errorf("topic is required for Kafka")
	}
	switch config.RequiredAcks {
	case -1, 0, 1:
	default:
		return fmt.Errorf("required_acks must be -1, 0 or 1, got: %d", config.RequiredAcks)
	}
	return nil
}

// Create creates a new Kafka change feed.
func (f *KafkaFeedFactory) Create(config Config) (core.ChangeFeed, error) {
	feed, err := NewKafkaFeed(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka change feed: %w", err)
	}
	return feed, nil
}

func init() {
	RegisterFactory(&KafkaFeedFactory{})
}
