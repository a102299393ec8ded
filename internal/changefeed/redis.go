package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// DefaultChannelPrefix prefixes the per-collection pub/sub channels.
const DefaultChannelPrefix = "syncengine:changes"

// RedisFeed implements core.ChangeFeed over Redis pub/sub. Each collection
// maps to the channel "<prefix>:<collection>".
type RedisFeed struct {
	client *redis.Client
	prefix string

	mu     sync.RWMutex
	closed bool
}

// NewRedisFeed connects to the first endpoint.
func NewRedisFeed(config Config) (*RedisFeed, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}
	prefix := config.ChannelPrefix
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}

	// Pub/sub fan-out only needs a single node.
	client := redis.NewClient(&redis.Options{
		Addr:        config.Endpoints[0],
		Password:    config.Password,
		DB:          config.DB,
		PoolSize:    config.PoolSize,
		DialTimeout: config.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[REDIS-FEED] Connected to %s, channel prefix %q", config.Endpoints[0], prefix)
	return &RedisFeed{client: client, prefix: prefix}, nil
}

func (r *RedisFeed) channel(collection string) string {
	return r.prefix + ":" + collection
}

// Publish implements core.ChangeFeed.
func (r *RedisFeed) Publish(ctx context.Context, event core.ChangeEvent) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrFeedClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	receivers, err := r.client.Publish(ctx, r.channel(event.Collection), payload).Result()
	if err != nil {
		log.Printf("[REDIS-FEED] ERROR: Failed to publish to %s: %v", r.channel(event.Collection), err)
		return fmt.Errorf("%w: failed to publish change event: %v", core.ErrUnavailable, err)
	}
	log.Printf("[REDIS-FEED] Published %s %s/%s to %d receivers", event.Type, event.Collection, event.Doc.ID, receivers)
	return nil
}

// Subscribe implements core.ChangeFeed. fn runs on the subscription's
// receive goroutine.
func (r *RedisFeed) Subscribe(ctx context.Context, collection string, fn func(core.ChangeEvent)) (core.Subscription, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrFeedClosed
	}

	channel := r.channel(collection)
	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: failed to subscribe to %s: %v", core.ErrUnavailable, channel, err)
	}

	sub := &redisSubscription{pubsub: pubsub, channel: channel, doneCh: make(chan struct{})}
	go sub.run(fn)
	context.AfterFunc(ctx, func() { sub.Close() })

	log.Printf("[REDIS-FEED] Subscribed to %s", channel)
	return sub, nil
}

// Close closes the Redis client.
func (r *RedisFeed) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

type redisSubscription struct {
	pubsub  *redis.PubSub
	channel string
	doneCh  chan struct{}
	once    sync.Once
}

func (s *redisSubscription) run(fn func(core.ChangeEvent)) {
	defer close(s.doneCh)
	// Channel() is closed when the PubSub is closed.
	for msg := range s.pubsub.Channel() {
		var ev core.ChangeEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Printf("[REDIS-FEED] WARNING: Dropping malformed event on %s: %v", s.channel, err)
			continue
		}
		fn(ev)
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		<-s.doneCh
		log.Printf("[REDIS-FEED] Unsubscribed from %s", s.channel)
	})
	return err
}

// RedisFeedFactory creates Redis change feeds.
type RedisFeedFactory struct{}

// Type returns the type identifier for this factory.
func (f *RedisFeedFactory) Type() string {
	return "redis"
}

// Validate validates the Redis-specific configuration.
func (f *RedisFeedFactory) Validate(config Config) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required for Redis")
	}
	if config.PoolSize < 0 {
		return fmt.Errorf("pool_size must be non-negative, got: %d", config.PoolSize)
	}
	return nil
}

// Create creates a new Redis change feed.
func (f *RedisFeedFactory) Create(config Config) (core.ChangeFeed, error) {
	feed, err := NewRedisFeed(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis change feed: %w", err)
	}
	return feed, nil
}

func init() {
	RegisterFactory(&RedisFeedFactory{})
}
