package changefeed

import (
	"context"
	"sync"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

func init() {
	RegisterFactory(&memoryFactory{})
}

type memoryFactory struct{}

func (f *memoryFactory) Create(config Config) (core.ChangeFeed, error) { return NewMemoryFeed(), nil }
func (f *memoryFactory) Type() string                                { return "memory" }
func (f *memoryFactory) Validate(config Config) error                { return nil }

// MemoryFeed is an in-process feed. Publish delivers synchronously.
type MemoryFeed struct {
	mu     sync.RWMutex
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	collection string
	fn         func(core.ChangeEvent)
}

// NewMemoryFeed creates an empty feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[int]*memorySub)}
}

// Publish implements core.ChangeFeed.
func (f *MemoryFeed) Publish(ctx context.Context, event core.ChangeEvent) error {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return ErrFeedClosed
	}
	var targets []func(core.ChangeEvent)
	for _, s := range f.subs {
		if s.collection == event.Collection {
			targets = append(targets, s.fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range targets {
		fn(event)
	}
	return nil
}

// Subscribe implements core.ChangeFeed.
func (f *MemoryFeed) Subscribe(ctx context.Context, collection string, fn func(core.ChangeEvent)) (core.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = &memorySub{collection: collection, fn: fn}

	sub := &memorySubscription{feed: f, id: id}
	context.AfterFunc(ctx, func() { sub.Close() })
	return sub, nil
}

// Close implements core.ChangeFeed.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = make(map[int]*memorySub)
	return nil
}

type memorySubscription struct {
	feed *MemoryFeed
	id   int
	once sync.Once
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s.id)
		s.feed.mu.Unlock()
	})
	return nil
}
