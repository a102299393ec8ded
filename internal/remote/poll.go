package remote

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

// DefaultPollInterval is used by polling subscriptions when none is configured.
const DefaultPollInterval = 5 * time.Second

// pollSubscription emulates a change subscription by re-running a query on an
// interval and diffing versions. Deletions are reported only for documents
// that disappear while still inside the query window.
type pollSubscription struct {
	query      func(ctx context.Context) ([]core.Document, error)
	handler    core.ChangeHandler
	interval   time.Duration
	limit      int
	collection string

	seen map[string]int64

	cancel context.CancelFunc
	doneCh chan struct{}
	once   sync.Once
}

func newPollSubscription(ctx context.Context, collection string, interval time.Duration, limit int,
	query func(ctx context.Context) ([]core.Document, error), handler core.ChangeHandler) *pollSubscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &pollSubscription{
		query:      query,
		handler:    handler,
		interval:   interval,
		limit:      limit,
		collection: collection,
		seen:       make(map[string]int64),
		cancel:     cancel,
		doneCh:     make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *pollSubscription) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *pollSubscription) poll(ctx context.Context) {
	docs, err := p.query(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[POLL:%s] Query failed: %v", p.collection, err)
		}
		return
	}

	current := make(map[string]int64, len(docs))
	var changes []core.Change
	for _, doc := range docs {
		current[doc.ID] = doc.Version
		prev, ok := p.seen[doc.ID]
		switch {
		case !ok:
			changes = append(changes, core.Change{Type: core.ChangeAdded, Doc: doc})
		case prev != doc.Version:
			changes = append(changes, core.Change{Type: core.ChangeModified, Doc: doc})
		}
	}
	windowFull := p.limit > 0 && len(docs) >= p.limit
	for id := range p.seen {
		if _, ok := current[id]; !ok && !windowFull {
			changes = append(changes, core.Change{Type: core.ChangeRemoved, Doc: core.Document{ID: id}})
		}
	}
	p.seen = current

	if len(changes) > 0 && ctx.Err() == nil {
		p.handler(changes)
	}
}

func (p *pollSubscription) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.doneCh
	})
	return nil
}
