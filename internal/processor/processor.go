// Package processor drains the operation queue into the remote store.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/syncengine/internal/conflict"
	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/lock"
	"github.com/rzpsarthak13/syncengine/internal/queue"
	"github.com/rzpsarthak13/syncengine/internal/records"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

// Tables resolves collection names to typed table handles.
type Tables interface {
	Table(name string) (*records.Table, error)
}

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

// Config contains configuration for the processor.
type Config struct {
	// MaxRetries is the attempt budget of an operation. An operation whose
	// attempt count reaches it is marked failed.
	MaxRetries int

	// RetryDelays is the backoff table. Attempt n sleeps RetryDelays[n-1];
	// the last value is reused past the end of the table.
	RetryDelays []time.Duration

	// DrainRate is the maximum number of remote writes per second.
	DrainRate int

	// Interval is how often Start triggers a pass.
	Interval time.Duration
}

// DefaultConfig returns the standard retry table and pacing.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		RetryDelays: []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
		DrainRate:   50,
		Interval:    30 * time.Second,
	}
}

// Processor applies queued operations to the remote store, one pass at a time.
type Processor struct {
	store    core.LocalStore
	remote   core.RemoteStore
	queue    *queue.Queue
	lock     *lock.Manager
	tables   Tables
	resolver conflict.Resolver
	network  Connectivity
	tracker  *status.Tracker
	config   Config
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error

	processing atomic.Bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

// WithResolver replaces the last-writer-wins resolver.
func WithResolver(r conflict.Resolver) Option {
	return func(p *Processor) { p.resolver = r }
}

// WithTracker shares a status tracker.
func WithTracker(t *status.Tracker) Option {
	return func(p *Processor) { p.tracker = t }
}

// New creates a processor.
func New(store core.LocalStore, remote core.RemoteStore, q *queue.Queue, lm *lock.Manager,
	tables Tables, network Connectivity, config Config, opts ...Option) *Processor {
	defaults := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = defaults.RetryDelays
	}
	if config.DrainRate <= 0 {
		config.DrainRate = defaults.DrainRate
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	p := &Processor{
		store:    store,
		remote:   remote,
		queue:    q,
		lock:     lm,
		tables:   tables,
		resolver: conflict.LastWriterWins{},
		network:  network,
		tracker:  status.NewTracker("queue"),
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.DrainRate), 1),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status returns the tracker of queue passes.
func (p *Processor) Status() *status.Tracker {
	return p.tracker
}

// Processing reports whether a pass is running in this process.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// Delay returns the backoff before retrying attempt n (1-based).
func (p *Processor) Delay(attempt int) time.Duration {
	delays := p.config.RetryDelays
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(delays) {
		return delays[len(delays)-1]
	}
	return delays[attempt-1]
}

// ProcessQueue runs one pass over the pending operations in FIFO order.
// It does nothing when offline, when a pass is already running in this
// process, or when another owner holds the lock. Per-operation failures
// are recorded on the operation and do not stop the pass.
func (p *Processor) ProcessQueue(ctx context.Context) error {
	if !p.network.Online() {
		log.Printf("[PROCESSOR] Offline, skipping queue pass")
		return nil
	}
	if !p.processing.CompareAndSwap(false, true) {
		log.Printf("[PROCESSOR] Pass already running")
		return nil
	}
	defer p.processing.Store(false)

	acquired, err := p.lock.Acquire(ctx)
	if err != nil {
		p.tracker.Fail(err)
		return err
	}
	if !acquired {
		log.Printf("[PROCESSOR] Queue lock held by another processor, skipping pass")
		return nil
	}
	defer func() {
		// Release even when ctx is already cancelled.
		if err := p.lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.Printf("[PROCESSOR] ERROR: %v", err)
		}
	}()

	ops, err := p.queue.ListPending(ctx)
	if err != nil {
		p.tracker.Fail(err)
		return err
	}

	p.tracker.Begin(len(ops))
	if len(ops) > 0 {
		log.Printf("[PROCESSOR] Processing %d pending operations", len(ops))
	}

	passErr := p.drain(ctx, ops)
	p.refreshPending(ctx)

	switch {
	case errors.Is(passErr, errWentOffline):
		log.Printf("[PROCESSOR] Went offline, pass stopped")
		p.tracker.Fail(nil)
		return nil
	case errors.Is(passErr, errLockLost):
		log.Printf("[PROCESSOR] WARNING: Queue lock taken over by another processor, pass stopped")
		p.tracker.Fail(nil)
		return nil
	case passErr != nil:
		p.tracker.Finish(passErr)
		return passErr
	}
	p.tracker.Finish(nil)
	return nil
}

var (
	errWentOffline = errors.New("went offline")
	errLockLost    = errors.New("queue lock lost")
)

func (p *Processor) drain(ctx context.Context, ops []*core.Operation) error {
	for i, op := range ops {
		if !p.network.Online() {
			return errWentOffline
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := p.renew(ctx); err != nil {
			return err
		}

		log.Printf("[PROCESSOR] [%d/%d] %s %s/%s (op %s, attempts %d)",
			i+1, len(ops), op.Type, op.Collection, op.LocalID(), op.ID, op.Attempts)

		if err := p.processOne(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// processOne applies one operation. It returns an error only when the pass
// must stop.
func (p *Processor) processOne(ctx context.Context, queued *core.Operation) error {
	// The listing is a snapshot; a remote removal may have dropped the
	// operation since.
	op, err := p.queue.Get(ctx, queued.ID)
	if errors.Is(err, core.ErrNotFound) {
		log.Printf("[PROCESSOR] Op %s was dropped from the queue, skipping", queued.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if op.Status != core.OperationPending {
		return nil
	}

	start := time.Now()
	finalize, err := p.apply(ctx, op)
	if err == nil {
		err = p.store.Update(ctx, func(tx core.Tx) error {
			// The operation goes first so the record is no longer guarded
			// when finalize deletes it.
			if err := p.queue.RemoveTx(tx, op.ID); err != nil {
				return err
			}
			if finalize != nil {
				return finalize(tx)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to record outcome of op %s: %w", op.ID, err)
		}
		p.tracker.Processed()
		log.Printf("[PROCESSOR] ✓ %s %s/%s applied (duration: %v)", op.Type, op.Collection, op.LocalID(), time.Since(start))
		return nil
	}

	if ctx.Err() != nil && core.IsCancelled(err) {
		return ctx.Err()
	}
	return p.handleFailure(ctx, op, &core.OperationError{OpID: op.ID, Type: op.Type, Collection: op.Collection, Err: err})
}

// handleFailure counts one attempt. Terminal errors and exhausted budgets
// mark the operation and its record failed; anything else leaves the record
// pending and is retried after a backoff.
func (p *Processor) handleFailure(ctx context.Context, op *core.Operation, cause error) error {
	next := op.Attempts + 1

	if core.IsTerminal(cause) || next >= p.config.MaxRetries {
		log.Printf("[PROCESSOR] ERROR: %v (attempt %d/%d, giving up)", cause, next, p.config.MaxRetries)
		if err := p.queue.MarkFailed(ctx, op.ID, next, cause); err != nil {
			return dropped(op, err)
		}
		p.markRecordFailed(ctx, op, cause)
		p.tracker.Failed(status.FailedItem{ID: op.ID, Collection: op.Collection, Error: cause.Error()})
		return nil
	}

	delay := p.Delay(next)
	log.Printf("[PROCESSOR] WARNING: %v (attempt %d/%d, retrying in %v)", cause, next, p.config.MaxRetries, delay)
	if err := p.queue.RecordAttempt(ctx, op.ID, next, cause); err != nil {
		return dropped(op, err)
	}
	p.tracker.Retried()
	return p.backoff(ctx, delay)
}

// dropped swallows the not-found error of an operation removed mid-pass.
func dropped(op *core.Operation, err error) error {
	if errors.Is(err, core.ErrNotFound) {
		log.Printf("[PROCESSOR] Op %s was dropped from the queue while being applied", op.ID)
		return nil
	}
	return err
}

// renew re-stamps the queue lock and reports errLockLost once another
// processor owns it.
func (p *Processor) renew(ctx context.Context) error {
	ok, err := p.lock.Renew(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errLockLost
	}
	return nil
}

// backoff sleeps d in slices of at most half the lock timeout and renews the
// lock around every slice, so a long delay never lets the lock expire.
func (p *Processor) backoff(ctx context.Context, d time.Duration) error {
	step := p.lock.Timeout() / 2
	for {
		if err := p.renew(ctx); err != nil {
			return err
		}
		if d <= 0 {
			return nil
		}
		slice := d
		if step > 0 && slice > step {
			slice = step
		}
		if err := p.sleep(ctx, slice); err != nil {
			return err
		}
		d -= slice
	}
}

func (p *Processor) markRecordFailed(ctx context.Context, op *core.Operation, cause error) {
	localID := op.LocalID()
	if localID == "" {
		return
	}
	table, err := p.tables.Table(op.Collection)
	if err != nil {
		return
	}
	err = p.store.Update(ctx, func(tx core.Tx) error {
		_, err := table.Update(tx, localID, records.Patch{
			SyncStatus: records.Status(core.StatusFailed),
			SyncError:  records.String(cause.Error()),
		})
		return err
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		log.Printf("[PROCESSOR] WARNING: Could not flag %s/%s as failed: %v", op.Collection, localID, err)
	}
}

func (p *Processor) refreshPending(ctx context.Context) {
	n, err := p.queue.Count(context.WithoutCancel(ctx))
	if err != nil {
		log.Printf("[PROCESSOR] WARNING: Could not count pending operations: %v", err)
		return
	}
	p.tracker.SetPending(n)
}

// Start triggers a pass every Interval until Stop is called or ctx ends.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Printf("[PROCESSOR] Already running")
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
	log.Printf("[PROCESSOR] Started with interval %v and drain rate %d ops/sec", p.config.Interval, p.config.DrainRate)
	return nil
}

// Stop stops the periodic trigger and waits for a running pass to return.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	log.Printf("[PROCESSOR] Stopping...")
	close(p.stopCh)
	<-p.doneCh
	log.Printf("[PROCESSOR] Stopped")
	return nil
}

func (p *Processor) run(ctx context.Context) {
	defer close(p.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[PROCESSOR] ERROR: Periodic pass failed: %v", err)
			}
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
