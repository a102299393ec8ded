// Package listener subscribes to remote change notifications per collection
// and merges them into the local store.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/conflict"
	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/records"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("listener is closed")

var errStalePass = errors.New("previous sync pass did not finish")

// Tables resolves collection names to typed table handles.
type Tables interface {
	Table(name string) (*records.Table, error)
}

// Queue drops the queued work of a record the remote store removed.
type Queue interface {
	PurgeRecordTx(tx core.Tx, collection, docID string) (int, error)
}

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

// Options customizes the merge of one collection.
type Options struct {
	// Validate rejects malformed remote documents. Rejected documents are
	// logged and skipped.
	Validate func(core.Document) error

	// Transform rewrites a remote document before it is merged.
	Transform func(core.Document) (core.Document, error)

	// RepairStaleRemote writes synced local records back to the remote store
	// when they are strictly newer than the incoming remote copy.
	RepairStaleRemote bool
}

// Config contains configuration for the listener.
type Config struct {
	// Limit bounds the subscription and the eager fetch to the most recent
	// documents.
	Limit int

	// LocalBatchSize is the number of records written per local transaction.
	LocalBatchSize int

	// RemoteBatchSize is the number of remote writes per committed batch.
	RemoteBatchSize int

	// Debounce coalesces notification bursts into one merge pass.
	Debounce time.Duration

	// StaleAfter is how long an in-progress flag is honored before the next
	// Sync clears it.
	StaleAfter time.Duration
}

// DefaultConfig returns the standard listener settings.
func DefaultConfig() Config {
	return Config{
		Limit:           100,
		LocalBatchSize:  50,
		RemoteBatchSize: 500,
		Debounce:        time.Second,
		StaleAfter:      30 * time.Second,
	}
}

// collectionState is everything the listener keeps for one collection.
type collectionState struct {
	name    string
	tracker *status.Tracker
	session *session

	// mergeMu serializes merge passes of the collection.
	mergeMu sync.Mutex
}

// Listener owns one remote subscription per synced collection.
type Listener struct {
	store    core.LocalStore
	remote   core.RemoteStore
	queue    Queue
	tables   Tables
	network  Connectivity
	resolver conflict.Resolver
	config   Config
	now      func() time.Time

	// baseCtx outlives individual Sync calls and scopes every subscription.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	states map[string]*collectionState
	closed bool

	// merges tracks debounced merge passes so Close can wait for them.
	merges sync.WaitGroup
}

// Option configures a Listener.
type Option func(*Listener)

// WithResolver replaces the last-writer-wins resolver.
func WithResolver(r conflict.Resolver) Option {
	return func(l *Listener) { l.resolver = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

// New creates a listener.
func New(store core.LocalStore, remote core.RemoteStore, q Queue, tables Tables, network Connectivity,
	config Config, opts ...Option) *Listener {
	defaults := DefaultConfig()
	if config.Limit <= 0 {
		config.Limit = defaults.Limit
	}
	if config.LocalBatchSize <= 0 {
		config.LocalBatchSize = defaults.LocalBatchSize
	}
	if config.RemoteBatchSize <= 0 {
		config.RemoteBatchSize = defaults.RemoteBatchSize
	}
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}

	l := &Listener{
		store:    store,
		remote:   remote,
		queue:    q,
		tables:   tables,
		network:  network,
		resolver: conflict.LastWriterWins{},
		config:   config,
		now:      time.Now,
		states:   make(map[string]*collectionState),
	}
	l.baseCtx, l.cancelBase = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Sync (re)starts the subscription of a collection and merges the most
// recent remote documents into the local store. A previous subscription of
// the collection is torn down first. Sync is a no-op when offline or while
// another pass of the collection is in progress.
func (l *Listener) Sync(ctx context.Context, collection string, opts Options) error {
	table, err := l.tables.Table(collection)
	if err != nil {
		return err
	}
	if !l.network.Online() {
		log.Printf("[LISTENER:%s] Offline, skipping sync", collection)
		return nil
	}

	st, prev, ok, err := l.claim(collection)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[LISTENER:%s] Sync already in progress", collection)
		return nil
	}
	if prev != nil {
		log.Printf("[LISTENER:%s] Replacing active subscription", collection)
		prev.stop()
	}

	sess := newSession(l, st, table, opts)
	if err := l.start(ctx, st, sess); err != nil {
		sess.stop()
		st.tracker.Finish(err)
		log.Printf("[LISTENER:%s] ERROR: Sync failed: %v", collection, err)
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sess.stop()
		st.tracker.Finish(ErrClosed)
		return ErrClosed
	}
	raced := st.session
	st.session = sess
	l.mu.Unlock()

	if raced != nil {
		raced.stop()
	}
	st.tracker.Finish(nil)
	return nil
}

// claim marks the collection in progress and detaches its current session.
func (l *Listener) claim(collection string) (*collectionState, *session, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, false, ErrClosed
	}
	st := l.stateLocked(collection)

	snap := st.tracker.Snapshot()
	if snap.InProgress {
		if l.now().Sub(snap.StartedAt) < l.config.StaleAfter {
			return st, nil, false, nil
		}
		log.Printf("[LISTENER:%s] Clearing stale in-progress flag from %v", collection, snap.StartedAt)
		st.tracker.Fail(errStalePass)
	}

	prev := st.session
	st.session = nil
	st.tracker.Begin(0)
	return st, prev, true, nil
}

func (l *Listener) start(ctx context.Context, st *collectionState, sess *session) error {
	var count int
	err := l.store.View(ctx, func(tx core.Tx) error {
		recs, err := sess.table.Find(tx, nil)
		count = len(recs)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load local records: %w", err)
	}
	log.Printf("[LISTENER:%s] Loaded %d local records", st.name, count)

	query := core.Query{Limit: l.config.Limit}
	sub, err := l.remote.Subscribe(sess.ctx, st.name, query, sess.buffer)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	sess.setSubscription(sub)

	docs, err := l.remote.Query(ctx, st.name, query)
	if err != nil {
		return fmt.Errorf("failed to fetch recent documents: %w", err)
	}
	log.Printf("[LISTENER:%s] Subscribed, merging %d fetched documents", st.name, len(docs))

	changes := make([]core.Change, len(docs))
	for i, doc := range docs {
		changes[i] = core.Change{Type: core.ChangeAdded, Doc: doc}
	}

	st.mergeMu.Lock()
	defer st.mergeMu.Unlock()
	return l.merge(ctx, st, sess, changes)
}

// Stop tears down the subscription of one collection.
func (l *Listener) Stop(collection string) {
	l.mu.Lock()
	st, ok := l.states[collection]
	var sess *session
	if ok {
		sess = st.session
		st.session = nil
	}
	l.mu.Unlock()

	if sess != nil {
		sess.stop()
		log.Printf("[LISTENER:%s] Stopped", collection)
	}
}

// Close tears down every subscription and waits for running merges.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	var sessions []*session
	for _, st := range l.states {
		if st.session != nil {
			sessions = append(sessions, st.session)
			st.session = nil
		}
	}
	l.mu.Unlock()

	for _, sess := range sessions {
		sess.stop()
	}
	l.cancelBase()
	l.merges.Wait()
	log.Printf("[LISTENER] Closed %d subscriptions", len(sessions))
	return nil
}

// Status returns the status of the last merge pass of a collection.
func (l *Listener) Status(collection string) status.SyncStatus {
	return l.Tracker(collection).Snapshot()
}

// Tracker returns the status tracker of a collection, creating it if needed.
func (l *Listener) Tracker(collection string) *status.Tracker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked(collection).tracker
}

// Collections returns the collections with an active subscription, sorted.
func (l *Listener) Collections() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for name, st := range l.states {
		if st.session != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (l *Listener) stateLocked(collection string) *collectionState {
	st, ok := l.states[collection]
	if !ok {
		st = &collectionState{name: collection, tracker: status.NewTracker(collection)}
		l.states[collection] = st
	}
	return st
}

// session is one live subscription of a collection plus its debounce buffer.
type session struct {
	listener *Listener
	state    *collectionState
	table    *records.Table
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sub     core.Subscription
	pending []core.Change
	timer   *time.Timer
	stopped bool
}

func newSession(l *Listener, st *collectionState, table *records.Table, opts Options) *session {
	ctx, cancel := context.WithCancel(l.baseCtx)
	return &session{listener: l, state: st, table: table, opts: opts, ctx: ctx, cancel: cancel}
}

func (s *session) setSubscription(sub core.Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
}

// buffer is the subscription handler. The first change of a window arms the
// debounce timer.
func (s *session) buffer(changes []core.Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = append(s.pending, changes...)
	if s.timer == nil {
		s.timer = time.AfterFunc(s.listener.config.Debounce, s.flush)
	}
}

func (s *session) flush() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	changes := s.pending
	s.pending = nil
	s.timer = nil
	s.listener.merges.Add(1)
	s.mu.Unlock()
	defer s.listener.merges.Done()

	l := s.listener
	st := s.state
	st.mergeMu.Lock()
	defer st.mergeMu.Unlock()

	st.tracker.Begin(0)
	err := l.merge(s.ctx, st, s, changes)
	if err != nil && s.ctx.Err() == nil {
		log.Printf("[LISTENER:%s] ERROR: Merge failed: %v", st.name, err)
	}
	st.tracker.Finish(err)
}

// stop cancels the debounce timer and closes the subscription. Buffered
// changes are dropped: the next Sync refetches them.
func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dropped := len(s.pending)
	s.pending = nil
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.cancel()
	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Printf("[LISTENER:%s] WARNING: Closing subscription: %v", s.state.name, err)
		}
	}
	if dropped > 0 {
		log.Printf("[LISTENER:%s] Dropped %d buffered changes", s.state.name, dropped)
	}
}
