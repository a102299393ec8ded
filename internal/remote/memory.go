package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/registry"
)

func init() {
	RegisterFactory(&memoryFactory{})
	registry.RegisterValidator(&memoryValidator{})
}

type memoryFactory struct{}

func (f *memoryFactory) Create(config Config) (core.RemoteStore, error) {
	backend := config.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return backend.Client(config.ClientID), nil
}

func (f *memoryFactory) Type() string { return "memory" }

func (f *memoryFactory) Validate(config Config) error { return nil }

type memoryValidator struct{}

func (v *memoryValidator) Validate(config *registry.InternalConfig) error { return nil }

func (v *memoryValidator) Type() string { return "memory" }

// Memory operation names passed to fault hooks.
const (
	OpCreate = "create"
	OpGet    = "get"
	OpSet    = "set"
	OpDelete = "delete"
	OpQuery  = "query"
	OpPing   = "ping"
	OpCommit = "commit"
)

// FaultFunc lets tests fail selected remote calls. A non-nil return is
// returned to the caller instead of performing the call.
type FaultFunc func(op, collection string) error

type memSub struct {
	collection string
	clientID   string
	handler    core.ChangeHandler
}

// MemoryBackend is an in-process shared remote store. Several clients can
// attach to it, and each write notifies every subscriber, flagging the
// writer's own subscriptions as pending-write echoes.
type MemoryBackend struct {
	mu     sync.Mutex
	docs   map[string]map[string]core.Document
	subs   map[int]*memSub
	nextID int
	fault  FaultFunc
	now    func() time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs: make(map[string]map[string]core.Document),
		subs: make(map[int]*memSub),
		now:  time.Now,
	}
}

// SetFault installs (or clears, with nil) a fault hook.
func (b *MemoryBackend) SetFault(fn FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = fn
}

// Client returns a RemoteStore view of the backend for one client.
func (b *MemoryBackend) Client(clientID string) *MemoryStore {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &MemoryStore{backend: b, clientID: clientID}
}

// Put writes a document as an outside party would, keeping its UpdatedAt
// and version as given, and notifies subscribers.
func (b *MemoryBackend) Put(collection string, doc core.Document) {
	b.mu.Lock()
	_, existed := b.collection(collection)[doc.ID]
	stored := copyDoc(doc)
	b.collection(collection)[doc.ID] = stored
	b.mu.Unlock()

	changeType := core.ChangeAdded
	if existed {
		changeType = core.ChangeModified
	}
	b.notify(collection, "", core.Change{Type: changeType, Doc: stored})
}

// Remove deletes a document as an outside party would and notifies subscribers.
func (b *MemoryBackend) Remove(collection, id string) {
	b.mu.Lock()
	doc, existed := b.collection(collection)[id]
	delete(b.collection(collection), id)
	b.mu.Unlock()

	if existed {
		b.notify(collection, "", core.Change{Type: core.ChangeRemoved, Doc: doc})
	}
}

// Doc returns a stored document.
func (b *MemoryBackend) Doc(collection, id string) (core.Document, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.collection(collection)[id]
	return copyDoc(doc), ok
}

// Len returns the number of documents in a collection.
func (b *MemoryBackend) Len(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.collection(collection))
}

// Subscribers returns the number of open subscriptions.
func (b *MemoryBackend) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *MemoryBackend) collection(name string) map[string]core.Document {
	c, ok := b.docs[name]
	if !ok {
		c = make(map[string]core.Document)
		b.docs[name] = c
	}
	return c
}

func (b *MemoryBackend) checkFault(op, collection string) error {
	b.mu.Lock()
	fault := b.fault
	b.mu.Unlock()
	if fault != nil {
		return fault(op, collection)
	}
	return nil
}

func (b *MemoryBackend) notify(collection, origin string, change core.Change) {
	b.mu.Lock()
	var targets []*memSub
	for _, s := range b.subs {
		if s.collection == collection {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		c := change
		c.Doc = copyDoc(change.Doc)
		c.PendingWrite = origin != "" && origin == s.clientID
		s.handler([]core.Change{c})
	}
}

// MemoryStore is one client's core.RemoteStore view of a MemoryBackend.
type MemoryStore struct {
	backend  *MemoryBackend
	clientID string
	closed   atomic.Bool
}

// Backend returns the shared backend.
func (s *MemoryStore) Backend() *MemoryBackend {
	return s.backend
}

// ClientID returns the id used to flag this client's echoes.
func (s *MemoryStore) ClientID() string {
	return s.clientID
}

func (s *MemoryStore) check(ctx context.Context, op, collection string) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: remote client closed", core.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.checkFault(op, collection)
}

// Create implements core.RemoteStore.
func (s *MemoryStore) Create(ctx context.Context, collection string, doc core.Document) (core.Document, error) {
	if err := s.check(ctx, OpCreate, collection); err != nil {
		return core.Document{}, err
	}

	b := s.backend
	b.mu.Lock()
	stored := copyDoc(doc)
	stored.ID = uuid.NewString()
	stored.Version = 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = b.now().UTC()
	}
	b.collection(collection)[stored.ID] = stored
	b.mu.Unlock()

	b.notify(collection, s.clientID, core.Change{Type: core.ChangeAdded, Doc: stored})
	return copyDoc(stored), nil
}

// Get implements core.RemoteStore.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (core.Document, error) {
	if err := s.check(ctx, OpGet, collection); err != nil {
		return core.Document{}, err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.collection(collection)[id]
	if !ok {
		return core.Document{}, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
	}
	return copyDoc(doc), nil
}

// Set implements core.RemoteStore.
func (s *MemoryStore) Set(ctx context.Context, collection string, doc core.Document) (core.Document, error) {
	if err := s.check(ctx, OpSet, collection); err != nil {
		return core.Document{}, err
	}

	b := s.backend
	b.mu.Lock()
	current, ok := b.collection(collection)[doc.ID]
	if !ok {
		b.mu.Unlock()
		return core.Document{}, fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, doc.ID)
	}
	stored := copyDoc(doc)
	stored.Version = current.Version + 1
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = b.now().UTC()
	}
	b.collection(collection)[doc.ID] = stored
	b.mu.Unlock()

	b.notify(collection, s.clientID, core.Change{Type: core.ChangeModified, Doc: stored})
	return copyDoc(stored), nil
}

// Delete implements core.RemoteStore.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := s.check(ctx, OpDelete, collection); err != nil {
		return err
	}

	b := s.backend
	b.mu.Lock()
	doc, ok := b.collection(collection)[id]
	delete(b.collection(collection), id)
	b.mu.Unlock()

	if ok {
		b.notify(collection, s.clientID, core.Change{Type: core.ChangeRemoved, Doc: doc})
	}
	return nil
}

// Query implements core.RemoteStore.
func (s *MemoryStore) Query(ctx context.Context, collection string, q core.Query) ([]core.Document, error) {
	if err := s.check(ctx, OpQuery, collection); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	docs := make([]core.Document, 0, len(b.collection(collection)))
	for _, doc := range b.collection(collection) {
		docs = append(docs, copyDoc(doc))
	}
	b.mu.Unlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].UpdatedAt.After(docs[j].UpdatedAt) })
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

// Subscribe implements core.RemoteStore. Notifications are delivered
// synchronously from the writing goroutine.
func (s *MemoryStore) Subscribe(ctx context.Context, collection string, q core.Query, handler core.ChangeHandler) (core.Subscription, error) {
	if err := s.check(ctx, OpQuery, collection); err != nil {
		return nil, err
	}

	b := s.backend
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &memSub{collection: collection, clientID: s.clientID, handler: handler}
	b.mu.Unlock()

	sub := &memSubscription{backend: b, id: id}
	context.AfterFunc(ctx, func() { sub.Close() })
	return sub, nil
}

// Batch implements core.RemoteStore.
func (s *MemoryStore) Batch() core.WriteBatch {
	return &memBatch{store: s}
}

// Ping implements core.RemoteStore.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx, OpPing, "")
}

// Close implements core.RemoteStore.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

type memSubscription struct {
	backend *MemoryBackend
	id      int
	once    sync.Once
}

func (m *memSubscription) Close() error {
	m.once.Do(func() {
		m.backend.mu.Lock()
		delete(m.backend.subs, m.id)
		m.backend.mu.Unlock()
	})
	return nil
}

type memWrite struct {
	collection string
	doc        core.Document
	delete     bool
}

type memBatch struct {
	store  *MemoryStore
	writes []memWrite
}

func (m *memBatch) Set(collection string, doc core.Document) {
	m.writes = append(m.writes, memWrite{collection: collection, doc: copyDoc(doc)})
}

func (m *memBatch) Delete(collection, id string) {
	m.writes = append(m.writes, memWrite{collection: collection, doc: core.Document{ID: id}, delete: true})
}

func (m *memBatch) Len() int { return len(m.writes) }

// Commit applies all writes atomically with respect to other callers.
func (m *memBatch) Commit(ctx context.Context) error {
	if err := m.store.check(ctx, OpCommit, ""); err != nil {
		return err
	}

	b := m.store.backend
	type pending struct {
		collection string
		change     core.Change
	}
	var changes []pending

	b.mu.Lock()
	for _, w := range m.writes {
		coll := b.collection(w.collection)
		if w.delete {
			if doc, ok := coll[w.doc.ID]; ok {
				delete(coll, w.doc.ID)
				changes = append(changes, pending{w.collection, core.Change{Type: core.ChangeRemoved, Doc: doc}})
			}
			continue
		}
		current, existed := coll[w.doc.ID]
		stored := w.doc
		stored.Version = current.Version + 1
		coll[w.doc.ID] = stored
		changeType := core.ChangeAdded
		if existed {
			changeType = core.ChangeModified
		}
		changes = append(changes, pending{w.collection, core.Change{Type: changeType, Doc: stored}})
	}
	b.mu.Unlock()

	m.writes = nil
	for _, c := range changes {
		b.notify(c.collection, m.store.clientID, c.change)
	}
	return nil
}

func copyDoc(doc core.Document) core.Document {
	out := doc
	out.Data = core.CopyData(doc.Data)
	return out
}
