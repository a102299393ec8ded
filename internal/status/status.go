// Package status tracks the SyncStatus aggregate of a sync pass.
package status

import (
	"sync"
	"time"
)

// FailedItem identifies one item that failed during a pass.
type FailedItem struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Error      string `json:"error"`
}

// SyncStatus is a snapshot of a sync session.
type SyncStatus struct {
	LastSync       time.Time    `json:"lastSync"`
	StartedAt      time.Time    `json:"startedAt"`
	InProgress     bool         `json:"inProgress"`
	Error          string       `json:"error,omitempty"`
	PendingChanges int          `json:"pendingChanges"`
	TotalItems     int          `json:"totalItems"`
	ProcessedItems int          `json:"processedItems"`
	FailedItems    []FailedItem `json:"failedItems"`
	RetryCount     int          `json:"retryCount"`
}

// Tracker owns one SyncStatus and notifies subscribers of every change.
type Tracker struct {
	mu     sync.RWMutex
	name   string
	st     SyncStatus
	subs   map[int]func(name string, st SyncStatus)
	nextID int
	now    func() time.Time
}

// NewTracker creates a tracker for the named session.
func NewTracker(name string) *Tracker {
	return &Tracker{
		name: name,
		subs: make(map[int]func(string, SyncStatus)),
		now:  time.Now,
	}
}

// Name returns the session name.
func (t *Tracker) Name() string {
	return t.name
}

// Begin resets the status to a fresh in-progress pass over total items.
// LastSync and PendingChanges carry over.
func (t *Tracker) Begin(total int) {
	t.update(func(st *SyncStatus) {
		*st = SyncStatus{
			LastSync:       st.LastSync,
			PendingChanges: st.PendingChanges,
			StartedAt:      t.now(),
			InProgress:     true,
			TotalItems:     total,
			FailedItems:    []FailedItem{},
		}
	})
}

// AddTotal grows the item count of the current pass.
func (t *Tracker) AddTotal(n int) {
	t.update(func(st *SyncStatus) { st.TotalItems += n })
}

// Processed counts one successfully handled item.
func (t *Tracker) Processed() {
	t.update(func(st *SyncStatus) { st.ProcessedItems++ })
}

// Failed records a failed item.
func (t *Tracker) Failed(item FailedItem) {
	t.update(func(st *SyncStatus) { st.FailedItems = append(st.FailedItems, item) })
}

// Retried counts one scheduled retry.
func (t *Tracker) Retried() {
	t.update(func(st *SyncStatus) { st.RetryCount++ })
}

// SetPending sets the number of local changes awaiting sync.
func (t *Tracker) SetPending(n int) {
	t.update(func(st *SyncStatus) { st.PendingChanges = n })
}

// Finish ends the pass. A nil err stamps LastSync.
func (t *Tracker) Finish(err error) {
	t.update(func(st *SyncStatus) {
		st.InProgress = false
		if err != nil {
			st.Error = err.Error()
			return
		}
		st.Error = ""
		st.LastSync = t.now()
	})
}

// Fail records a pass-level error without touching progress counters.
func (t *Tracker) Fail(err error) {
	t.update(func(st *SyncStatus) {
		st.InProgress = false
		if err != nil {
			st.Error = err.Error()
		}
	})
}

// Snapshot returns a copy of the current status.
func (t *Tracker) Snapshot() SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyStatus(t.st)
}

// Subscribe registers fn for every status change and returns a function that
// removes it. fn runs synchronously and must not block.
func (t *Tracker) Subscribe(fn func(name string, st SyncStatus)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) update(fn func(st *SyncStatus)) {
	t.mu.Lock()
	fn(&t.st)
	snapshot := copyStatus(t.st)
	subs := make([]func(string, SyncStatus), 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s(t.name, snapshot)
	}
}

func copyStatus(st SyncStatus) SyncStatus {
	out := st
	out.FailedItems = append([]FailedItem(nil), st.FailedItems...)
	return out
}
