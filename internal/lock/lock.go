// Package lock provides the time-bounded queue-processor lock stored in the
// local store.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rzpsarthak13/syncengine/internal/core"
)

const (
	// LockID is the fixed key of the queue-processor lock.
	LockID = "queue-processor"

	// DefaultTimeout bounds how long an unreleased lock stays valid.
	DefaultTimeout = 5 * time.Second
)

// Manager acquires and releases the lock on behalf of one owner.
// It is cooperative: it assumes a single local store shared by at most one
// live processor at a time and relies on the timeout to recover from crashes.
type Manager struct {
	store   core.LocalStore
	owner   string
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithOwner sets a fixed owner id instead of a random one.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lock manager with a random owner id.
func NewManager(store core.LocalStore, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		owner:   uuid.NewString(),
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns this manager's owner id.
func (m *Manager) Owner() string {
	return m.owner
}

// Acquire takes the lock if it is absent or expired. Failing to get the lock
// is not an error: it returns false and leaves the store untouched.
func (m *Manager) Acquire(ctx context.Context) (bool, error) {
	acquired := false
	err := m.store.Update(ctx, func(tx core.Tx) error {
		acquired = false
		now := m.now()

		current, err := read(tx)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if current != nil && now.Sub(current.Timestamp) < m.timeout {
			return nil
		}
		if current != nil && current.Owner != m.owner {
			log.Printf("[LOCK] Taking over expired lock from %s (held since %s)",
				current.Owner, current.Timestamp.Format(time.RFC3339))
		}

		raw, err := json.Marshal(core.Lock{LockID: LockID, Owner: m.owner, Timestamp: now})
		if err != nil {
			return fmt.Errorf("failed to encode lock: %w", err)
		}
		if err := tx.Put(core.LockTable, LockID, raw); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return acquired, nil
}

// Timeout returns how long an unrenewed lock stays valid.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Renew re-stamps the lock while this manager still owns it. It returns
// false when the lock was released or taken over by another owner.
func (m *Manager) Renew(ctx context.Context) (bool, error) {
	renewed := false
	err := m.store.Update(ctx, func(tx core.Tx) error {
		renewed = false
		current, err := read(tx)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Owner != m.owner {
			return nil
		}

		current.Timestamp = m.now()
		raw, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to encode lock: %w", err)
		}
		if err := tx.Put(core.LockTable, LockID, raw); err != nil {
			return err
		}
		renewed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}
	return renewed, nil
}

// Release deletes the lock only if this manager still owns it.
func (m *Manager) Release(ctx context.Context) error {
	err := m.store.Update(ctx, func(tx core.Tx) error {
		current, err := read(tx)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Owner != m.owner {
			log.Printf("[LOCK] Not releasing lock owned by %s", current.Owner)
			return nil
		}
		return tx.Delete(core.LockTable, LockID)
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Holder returns the current lock, or nil when none is stored.
func (m *Manager) Holder(ctx context.Context) (*core.Lock, error) {
	var current *core.Lock
	err := m.store.View(ctx, func(tx core.Tx) error {
		l, err := read(tx)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		current = l
		return err
	})
	return current, err
}

func read(tx core.Tx) (*core.Lock, error) {
	raw, err := tx.Get(core.LockTable, LockID)
	if err != nil {
		return nil, err
	}
	var l core.Lock
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("failed to decode lock: %w", err)
	}
	return &l, nil
}
