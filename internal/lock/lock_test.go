package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/localstore"
)

type clock struct {
	now time.Time
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func (c *clock) Now() time.Time { return c.now }

func newStore(t *testing.T) core.LocalStore {
	t.Helper()
	store := localstore.NewMemoryStore()
	require.NoError(t, store.EnsureTable(context.Background(), core.LockTable))
	return store
}

func TestAcquireIsExclusive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	a := NewManager(store, WithOwner("a"), WithClock(c.Now))
	b := NewManager(store, WithOwner("b"), WithClock(c.Now))

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "a", holder.Owner)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a := NewManager(store)
	b := NewManager(store)
	assert.NotEqual(t, a.Owner(), b.Owner())

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx))
	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)

	require.NoError(t, a.Release(ctx))
	holder, err = a.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing a missing lock is fine.
	require.NoError(t, b.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	a := NewManager(store, WithOwner("a"), WithClock(c.Now))
	b := NewManager(store, WithOwner("b"), WithClock(c.Now), WithTimeout(5*time.Second))

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	c.now = c.now.Add(4 * time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	c.now = c.now.Add(time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// The previous owner can no longer release it.
	require.NoError(t, a.Release(ctx))
	holder, err := b.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "b", holder.Owner)
}

func TestAcquireFailsWithoutTable(t *testing.T) {
	m := NewManager(localstore.NewMemoryStore())
	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, core.ErrUnknownTable)
}

func TestRenewKeepsLockAlive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	a := NewManager(store, WithOwner("a"), WithClock(c.Now))
	b := NewManager(store, WithOwner("b"), WithClock(c.Now))
	assert.Equal(t, DefaultTimeout, a.Timeout())

	ok, err := a.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing to renew before acquiring")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Renewing every few seconds keeps b out well past the timeout.
	for i := 0; i < 4; i++ {
		c.now = c.now.Add(3 * time.Second)
		ok, err = a.Renew(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = b.Acquire(ctx)
		require.NoError(t, err)
		require.False(t, ok)
	}

	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.True(t, holder.Timestamp.Equal(c.now))

	// Once b takes over an expired lock, a can no longer renew it.
	c.now = c.now.Add(DefaultTimeout)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Renew(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	holder, err = a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", holder.Owner)
}

func TestConcurrentAcquireAcrossSQLiteStores(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	var managers []*Manager
	for _, owner := range []string{"a", "b"} {
		store, err := localstore.NewSQLiteStore(path, time.Second)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		require.NoError(t, store.EnsureTable(ctx, core.LockTable))
		managers = append(managers, NewManager(store, WithOwner(owner)))
	}

	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			var (
				wg      sync.WaitGroup
				start   = make(chan struct{})
				results = make([]bool, len(managers))
			)
			for i, m := range managers {
				wg.Add(1)
				go func(i int, m *Manager) {
					defer wg.Done()
					<-start
					// A busy store counts as not acquiring.
					ok, err := m.Acquire(ctx)
					results[i] = ok && err == nil
				}(i, m)
			}
			close(start)
			wg.Wait()

			winners := 0
			winner := ""
			for i, ok := range results {
				if ok {
					winners++
					winner = managers[i].Owner()
				}
			}
			require.Equal(t, 1, winners)

			holder, err := managers[0].Holder(ctx)
			require.NoError(t, err)
			require.NotNil(t, holder)
			assert.Equal(t, winner, holder.Owner)

			for _, m := range managers {
				require.NoError(t, m.Release(ctx))
			}
		})
	}
}
