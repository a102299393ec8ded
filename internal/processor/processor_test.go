package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/listener"
	"github.com/rzpsarthak13/syncengine/internal/localstore"
	"github.com/rzpsarthak13/syncengine/internal/lock"
	"github.com/rzpsarthak13/syncengine/internal/netmon"
	"github.com/rzpsarthak13/syncengine/internal/queue"
	"github.com/rzpsarthak13/syncengine/internal/records"
	"github.com/rzpsarthak13/syncengine/internal/registry"
	"github.com/rzpsarthak13/syncengine/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const collection = "inventory"

type harness struct {
	store   *localstore.MemoryStore
	backend *remote.MemoryBackend
	queue   *queue.Queue
	lock    *lock.Manager
	monitor *netmon.Monitor
	reg     *registry.CollectionRegistry
	table   *records.Table
	proc    *Processor

	mu    sync.Mutex
	slept []time.Duration
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	ctx := context.Background()

	store := localstore.NewMemoryStore()
	reg := registry.NewCollectionRegistry(nil)
	require.NoError(t, reg.Register(collection, nil))
	require.NoError(t, reg.Validate(ctx, store))
	table, err := reg.Table(collection)
	require.NoError(t, err)

	h := &harness{
		store:   store,
		backend: remote.NewMemoryBackend(),
		queue:   queue.New(store),
		// A long timeout keeps each backoff delay in a single sleep.
		lock:    lock.NewManager(store, lock.WithTimeout(time.Minute)),
		monitor: netmon.New(online),
		reg:     reg,
		table:   table,
	}
	h.proc = New(store, h.backend.Client("client-a"), h.queue, h.lock, reg, h.monitor,
		Config{DrainRate: 1000, Interval: 10 * time.Millisecond},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.slept = append(h.slept, d)
			h.mu.Unlock()
			return nil
		}))
	return h
}

func (h *harness) sleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.slept...)
}

// putRecord writes a record and optionally enqueues op in the same transaction.
func (h *harness) putRecord(t *testing.T, rec *core.Record, op *core.Operation) {
	t.Helper()
	err := h.store.Update(context.Background(), func(tx core.Tx) error {
		if err := h.table.Put(tx, rec); err != nil {
			return err
		}
		if op != nil {
			return h.queue.EnqueueTx(tx, op)
		}
		return nil
	})
	require.NoError(t, err)
}

func (h *harness) record(t *testing.T, id string) *core.Record {
	t.Helper()
	var rec *core.Record
	err := h.store.View(context.Background(), func(tx core.Tx) error {
		var err error
		rec, err = h.table.Get(tx, id)
		return err
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) recordExists(t *testing.T, id string) bool {
	t.Helper()
	found := false
	err := h.store.View(context.Background(), func(tx core.Tx) error {
		_, err := h.table.Get(tx, id)
		found = err == nil
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestDelay(t *testing.T) {
	h := newHarness(t, true)

	assert.Equal(t, 1*time.Second, h.proc.Delay(1))
	assert.Equal(t, 2*time.Second, h.proc.Delay(2))
	assert.Equal(t, 5*time.Second, h.proc.Delay(3))
	assert.Equal(t, 10*time.Second, h.proc.Delay(4))
	assert.Equal(t, 30*time.Second, h.proc.Delay(5))
	assert.Equal(t, 30*time.Second, h.proc.Delay(9))
}

func TestProcessQueue_OfflineAddThenOnline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	data := map[string]interface{}{"id": float64(1), "name": "Widget", "price": float64(5)}
	h.putRecord(t, &core.Record{ID: "1", SyncStatus: core.StatusPending, UpdatedAt: time.Now().UTC(), Data: data},
		core.NewAddOperation(collection, "1", data))

	require.NoError(t, h.proc.ProcessQueue(ctx))
	pending, err := h.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, core.StatusPending, h.record(t, "1").SyncStatus)

	h.monitor.Set(true)
	require.NoError(t, h.proc.ProcessQueue(ctx))

	pending, err = h.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	rec := h.record(t, "1")
	assert.Equal(t, core.StatusSynced, rec.SyncStatus)
	require.NotEmpty(t, rec.RemoteID)
	assert.Equal(t, int64(1), rec.Version)

	doc, ok := h.backend.Doc(collection, rec.RemoteID)
	require.True(t, ok)
	assert.Equal(t, "Widget", doc.Data["name"])

	st := h.proc.Status().Snapshot()
	assert.False(t, st.InProgress)
	assert.Equal(t, 1, st.ProcessedItems)
	assert.False(t, st.LastSync.IsZero())
	assert.Equal(t, 0, st.PendingChanges)
}

func TestProcessQueue_UpdateWithoutRemoteIDFailsImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	data := map[string]interface{}{"name": "Gadget"}
	h.putRecord(t, &core.Record{ID: "2", SyncStatus: core.StatusPending, Data: data},
		core.NewUpdateOperation(collection, "2", data))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	failed, err := h.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, core.ErrMissingRemoteID.Error())
	assert.Empty(t, h.sleeps(), "terminal errors must not back off")

	assert.Equal(t, core.StatusFailed, h.record(t, "2").SyncStatus)

	st := h.proc.Status().Snapshot()
	require.Len(t, st.FailedItems, 1)
	assert.Equal(t, collection, st.FailedItems[0].Collection)
}

func TestProcessQueue_RetriesWithBackoffThenFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	var creates atomic.Int32
	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpCreate {
			creates.Add(1)
			return fmt.Errorf("%w: connection reset", core.ErrUnavailable)
		}
		return nil
	})

	data := map[string]interface{}{"name": "Widget"}
	h.putRecord(t, &core.Record{ID: "3", SyncStatus: core.StatusPending, Data: data},
		core.NewAddOperation(collection, "3", data))

	for i := 1; i < 5; i++ {
		require.NoError(t, h.proc.ProcessQueue(ctx))
		pending, err := h.queue.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, i, pending[0].Attempts)
	}
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}, h.sleeps())

	require.NoError(t, h.proc.ProcessQueue(ctx))
	failed, err := h.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 5, failed[0].Attempts)
	assert.Equal(t, core.OperationFailed, failed[0].Status)

	// Failed operations are never retried automatically.
	require.NoError(t, h.proc.ProcessQueue(ctx))
	assert.Equal(t, int32(5), creates.Load())
	assert.Equal(t, core.StatusFailed, h.record(t, "3").SyncStatus)

	// A user retry resets the budget.
	h.backend.SetFault(nil)
	n, err := h.queue.RetryAllFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, h.proc.ProcessQueue(ctx))
	assert.Equal(t, core.StatusSynced, h.record(t, "3").SyncStatus)
}

func TestProcessQueue_DeleteRemovesRemoteAndLocal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	h.backend.Put(collection, core.Document{ID: "remote-4", Data: map[string]interface{}{"name": "Old"}, Version: 1})
	h.putRecord(t, &core.Record{ID: "4", RemoteID: "remote-4", SyncStatus: core.StatusPending, Deleted: true},
		core.NewDeleteOperation(collection, "4", "remote-4"))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	assert.Equal(t, 0, h.backend.Len(collection))
	assert.False(t, h.recordExists(t, "4"))
	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessQueue_DeleteNeverSyncedIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	h.putRecord(t, &core.Record{ID: "5", SyncStatus: core.StatusPending, Deleted: true},
		core.NewDeleteOperation(collection, "5", ""))

	require.NoError(t, h.proc.ProcessQueue(ctx))
	assert.False(t, h.recordExists(t, "5"))
	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessQueue_AddThenDeleteBeforeSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	data := map[string]interface{}{"name": "Ephemeral"}
	h.putRecord(t, &core.Record{ID: "6", SyncStatus: core.StatusPending, Data: data},
		core.NewAddOperation(collection, "6", data))
	h.putRecord(t, &core.Record{ID: "6", SyncStatus: core.StatusPending, Deleted: true, Data: data},
		core.NewDeleteOperation(collection, "6", ""))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	assert.Equal(t, 0, h.backend.Len(collection))
	assert.False(t, h.recordExists(t, "6"))
}

func TestProcessQueue_UpdateConflictRemoteWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t3 := t1.Add(2 * time.Hour)
	h.backend.Put(collection, core.Document{
		ID: "remote-7", Data: map[string]interface{}{"name": "Remote edit"}, UpdatedAt: t3, Version: 2,
	})

	local := map[string]interface{}{"name": "Local edit"}
	h.putRecord(t, &core.Record{
		ID: "7", RemoteID: "remote-7", SyncStatus: core.StatusPending,
		UpdatedAt: t1.Add(time.Hour), Version: 1, Data: local,
	}, core.NewUpdateOperation(collection, "7", local))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	doc, ok := h.backend.Doc(collection, "remote-7")
	require.True(t, ok)
	assert.Equal(t, "Remote edit", doc.Data["name"])
	assert.Equal(t, int64(3), doc.Version)

	rec := h.record(t, "7")
	assert.Equal(t, core.StatusSynced, rec.SyncStatus)
	assert.Equal(t, "Remote edit", rec.Data["name"])
	assert.Equal(t, int64(3), rec.Version)
	assert.True(t, rec.UpdatedAt.Equal(t3))
}

func TestProcessQueue_UpdateLocalWrittenAsIs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	h.backend.Put(collection, core.Document{
		ID: "remote-8", Data: map[string]interface{}{"name": "Before"}, UpdatedAt: time.Now().Add(-time.Hour), Version: 4,
	})
	local := map[string]interface{}{"name": "After"}
	h.putRecord(t, &core.Record{
		ID: "8", RemoteID: "remote-8", SyncStatus: core.StatusPending, UpdatedAt: time.Now(), Version: 4, Data: local,
	}, core.NewUpdateOperation(collection, "8", local))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	doc, _ := h.backend.Doc(collection, "remote-8")
	assert.Equal(t, "After", doc.Data["name"])
	assert.Equal(t, int64(5), doc.Version)
	assert.Equal(t, int64(5), h.record(t, "8").Version)
}

func TestProcessQueue_UpdateRemoteMissingIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	local := map[string]interface{}{"name": "Orphan"}
	h.putRecord(t, &core.Record{ID: "9", RemoteID: "gone", SyncStatus: core.StatusPending, Data: local},
		core.NewUpdateOperation(collection, "9", local))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	failed, err := h.queue.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Empty(t, h.sleeps())
}

func TestProcessQueue_AddWithRemoteIDDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	h.backend.Put(collection, core.Document{ID: "remote-10", Data: map[string]interface{}{"name": "v1"}, Version: 1})
	data := map[string]interface{}{"name": "v2"}
	h.putRecord(t, &core.Record{ID: "10", RemoteID: "remote-10", SyncStatus: core.StatusPending, Version: 1, Data: data},
		core.NewAddOperation(collection, "10", data))

	require.NoError(t, h.proc.ProcessQueue(ctx))

	assert.Equal(t, 1, h.backend.Len(collection))
	doc, _ := h.backend.Doc(collection, "remote-10")
	assert.Equal(t, "v2", doc.Data["name"])
}

func TestProcessQueue_LaterEditKeepsRecordPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	v1 := map[string]interface{}{"name": "v1"}
	v2 := map[string]interface{}{"name": "v2"}
	h.putRecord(t, &core.Record{ID: "11", SyncStatus: core.StatusPending, Data: v1},
		core.NewAddOperation(collection, "11", v1))

	// Fail the update once so only the add completes in the first pass.
	var fail atomic.Bool
	fail.Store(true)
	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpSet && fail.Load() {
			return core.ErrUnavailable
		}
		return nil
	})
	h.putRecord(t, &core.Record{ID: "11", SyncStatus: core.StatusPending, Data: v2},
		core.NewUpdateOperation(collection, "11", v2))

	require.NoError(t, h.proc.ProcessQueue(ctx))
	rec := h.record(t, "11")
	assert.NotEmpty(t, rec.RemoteID)

	fail.Store(false)
	require.NoError(t, h.proc.ProcessQueue(ctx))
	rec = h.record(t, "11")
	assert.Equal(t, core.StatusSynced, rec.SyncStatus)
	doc, _ := h.backend.Doc(collection, rec.RemoteID)
	assert.Equal(t, "v2", doc.Data["name"])
}

func TestProcessQueue_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	other := lock.NewManager(h.store)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	data := map[string]interface{}{"name": "Widget"}
	h.putRecord(t, &core.Record{ID: "12", SyncStatus: core.StatusPending, Data: data},
		core.NewAddOperation(collection, "12", data))

	require.NoError(t, h.proc.ProcessQueue(ctx))
	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, h.backend.Len(collection))

	holder, err := h.lock.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, other.Owner(), holder.Owner)
}

func TestProcessQueue_ReleasesLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.proc.ProcessQueue(ctx))
	holder, err := h.lock.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestProcessQueue_StopsWhenGoingOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpCreate {
			h.monitor.Set(false)
			return core.ErrUnavailable
		}
		return nil
	})
	for _, id := range []string{"13", "14"} {
		data := map[string]interface{}{"name": id}
		h.putRecord(t, &core.Record{ID: id, SyncStatus: core.StatusPending, Data: data},
			core.NewAddOperation(collection, id, data))
	}

	require.NoError(t, h.proc.ProcessQueue(ctx))

	pending, err := h.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, 0, pending[1].Attempts)

	st := h.proc.Status().Snapshot()
	assert.False(t, st.InProgress)
	assert.Empty(t, st.Error)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, true)

	data := map[string]interface{}{"name": "Widget"}
	h.putRecord(t, &core.Record{ID: "15", SyncStatus: core.StatusPending, Data: data},
		core.NewAddOperation(collection, "15", data))

	require.NoError(t, h.proc.Start(context.Background()))
	require.Eventually(t, func() bool {
		n, err := h.queue.Count(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.proc.Stop())
	require.NoError(t, h.proc.Stop())
}

func TestProcessQueue_RetryableUpdateKeepsRecordPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	h.backend.Put(collection, core.Document{
		ID: "remote-20", Data: map[string]interface{}{"name": "A"}, UpdatedAt: t0, Version: 1,
	})
	edit := map[string]interface{}{"name": "B"}
	h.putRecord(t, &core.Record{
		ID: "20", RemoteID: "remote-20", SyncStatus: core.StatusPending,
		UpdatedAt: t0.Add(time.Minute), Version: 1, Data: edit,
	}, core.NewUpdateOperation(collection, "20", edit))

	var unavailable atomic.Bool
	unavailable.Store(true)
	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpGet && unavailable.Load() {
			return core.ErrUnavailable
		}
		return nil
	})

	require.NoError(t, h.proc.ProcessQueue(ctx))
	rec := h.record(t, "20")
	assert.Equal(t, core.StatusPending, rec.SyncStatus)
	assert.Empty(t, rec.SyncError)

	// Another client writes a newer copy while the update waits for a retry.
	h.backend.Put(collection, core.Document{
		ID: "remote-20", Data: map[string]interface{}{"name": "C"}, UpdatedAt: t0.Add(2 * time.Minute), Version: 2,
	})
	l := listener.New(h.store, h.backend.Client("client-a"), h.queue, h.reg, h.monitor,
		listener.Config{Debounce: 10 * time.Millisecond})
	defer l.Close()
	require.NoError(t, l.Sync(ctx, collection, listener.Options{}))

	rec = h.record(t, "20")
	assert.Equal(t, core.StatusPending, rec.SyncStatus)
	assert.Equal(t, "B", rec.Data["name"])

	unavailable.Store(false)
	require.NoError(t, h.proc.ProcessQueue(ctx))

	rec = h.record(t, "20")
	doc, ok := h.backend.Doc(collection, "remote-20")
	require.True(t, ok)
	assert.Equal(t, core.StatusSynced, rec.SyncStatus)
	assert.Equal(t, doc.Data["name"], rec.Data["name"])
	assert.Equal(t, "C", rec.Data["name"])
	assert.Equal(t, doc.Version, rec.Version)

	n, err := h.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessQueue_RenewsLockAcrossBackoff(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	owner := lock.NewManager(h.store, lock.WithOwner("a"), lock.WithClock(clock))
	rival := lock.NewManager(h.store, lock.WithOwner("b"), lock.WithClock(clock))

	var (
		slices      []time.Duration
		rivalWonAny bool
	)
	proc := New(h.store, h.backend.Client("client-a"), h.queue, owner, h.reg, h.monitor,
		Config{DrainRate: 1000},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
			slices = append(slices, d)
			ok, err := rival.Acquire(ctx)
			if err != nil {
				return err
			}
			rivalWonAny = rivalWonAny || ok
			return nil
		}))

	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpCreate {
			return core.ErrUnavailable
		}
		return nil
	})
	data := map[string]interface{}{"name": "Widget"}
	h.putRecord(t, &core.Record{ID: "21", SyncStatus: core.StatusPending, Data: data},
		core.NewAddOperation(collection, "21", data))

	// Attempts 1 to 4 back off 1s, 2s, 5s and 10s.
	for i := 0; i < 4; i++ {
		require.NoError(t, proc.ProcessQueue(ctx))
	}
	assert.False(t, rivalWonAny, "lock expired during a backoff")

	var total time.Duration
	for _, d := range slices {
		assert.LessOrEqual(t, d, lock.DefaultTimeout/2)
		total += d
	}
	assert.Equal(t, 18*time.Second, total)

	holder, err := owner.Holder(ctx)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestProcessQueue_StopsWhenLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	// The rival's clock runs an hour ahead, so it sees the lock as expired.
	rival := lock.NewManager(h.store, lock.WithOwner("b"), lock.WithTimeout(time.Minute),
		lock.WithClock(func() time.Time { return time.Now().Add(time.Hour) }))
	proc := New(h.store, h.backend.Client("client-a"), h.queue, h.lock, h.reg, h.monitor,
		Config{DrainRate: 1000},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			ok, err := rival.Acquire(ctx)
			if err != nil {
				return err
			}
			require.True(t, ok)
			return nil
		}))

	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpCreate {
			return core.ErrUnavailable
		}
		return nil
	})
	for _, id := range []string{"22", "23"} {
		data := map[string]interface{}{"name": id}
		h.putRecord(t, &core.Record{ID: id, SyncStatus: core.StatusPending, Data: data},
			core.NewAddOperation(collection, id, data))
	}

	require.NoError(t, proc.ProcessQueue(ctx))

	pending, err := h.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, 0, pending[1].Attempts, "second op must not run without the lock")

	holder, err := rival.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "b", holder.Owner)
}

func TestProcessQueue_SkipsOperationDroppedMidPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	var creates atomic.Int32
	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpCreate {
			creates.Add(1)
			return core.ErrUnavailable
		}
		return nil
	})

	first := map[string]interface{}{"name": "first"}
	second := map[string]interface{}{"name": "second"}
	h.putRecord(t, &core.Record{ID: "24", SyncStatus: core.StatusPending, Data: first},
		core.NewAddOperation(collection, "24", first))
	dropped := core.NewAddOperation(collection, "25", second)
	h.putRecord(t, &core.Record{ID: "25", SyncStatus: core.StatusPending, Data: second}, dropped)

	// The second op leaves the queue during the first op's backoff.
	proc := New(h.store, h.backend.Client("client-a"), h.queue, h.lock, h.reg, h.monitor,
		Config{DrainRate: 1000},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			return h.queue.Remove(ctx, dropped.ID)
		}))

	require.NoError(t, proc.ProcessQueue(ctx))
	assert.Equal(t, int32(1), creates.Load())

	pending, err := h.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Empty(t, proc.Status().Snapshot().Error)
}
