package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/localstore"
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
	store    *localstore.MemoryStore
	backend  *remote.MemoryBackend
	monitor  *netmon.Monitor
	table    *records.Table
	queue    *queue.Queue
	listener *Listener
}

func newHarness(t *testing.T, config Config, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	store := localstore.NewMemoryStore()
	reg := registry.NewCollectionRegistry(nil)
	require.NoError(t, reg.Register(collection, nil))
	require.NoError(t, reg.Validate(ctx, store))
	table, err := reg.Table(collection)
	require.NoError(t, err)

	if config.Debounce == 0 {
		config.Debounce = 20 * time.Millisecond
	}

	h := &harness{
		store:   store,
		backend: remote.NewMemoryBackend(),
		monitor: netmon.New(true),
		table:   table,
		queue:   queue.New(store),
	}
	h.listener = New(store, h.backend.Client("client-a"), h.queue, reg, h.monitor, config, opts...)
	t.Cleanup(func() { h.listener.Close() })
	return h
}

func (h *harness) records(t *testing.T) []*core.Record {
	t.Helper()
	var recs []*core.Record
	err := h.store.View(context.Background(), func(tx core.Tx) error {
		var err error
		recs, err = h.table.Find(tx, nil)
		return err
	})
	require.NoError(t, err)
	return recs
}

func (h *harness) byRemoteID(t *testing.T, remoteID string) *core.Record {
	t.Helper()
	var rec *core.Record
	err := h.store.View(context.Background(), func(tx core.Tx) error {
		var err error
		rec, err = h.table.FindByRemoteID(tx, remoteID)
		return err
	})
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return rec
}

func (h *harness) put(t *testing.T, rec *core.Record) {
	t.Helper()
	require.NoError(t, h.store.Update(context.Background(), func(tx core.Tx) error {
		return h.table.Put(tx, rec)
	}))
}

func TestSync_SeedsFromRecentDocuments(t *testing.T) {
	h := newHarness(t, Config{})
	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		h.backend.Put(collection, core.Document{
			ID:        fmt.Sprintf("r%d", i),
			Data:      map[string]interface{}{"name": fmt.Sprintf("item-%d", i)},
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
			Version:   1,
		})
	}

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	recs := h.records(t)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, core.StatusSynced, rec.SyncStatus)
		assert.NotEmpty(t, rec.RemoteID)
	}

	st := h.listener.Status(collection)
	assert.False(t, st.InProgress)
	assert.False(t, st.LastSync.IsZero())
	assert.Equal(t, 3, st.ProcessedItems)
	assert.Equal(t, []string{collection}, h.listener.Collections())
	assert.Equal(t, 1, h.backend.Subscribers())
}

func TestSync_FetchHonorsLimit(t *testing.T) {
	h := newHarness(t, Config{Limit: 2})
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		h.backend.Put(collection, core.Document{ID: fmt.Sprintf("r%d", i), UpdatedAt: now.Add(time.Duration(i) * time.Second)})
	}

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	assert.Len(t, h.records(t), 2)
	assert.NotNil(t, h.byRemoteID(t, "r4"))
	assert.NotNil(t, h.byRemoteID(t, "r3"))
}

func TestSync_OfflineIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.monitor.Set(false)
	h.backend.Put(collection, core.Document{ID: "r1", UpdatedAt: time.Now()})

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	assert.Empty(t, h.records(t))
	assert.Zero(t, h.backend.Subscribers())
	assert.Empty(t, h.listener.Collections())
}

func TestSync_UnknownCollection(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.listener.Sync(context.Background(), "nope", Options{})
	require.Error(t, err)
}

func TestSync_ReplacesPriorSubscription(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))
	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))

	assert.Equal(t, 1, h.backend.Subscribers())
}

func TestSync_SkipsWhileInProgress(t *testing.T) {
	h := newHarness(t, Config{StaleAfter: 30 * time.Second})
	h.listener.Tracker(collection).Begin(0)

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))
	assert.Zero(t, h.backend.Subscribers())
}

func TestSync_ClearsStaleInProgress(t *testing.T) {
	later := time.Now().Add(time.Minute)
	h := newHarness(t, Config{StaleAfter: 30 * time.Second}, WithClock(func() time.Time { return later }))
	h.listener.Tracker(collection).Begin(0)

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))
	assert.Equal(t, 1, h.backend.Subscribers())
	assert.False(t, h.listener.Status(collection).InProgress)
}

func TestMerge_RemoteNewerUpdatesSyncedRecord(t *testing.T) {
	h := newHarness(t, Config{})
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	h.put(t, &core.Record{ID: "1", RemoteID: "r1", SyncStatus: core.StatusSynced, UpdatedAt: t1, Version: 1,
		Data: map[string]interface{}{"name": "old"}})
	h.backend.Put(collection, core.Document{ID: "r1", Data: map[string]interface{}{"name": "new"}, UpdatedAt: t2, Version: 2})

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	rec := h.byRemoteID(t, "r1")
	require.NotNil(t, rec)
	assert.Equal(t, "1", rec.ID)
	assert.Equal(t, "new", rec.Data["name"])
	assert.True(t, rec.UpdatedAt.Equal(t2))
	assert.Equal(t, int64(2), rec.Version)
	assert.Len(t, h.records(t), 1)
}

func TestMerge_PendingRecordIgnoresRemote(t *testing.T) {
	h := newHarness(t, Config{})
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	h.put(t, &core.Record{ID: "1", RemoteID: "r1", SyncStatus: core.StatusPending, UpdatedAt: t1,
		Data: map[string]interface{}{"name": "local edit"}})
	h.backend.Put(collection, core.Document{ID: "r1", Data: map[string]interface{}{"name": "remote"}, UpdatedAt: t1.Add(time.Hour)})

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	rec := h.byRemoteID(t, "r1")
	require.NotNil(t, rec)
	assert.Equal(t, "local edit", rec.Data["name"])
	assert.Equal(t, core.StatusPending, rec.SyncStatus)
}

func TestMerge_TieKeepsLocal(t *testing.T) {
	h := newHarness(t, Config{})
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	h.put(t, &core.Record{ID: "1", RemoteID: "r1", SyncStatus: core.StatusSynced, UpdatedAt: t1,
		Data: map[string]interface{}{"name": "local"}})
	h.backend.Put(collection, core.Document{ID: "r1", Data: map[string]interface{}{"name": "remote"}, UpdatedAt: t1})

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	assert.Equal(t, "local", h.byRemoteID(t, "r1").Data["name"])
}

func TestMerge_RepairStaleRemote(t *testing.T) {
	h := newHarness(t, Config{RemoteBatchSize: 2})
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	var commits atomic.Int32
	h.backend.SetFault(func(op, coll string) error {
		if op == remote.OpCommit {
			commits.Add(1)
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		remoteID := fmt.Sprintf("r%d", i)
		h.put(t, &core.Record{ID: fmt.Sprint(i), RemoteID: remoteID, SyncStatus: core.StatusSynced,
			UpdatedAt: t1.Add(time.Hour), Data: map[string]interface{}{"name": "fresh"}})
		h.backend.Put(collection, core.Document{ID: remoteID, Data: map[string]interface{}{"name": "stale"}, UpdatedAt: t1, Version: 1})
	}

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{RepairStaleRemote: true}))

	assert.Equal(t, int32(3), commits.Load())
	for i := 0; i < 5; i++ {
		doc, ok := h.backend.Doc(collection, fmt.Sprintf("r%d", i))
		require.True(t, ok)
		assert.Equal(t, "fresh", doc.Data["name"])
	}
}

func TestMerge_StaleRemoteLeftAloneByDefault(t *testing.T) {
	h := newHarness(t, Config{})
	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	h.put(t, &core.Record{ID: "1", RemoteID: "r1", SyncStatus: core.StatusSynced, UpdatedAt: t1.Add(time.Hour),
		Data: map[string]interface{}{"name": "fresh"}})
	h.backend.Put(collection, core.Document{ID: "r1", Data: map[string]interface{}{"name": "stale"}, UpdatedAt: t1})

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	doc, _ := h.backend.Doc(collection, "r1")
	assert.Equal(t, "stale", doc.Data["name"])
	assert.Equal(t, "fresh", h.byRemoteID(t, "r1").Data["name"])
}

func TestMerge_ValidateAndTransform(t *testing.T) {
	h := newHarness(t, Config{})
	now := time.Now().UTC()
	h.backend.Put(collection, core.Document{ID: "good", Data: map[string]interface{}{"name": "widget"}, UpdatedAt: now})
	h.backend.Put(collection, core.Document{ID: "bad", Data: map[string]interface{}{"price": 3.0}, UpdatedAt: now})

	opts := Options{
		Validate: func(doc core.Document) error {
			if _, ok := doc.Data["name"]; !ok {
				return fmt.Errorf("%w: name is required", core.ErrValidation)
			}
			return nil
		},
		Transform: func(doc core.Document) (core.Document, error) {
			doc.Data["name"] = strings.ToUpper(doc.Data["name"].(string))
			return doc, nil
		},
	}
	require.NoError(t, h.listener.Sync(context.Background(), collection, opts))

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "good", recs[0].RemoteID)
	assert.Equal(t, "WIDGET", recs[0].Data["name"])
}

func TestMerge_SubBatchesWriteEverything(t *testing.T) {
	h := newHarness(t, Config{LocalBatchSize: 2})
	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		h.backend.Put(collection, core.Document{ID: fmt.Sprintf("r%d", i), UpdatedAt: now.Add(time.Duration(i) * time.Millisecond)})
	}

	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))
	assert.Len(t, h.records(t), 7)
}

func TestMerge_AdoptsPayloadIDOnce(t *testing.T) {
	h := newHarness(t, Config{})
	now := time.Now().UTC()
	h.backend.Put(collection, core.Document{ID: "r1", Data: map[string]interface{}{"id": float64(42), "name": "a"}, UpdatedAt: now})

	ctx := context.Background()
	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))
	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "42", recs[0].ID)
}

func TestSubscription_DebounceCoalescesBurst(t *testing.T) {
	h := newHarness(t, Config{Debounce: 50 * time.Millisecond})
	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		h.backend.Put(collection, core.Document{ID: fmt.Sprintf("r%d", i), UpdatedAt: now})
	}

	require.Eventually(t, func() bool {
		st := h.listener.Status(collection)
		return !st.InProgress && st.ProcessedItems == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, h.listener.Status(collection).TotalItems)
	assert.Len(t, h.records(t), 5)
}

func TestSubscription_IgnoresPendingWriteEchoes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))

	own := h.backend.Client("client-a")
	_, err := own.Create(ctx, collection, core.Document{Data: map[string]interface{}{"name": "mine"}})
	require.NoError(t, err)
	h.backend.Put(collection, core.Document{ID: "theirs", Data: map[string]interface{}{"name": "theirs"}, UpdatedAt: time.Now()})

	require.Eventually(t, func() bool { return h.byRemoteID(t, "theirs") != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.records(t), 1)
}

func TestSubscription_RemovalDeletesLocal(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.Put(collection, core.Document{ID: "r1", UpdatedAt: time.Now()})
	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))
	require.NotNil(t, h.byRemoteID(t, "r1"))

	h.backend.Remove(collection, "r1")

	require.Eventually(t, func() bool { return h.byRemoteID(t, "r1") == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscription_RemovalDropsQueuedWork(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.backend.Put(collection, core.Document{ID: "r1", UpdatedAt: time.Now()})
	h.backend.Put(collection, core.Document{ID: "r2", UpdatedAt: time.Now()})
	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))

	rec := h.byRemoteID(t, "r1")
	require.NotNil(t, rec)
	other := h.byRemoteID(t, "r2")
	require.NotNil(t, other)

	edit := core.NewUpdateOperation(collection, rec.ID, map[string]interface{}{"name": "edit"})
	stuck := core.NewUpdateOperation(collection, rec.ID, map[string]interface{}{"name": "older edit"})
	kept := core.NewUpdateOperation(collection, other.ID, map[string]interface{}{"name": "unrelated"})
	for _, op := range []*core.Operation{stuck, edit, kept} {
		require.NoError(t, h.queue.Enqueue(ctx, op))
	}
	require.NoError(t, h.queue.MarkFailed(ctx, stuck.ID, 5, core.ErrUnavailable))
	err := h.store.Update(ctx, func(tx core.Tx) error {
		_, err := h.table.Update(tx, rec.ID, records.Patch{SyncStatus: records.Status(core.StatusPending)})
		return err
	})
	require.NoError(t, err)

	h.backend.Remove(collection, "r1")

	require.Eventually(t, func() bool { return h.byRemoteID(t, "r1") == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.listener.Status(collection).FailedItems)

	pending, err := h.queue.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, kept.ID, pending[0].ID)
	failed, err := h.queue.ListFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.NotNil(t, h.byRemoteID(t, "r2"))
}

func TestStop_CancelsPendingDebounce(t *testing.T) {
	h := newHarness(t, Config{Debounce: 100 * time.Millisecond})
	require.NoError(t, h.listener.Sync(context.Background(), collection, Options{}))

	h.backend.Put(collection, core.Document{ID: "r1", UpdatedAt: time.Now()})
	h.listener.Stop(collection)

	time.Sleep(200 * time.Millisecond)
	assert.Nil(t, h.byRemoteID(t, "r1"))
	assert.Zero(t, h.backend.Subscribers())
	assert.Empty(t, h.listener.Collections())
}

func TestClose_RejectsFurtherSyncs(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.listener.Sync(ctx, collection, Options{}))

	require.NoError(t, h.listener.Close())
	require.NoError(t, h.listener.Close())

	assert.Zero(t, h.backend.Subscribers())
	assert.ErrorIs(t, h.listener.Sync(ctx, collection, Options{}), ErrClosed)
}
