package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/localstore"
	"github.com/rzpsarthak13/syncengine/internal/netmon"
	"github.com/rzpsarthak13/syncengine/internal/remote"
	"github.com/rzpsarthak13/syncengine/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testConfig = `
client_id: client-a
collections:
  - name: inventory
    sync: true
    fields:
      - name: name
        type: string
        required: true
      - name: qty
        type: number
  - name: categories
    sync: false
local_store:
  type: memory
remote:
  type: memory
processor:
  interval: 50ms
listener:
  debounce: 20ms
`

type yamlProvider string

func (p yamlProvider) GetYAML() ([]byte, error) {
	return []byte(p), nil
}

type errProvider struct{}

func (errProvider) GetYAML() ([]byte, error) {
	return nil, errors.New("no config")
}

type fixture struct {
	client  *ClientImpl
	backend *remote.MemoryBackend
	monitor *netmon.Monitor
	store   *localstore.MemoryStore
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	backend := remote.NewMemoryBackend()
	monitor := netmon.New(online)
	store := localstore.NewMemoryStore()

	c, err := NewClientImplWithDeps(yamlProvider(testConfig), Deps{
		Store:   store,
		Remote:  backend.Client("client-a"),
		Monitor: monitor,
		Sleep:   func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Start(context.Background()))
	return &fixture{client: c, backend: backend, monitor: monitor, store: store}
}

func (f *fixture) inventory(t *testing.T) *Collection {
	t.Helper()
	col, err := f.client.Collection(core.CollectionInventory)
	require.NoError(t, err)
	return col
}

func (f *fixture) record(t *testing.T, id string) *core.Record {
	t.Helper()
	table, err := f.client.collections.Table(core.CollectionInventory)
	require.NoError(t, err)
	var rec *core.Record
	err = f.store.View(context.Background(), func(tx core.Tx) error {
		var err error
		rec, err = table.Get(tx, id)
		return err
	})
	if err != nil {
		return nil
	}
	return rec
}

func (f *fixture) waitSynced(t *testing.T, id string) *core.Record {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := f.record(t, id)
		return rec != nil && rec.SyncStatus == core.StatusSynced && rec.RemoteID != ""
	}, 2*time.Second, 10*time.Millisecond)
	return f.record(t, id)
}

func TestNewClientImpl_Errors(t *testing.T) {
	_, err := NewClientImpl(nil)
	require.Error(t, err)

	_, err = NewClientImpl(errProvider{})
	require.Error(t, err)

	_, err = NewClientImpl(yamlProvider("local_store:\n  type: rocksdb\n"))
	require.Error(t, err)
}

func TestNewClientImpl_FromConfig(t *testing.T) {
	c, err := NewClientImpl(yamlProvider("collections:\n  - name: sales\nlocal_store:\n  type: memory\nremote:\n  type: memory\n"))
	require.NoError(t, err)

	assert.NotEmpty(t, c.ClientID())
	assert.Equal(t, []string{core.CollectionSales}, c.Collections())
	require.NoError(t, c.Close())
}

func TestClient_OfflineCreateSyncsWhenOnline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	inv := f.inventory(t)

	rec, err := inv.Create(ctx, map[string]interface{}{"id": "sku-1", "name": "widget", "qty": 4.0})
	require.NoError(t, err)
	assert.Equal(t, "sku-1", rec.ID)
	assert.Equal(t, core.StatusPending, rec.SyncStatus)

	pending, err := f.client.PendingOperations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, core.OperationAdd, pending[0].Type)
	assert.Zero(t, f.backend.Len(core.CollectionInventory))

	f.client.SetOnline(true)

	synced := f.waitSynced(t, "sku-1")
	doc, ok := f.backend.Doc(core.CollectionInventory, synced.RemoteID)
	require.True(t, ok)
	assert.Equal(t, "widget", doc.Data["name"])

	require.Eventually(t, func() bool {
		ops, err := f.client.PendingOperations(ctx)
		return err == nil && len(ops) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_CreateRejectsInvalidDocument(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.inventory(t).Create(ctx, map[string]interface{}{"qty": 1.0})
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = f.inventory(t).Create(ctx, map[string]interface{}{"name": 12.0})
	require.ErrorIs(t, err, core.ErrValidation)

	pending, err := f.client.PendingOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClient_UpdateAndDelete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	inv := f.inventory(t)

	_, err := inv.Create(ctx, map[string]interface{}{"id": "sku-1", "name": "widget", "qty": 4.0})
	require.NoError(t, err)
	synced := f.waitSynced(t, "sku-1")

	updated, err := inv.Update(ctx, "sku-1", map[string]interface{}{"qty": 9.0})
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, updated.SyncStatus)
	assert.Equal(t, "widget", updated.Data["name"])

	require.Eventually(t, func() bool {
		doc, ok := f.backend.Doc(core.CollectionInventory, synced.RemoteID)
		return ok && doc.Data["qty"] == 9.0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = inv.Update(ctx, "sku-1", map[string]interface{}{"name": nil})
	require.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, inv.Delete(ctx, "sku-1"))
	_, err = inv.Get(ctx, "sku-1")
	assert.True(t, IsNotFound(err))

	require.Eventually(t, func() bool {
		return f.backend.Len(core.CollectionInventory) == 0 && f.record(t, "sku-1") == nil
	}, 2*time.Second, 10*time.Millisecond)

	recs, err := inv.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClient_UpdateMissingRecord(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.inventory(t).Update(context.Background(), "nope", map[string]interface{}{"qty": 1.0})
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(f.inventory(t).Delete(context.Background(), "nope")))
}

func TestClient_RemoteChangeReachesLocalRecord(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.inventory(t).Create(ctx, map[string]interface{}{"id": "sku-1", "name": "widget"})
	require.NoError(t, err)
	synced := f.waitSynced(t, "sku-1")

	require.Eventually(t, func() bool { return f.backend.Subscribers() > 0 }, 2*time.Second, 10*time.Millisecond)

	f.backend.Put(core.CollectionInventory, core.Document{
		ID:        synced.RemoteID,
		Data:      map[string]interface{}{"id": "sku-1", "name": "gadget"},
		UpdatedAt: time.Now().Add(time.Hour),
		Version:   7,
	})

	require.Eventually(t, func() bool {
		rec := f.record(t, "sku-1")
		return rec != nil && rec.Data["name"] == "gadget"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.StatusSynced, f.record(t, "sku-1").SyncStatus)
}

func TestClient_RetryFailed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.backend.SetFault(func(op, collection string) error {
		if op == remote.OpCreate {
			return core.ErrPermissionDenied
		}
		return nil
	})

	_, err := f.inventory(t).Create(ctx, map[string]interface{}{"id": "sku-1", "name": "widget"})
	require.NoError(t, err)

	f.client.SetOnline(true)
	require.Eventually(t, func() bool {
		failed, err := f.client.FailedOperations(ctx)
		return err == nil && len(failed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.StatusFailed, f.record(t, "sku-1").SyncStatus)

	f.backend.SetFault(nil)
	n, err := f.client.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.waitSynced(t, "sku-1")
	failed, err := f.client.FailedOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestClient_EnableAndDisableSync(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.Eventually(t, func() bool { return f.backend.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.client.EnableSync(ctx, core.CollectionCategories))
	assert.Equal(t, 2, f.backend.Subscribers())

	require.NoError(t, f.client.DisableSync(ctx, core.CollectionCategories))
	assert.Equal(t, 1, f.backend.Subscribers())

	require.Error(t, f.client.EnableSync(ctx, "unknown"))
}

func TestClient_SubscribeStatus(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	queued := 0
	unsubscribe := f.client.SubscribeStatus(func(name string, st status.SyncStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen[name]++
		if name == "queue" && !st.InProgress && st.ProcessedItems > queued {
			queued = st.ProcessedItems
		}
	})
	defer unsubscribe()

	_, err := f.inventory(t).Create(ctx, map[string]interface{}{"name": "widget"})
	require.NoError(t, err)
	f.client.SetOnline(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return queued == 1 && seen[core.CollectionInventory] > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, f.client.QueueStatus().LastSync.IsZero())
}

func TestClient_PruneOldData(t *testing.T) {
	f := newFixture(t, false)

	deleted, err := f.client.PruneOldData(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	exceeded, err := f.client.CheckStorageQuota(context.Background())
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestClient_Close(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.client.Close())
	require.NoError(t, f.client.Close())

	_, err := f.client.Collection(core.CollectionInventory)
	require.ErrorIs(t, err, ErrClientClosed)
	require.ErrorIs(t, f.client.ProcessQueue(context.Background()), ErrClientClosed)
	require.ErrorIs(t, f.client.Start(context.Background()), ErrClientClosed)
	assert.Zero(t, f.backend.Subscribers())
}
