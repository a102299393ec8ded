package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker("queue")
	tr.SetPending(3)

	tr.Begin(3)
	st := tr.Snapshot()
	assert.True(t, st.InProgress)
	assert.Equal(t, 3, st.TotalItems)
	assert.Equal(t, 3, st.PendingChanges)
	assert.Empty(t, st.FailedItems)

	tr.Processed()
	tr.Retried()
	tr.Failed(FailedItem{ID: "2", Collection: "sales", Error: "boom"})
	tr.Finish(nil)

	st = tr.Snapshot()
	assert.False(t, st.InProgress)
	assert.Equal(t, 1, st.ProcessedItems)
	assert.Equal(t, 1, st.RetryCount)
	require.Len(t, st.FailedItems, 1)
	assert.Equal(t, "sales", st.FailedItems[0].Collection)
	assert.False(t, st.LastSync.IsZero())
	assert.Empty(t, st.Error)
}

func TestBeginResetsPreviousPass(t *testing.T) {
	tr := NewTracker("sales")
	tr.Begin(2)
	tr.Processed()
	tr.Failed(FailedItem{ID: "x"})
	tr.Finish(errors.New("store unavailable"))
	assert.Equal(t, "store unavailable", tr.Snapshot().Error)

	tr.Begin(5)
	st := tr.Snapshot()
	assert.Equal(t, 0, st.ProcessedItems)
	assert.Empty(t, st.FailedItems)
	assert.Empty(t, st.Error)
	assert.Equal(t, 5, st.TotalItems)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	tr := NewTracker("inventory")
	var seen []bool
	unsubscribe := tr.Subscribe(func(name string, st SyncStatus) {
		assert.Equal(t, "inventory", name)
		seen = append(seen, st.InProgress)
	})

	tr.Begin(1)
	tr.Finish(nil)
	unsubscribe()
	tr.Begin(1)

	assert.Equal(t, []bool{true, false}, seen)
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker("q")
	tr.Begin(1)
	tr.Failed(FailedItem{ID: "a"})

	st := tr.Snapshot()
	st.FailedItems[0].ID = "mutated"

	assert.Equal(t, "a", tr.Snapshot().FailedItems[0].ID)
}
