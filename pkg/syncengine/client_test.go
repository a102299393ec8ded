package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func memoryConfig() *Config {
	config := DefaultConfig()
	config.LocalStore = LocalStoreConfig{Type: "memory"}
	config.Remote.Type = "memory"
	config.Collections = []CollectionConfig{{
		Name: "sales",
		Sync: true,
		Fields: []FieldConfig{
			{Name: "total", Type: "number", Required: true},
		},
	}}
	return config
}

func TestNewClient_NilConfig(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	config := memoryConfig()
	config.Processor.MaxRetries = 0

	_, err := NewClient(config)
	require.Error(t, err)
}

func TestClient_CreateAndSync(t *testing.T) {
	c, err := NewClient(memoryConfig())
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.Online())
	assert.Equal(t, []string{"sales"}, c.Collections())

	sales, err := c.Collection("sales")
	require.NoError(t, err)
	assert.Equal(t, "sales", sales.Name())

	rec, err := sales.Create(ctx, map[string]interface{}{"total": 12.5})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.SyncStatus)

	require.NoError(t, c.ProcessQueue(ctx))
	require.Eventually(t, func() bool {
		got, err := sales.Get(ctx, rec.ID)
		return err == nil && got.SyncStatus == StatusSynced && got.RemoteID != ""
	}, 2*time.Second, 10*time.Millisecond)

	_, err = sales.Create(ctx, map[string]interface{}{"total": "twelve"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = c.Collection("payments")
	require.ErrorIs(t, err, ErrUnknownTable)

	require.NoError(t, c.Close())
	_, err = c.Collection("sales")
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_id: pos-1
collections:
  - name: inventory
    sync: true
local_store:
  type: sqlite
  path: /tmp/pos.db
listener:
  debounce: 250ms
`), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "pos-1", config.ClientID)
	assert.Equal(t, []CollectionConfig{{Name: "inventory", Sync: true}}, config.Collections)
	assert.Equal(t, "/tmp/pos.db", config.LocalStore.Path)
	assert.Equal(t, 250*time.Millisecond, config.Listener.Debounce)
	// Untouched sections keep their defaults.
	assert.Equal(t, 100, config.Listener.Limit)
	assert.Equal(t, 5, config.Processor.MaxRetries)
	assert.Equal(t, "memory", config.Remote.Type)

	_, err = LoadConfig(filepath.Join(dir, "config.toml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.ini")
	require.NoError(t, os.WriteFile(bad, []byte("x=1"), 0o600))
	_, err = LoadConfig(bad)
	require.Error(t, err)
}

func TestConfigProvider_RoundTrip(t *testing.T) {
	data, err := (&configProvider{config: memoryConfig()}).GetYAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "debounce: 1s")
	assert.Contains(t, string(data), "type: memory")
}
