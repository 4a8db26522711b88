package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/orchestrator/core"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), "test:agents", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := sampleProfile("a1")
	p.Performance = defaultPerformance()
	require.NoError(t, store.SaveAgent(ctx, p))

	loaded, err := store.LoadAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, p.AgentID, loaded.AgentID)
	assert.Equal(t, p.Capabilities.Languages, loaded.Capabilities.Languages)
	assert.Equal(t, p.Performance.SuccessRate, loaded.Performance.SuccessRate)
}

func TestRedisStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.LoadAgent(context.Background(), "ghost")
	assert.True(t, core.IsNotFound(err))
}

func TestRedisStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, sampleProfile("a1")))
	require.NoError(t, store.DeleteAgent(ctx, "a1"))

	_, err := store.LoadAgent(ctx, "a1")
	assert.True(t, core.IsNotFound(err))

	all, err := store.LoadAllAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRedisStoreLoadAll(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveAgent(ctx, sampleProfile("a1")))
	require.NoError(t, store.SaveAgent(ctx, sampleProfile("a2")))

	all, err := store.LoadAllAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// A registry built over a populated store serves the persisted agents
// without re-registration.
func TestRegistryRestoreFromStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAgent(ctx, sampleProfile("persisted")))

	r, err := New(ctx, Config{Store: store})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	p, err := r.GetProfile(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", p.AgentID)
}

// A cache miss with persistence enabled falls through to the store.
func TestRegistryLoadOnMiss(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r, err := New(ctx, Config{Store: store})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.NoError(t, store.SaveAgent(ctx, sampleProfile("late")))

	p, err := r.GetProfile(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, "late", p.AgentID)
}
