package memory_test

import (
	"context"
	"testing"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/pkg/backend/backendtest"
	"github.com/goliatone/go-userstate/pkg/backend/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T, now func() time.Time) backendtest.Store {
		return memory.New(memory.WithClock(now))
	})
}

func TestClockSteppingBackKeepsTimestampsMonotonic(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	block := backendtest.Block(0)

	first, err := store.UpsertMany(ctx, "alice", userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{block: {"a": int64(1)}})
	require.NoError(t, err)

	now = now.Add(-time.Hour)
	second, err := store.UpsertMany(ctx, "alice", userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{block: {"a": int64(2)}})
	require.NoError(t, err)

	assert.True(t, second[0].Updated.After(first[0].Updated))
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	block := backendtest.Block(0)

	_, err := store.UpsertMany(ctx, "alice", userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{
		block: {"nested": map[string]any{"k": "v"}},
	})
	require.NoError(t, err)

	for rec, err := range store.FetchMany(ctx, "alice", userstate.ScopeUserState, []userstate.BlockKey{block}) {
		require.NoError(t, err)
		rec.Fields["nested"].(map[string]any)["k"] = "changed"
	}
	for rec, err := range store.FetchMany(ctx, "alice", userstate.ScopeUserState, []userstate.BlockKey{block}) {
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"k": "v"}, rec.Fields["nested"])
	}
	assert.Equal(t, 1, store.Len())
}

func TestCanceledContext(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.UpsertMany(ctx, "alice", userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{backendtest.Block(0): {"a": int64(1)}})
	assert.ErrorIs(t, err, context.Canceled)

	for _, err := range store.FetchMany(ctx, "alice", userstate.ScopeUserState, []userstate.BlockKey{backendtest.Block(0)}) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
