package codec

import (
	"testing"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatePreservesNumberShapes(t *testing.T) {
	updated := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	data, err := EncodeState(userstate.Fields{
		"attempts": int64(3),
		"score":    0.75,
		"big":      int64(1 << 60),
		"nested":   map[string]any{"n": int64(1)},
	}, updated)
	require.NoError(t, err)

	state, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Fields["attempts"])
	assert.Equal(t, 0.75, state.Fields["score"])
	assert.Equal(t, int64(1<<60), state.Fields["big"])
	assert.Equal(t, map[string]any{"n": int64(1)}, state.Fields["nested"])
	assert.True(t, updated.Equal(state.Updated))
}

func TestHistoryKeepsRemovalMarker(t *testing.T) {
	block := userstate.MustParseBlockKey("block-v1:org+cs101+2026+type@problem+block@p1")
	entry := userstate.HistoryEntry{
		ID:        uuid.New(),
		User:      "alice",
		Block:     block,
		Scope:     userstate.ScopeUserState,
		Operation: userstate.OperationDelete,
		Updated:   time.Unix(10, 0).UTC(),
	}
	data, err := EncodeHistory(entry)
	require.NoError(t, err)

	decoded, err := DecodeHistory(data)
	require.NoError(t, err)
	assert.True(t, decoded.Deleted())
	assert.Equal(t, entry.ID, decoded.ID)
	assert.Equal(t, block, decoded.Block)
	assert.Equal(t, userstate.OperationDelete, decoded.Operation)
}

func TestDecodeStateRejectsGarbage(t *testing.T) {
	_, err := DecodeState([]byte("{"))
	assert.Error(t, err)
}

func TestNextUpdatedIsMonotonic(t *testing.T) {
	prev := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)

	assert.Equal(t, prev.Add(time.Nanosecond), NextUpdated(prev.Add(-time.Hour), prev))
	assert.Equal(t, prev.Add(time.Nanosecond), NextUpdated(prev, prev))
	assert.Equal(t, prev.Add(time.Second), NextUpdated(prev.Add(time.Second), prev))
	assert.Equal(t, prev, NextUpdated(prev, time.Time{}))
}
