package typed_test

import (
	"context"
	"errors"
	"testing"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/pkg/backend/memory"
	"github.com/goliatone/go-userstate/pkg/typed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progress struct {
	Attempts int     `json:"attempts" validate:"gte=0"`
	Score    float64 `json:"score,omitempty"`
	Answer   string  `json:"answer,omitempty"`
}

type preferences struct {
	Theme string `json:"theme"`
}

func (p preferences) Validate() error {
	if p.Theme == "neon" {
		return errors.New("unsupported theme")
	}
	return nil
}

var block = userstate.NewBlockKey(userstate.CourseKey{Org: "org", Course: "cs101", Run: "2026"}, "problem", "p1")

func newClient(t *testing.T) (*userstate.Client, *memory.Store) {
	t.Helper()
	store := memory.New()
	client, err := userstate.New(store)
	require.NoError(t, err)
	return client, store
}

func TestLoadMissingRecord(t *testing.T) {
	client, _ := newClient(t)
	acc := typed.New[progress](client, userstate.ScopeUserState)

	value, meta, ok, err := acc.Load(context.Background(), "alice", block)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, value)
	assert.True(t, meta.Updated.IsZero())
}

func TestSaveOverlaysAndLoadDecodes(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "alice", block, userstate.ScopeUserState, userstate.Fields{"foreign": "kept"}))

	acc := typed.New[progress](client, userstate.ScopeUserState)
	require.NoError(t, acc.Save(ctx, "alice", block, progress{Attempts: 2, Score: 0.5}))

	rec, err := client.Get(ctx, "alice", block, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Equal(t, userstate.Fields{"foreign": "kept", "attempts": int64(2), "score": 0.5}, rec.Fields)

	value, meta, ok, err := acc.Load(ctx, "alice", block)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, progress{Attempts: 2, Score: 0.5}, value)
	assert.Equal(t, rec.Updated, meta.Updated)
}

func TestStrictFieldsRejectUnknown(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "alice", block, userstate.ScopeUserState, userstate.Fields{"attempts": 1, "foreign": true}))

	acc := typed.New(client, userstate.ScopeUserState, typed.WithStrictFields[progress]())
	_, _, _, err := acc.Load(ctx, "alice", block)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestMutateWritesOnlyChanges(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()
	acc := typed.New[progress](client, userstate.ScopeUserState)
	require.NoError(t, acc.Save(ctx, "alice", block, progress{Attempts: 1, Answer: "42"}))

	got, err := acc.Mutate(ctx, "alice", block, func(p *progress) error {
		p.Attempts++
		p.Answer = ""
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, progress{Attempts: 2}, got)

	rec, err := client.Get(ctx, "alice", block, userstate.ScopeUserState, nil)
	require.NoError(t, err)
	assert.Equal(t, userstate.Fields{"attempts": int64(2)}, rec.Fields)

	history, err := client.GetHistory(ctx, "alice", block, userstate.ScopeUserState)
	require.NoError(t, err)
	var ops []userstate.Operation
	for entry := range history {
		ops = append(ops, entry.Operation)
	}
	assert.Equal(t, []userstate.Operation{userstate.OperationDelete, userstate.OperationSet, userstate.OperationSet}, ops)
}

func TestMutateCreatesMissingRecord(t *testing.T) {
	client, store := newClient(t)
	acc := typed.New[progress](client, userstate.ScopeUserState)

	_, err := acc.Mutate(context.Background(), "bob", block, func(p *progress) error {
		p.Attempts = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestMutateErrorsDoNotWrite(t *testing.T) {
	client, store := newClient(t)
	ctx := context.Background()

	acc := typed.New[progress](client, userstate.ScopeUserState)
	_, err := acc.Mutate(ctx, "alice", block, func(p *progress) error {
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	_, err = acc.Mutate(ctx, "alice", block, func(p *progress) error {
		p.Attempts = -1
		return nil
	})
	require.ErrorIs(t, err, userstate.ErrInvalid)

	prefs := typed.New[preferences](client, userstate.ScopePreferences)
	_, err = prefs.Mutate(ctx, "alice", block, func(p *preferences) error {
		p.Theme = "neon"
		return nil
	})
	require.ErrorContains(t, err, "unsupported theme")

	assert.Equal(t, 0, store.Len())
}

func TestDeleteRemovesRecord(t *testing.T) {
	client, store := newClient(t)
	ctx := context.Background()
	acc := typed.New[preferences](client, userstate.ScopePreferences)
	require.NoError(t, acc.Save(ctx, "alice", block, preferences{Theme: "dark"}))
	require.NoError(t, acc.Delete(ctx, "alice", block))
	assert.Equal(t, 0, store.Len())
}

func TestNilClient(t *testing.T) {
	acc := typed.New[progress](nil, userstate.ScopeUserState)
	_, _, _, err := acc.Load(context.Background(), "alice", block)
	assert.ErrorIs(t, err, userstate.ErrStoreRequired)
}
