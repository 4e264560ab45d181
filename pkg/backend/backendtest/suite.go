// Package backendtest is a conformance suite for StateStore implementations.
// Backends call Run from their own tests with a factory returning an empty
// store.
package backendtest

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Store is the full capability set exercised by the suite.
type Store interface {
	userstate.StateStore
	userstate.HistoryLog
	userstate.Scanner
}

// Factory returns an empty store reading time from now, or from the wall
// clock when now is nil. Cleanup is registered on t.
type Factory func(t *testing.T, now func() time.Time) Store

var course = userstate.CourseKey{Org: "org", Course: "cs101", Run: "2026"}

// Block returns the i-th problem block of the suite course.
func Block(i int) userstate.BlockKey {
	return userstate.NewBlockKey(course, "problem", fmt.Sprintf("p%d", i))
}

// User returns the i-th suite user.
func User(i int) userstate.UserID {
	return userstate.UserID(fmt.Sprintf("user-%d", i))
}

// Run executes every conformance test against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CRUD", func(t *testing.T) { runCRUD(t, factory) })
	t.Run("History", func(t *testing.T) { runHistory(t, factory) })
	t.Run("Scan", func(t *testing.T) { runScan(t, factory) })
	t.Run("Store", func(t *testing.T) { runStore(t, factory) })
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	client *userstate.Client
	store  Store
}

func newHarness(t *testing.T, factory Factory, opts ...userstate.Option) *harness {
	t.Helper()
	store := factory(t, nil)
	client, err := userstate.New(store, opts...)
	require.NoError(t, err)
	return &harness{t: t, ctx: context.Background(), client: client, store: store}
}

func (h *harness) set(user, block int, fields userstate.Fields) {
	h.t.Helper()
	require.NoError(h.t, h.client.Set(h.ctx, User(user), Block(block), userstate.ScopeUserState, fields))
}

func (h *harness) get(user, block int, fields ...string) (userstate.Fields, error) {
	h.t.Helper()
	var names []string
	if len(fields) > 0 {
		names = fields
	}
	rec, err := h.client.Get(h.ctx, User(user), Block(block), userstate.ScopeUserState, names)
	if err != nil {
		return nil, err
	}
	return rec.Fields, nil
}

func (h *harness) mustGet(user, block int, fields ...string) userstate.Fields {
	h.t.Helper()
	got, err := h.get(user, block, fields...)
	require.NoError(h.t, err)
	return got
}

func (h *harness) getMany(user int, blocks ...int) map[userstate.BlockKey]userstate.Fields {
	h.t.Helper()
	keys := make([]userstate.BlockKey, 0, len(blocks))
	for _, b := range blocks {
		keys = append(keys, Block(b))
	}
	out := map[userstate.BlockKey]userstate.Fields{}
	for rec, err := range h.client.GetMany(h.ctx, User(user), keys, userstate.ScopeUserState, nil) {
		require.NoError(h.t, err)
		out[rec.Block] = rec.Fields
	}
	return out
}

func (h *harness) history(user, block int) []userstate.HistoryEntry {
	h.t.Helper()
	seq, err := h.client.GetHistory(h.ctx, User(user), Block(block), userstate.ScopeUserState)
	require.NoError(h.t, err)
	return slices.Collect(seq)
}

func runCRUD(t *testing.T, factory Factory) {
	t.Run("SetGet", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		assert.Equal(t, userstate.Fields{"a": "b"}, h.mustGet(0, 0))
	})

	t.Run("SetSetGet", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 0, userstate.Fields{"a": "c"})
		assert.Equal(t, userstate.Fields{"a": "c"}, h.mustGet(0, 0))
	})

	t.Run("Overlay", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 0, userstate.Fields{"b": "c"})
		assert.Equal(t, userstate.Fields{"a": "b", "b": "c"}, h.mustGet(0, 0))
	})

	t.Run("GetFields", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b", "b": "c"})
		assert.Equal(t, userstate.Fields{"a": "b"}, h.mustGet(0, 0, "a"))
		assert.Equal(t, userstate.Fields{"b": "c"}, h.mustGet(0, 0, "b"))
		assert.Equal(t, userstate.Fields{"a": "b", "b": "c"}, h.mustGet(0, 0, "a", "b"))
	})

	t.Run("GetMissingField", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		assert.Equal(t, userstate.Fields{}, h.mustGet(0, 0, "z"))
	})

	t.Run("GetMissingBlock", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		_, err := h.get(0, 1)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
	})

	t.Run("GetMissingUser", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		_, err := h.get(1, 0)
		var notFound *userstate.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, User(1), notFound.User)
		assert.Equal(t, Block(0), notFound.Block)
	})

	t.Run("IsolatesUsersAndBlocks", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(1, 0, userstate.Fields{"b": "c"})
		h.set(0, 1, userstate.Fields{"c": "d"})
		assert.Equal(t, userstate.Fields{"a": "b"}, h.mustGet(0, 0))
		assert.Equal(t, userstate.Fields{"b": "c"}, h.mustGet(1, 0))
		assert.Equal(t, userstate.Fields{"c": "d"}, h.mustGet(0, 1))
	})

	t.Run("IsolatesScopes", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		_, err := h.client.Get(h.ctx, User(0), Block(0), userstate.ScopePreferences, nil)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
	})

	t.Run("SetManyGetMany", func(t *testing.T) {
		h := newHarness(t, factory)
		require.NoError(t, h.client.SetMany(h.ctx, User(0), map[userstate.BlockKey]userstate.Fields{
			Block(0): {"a": "b"},
			Block(1): {"b": "c"},
		}, userstate.ScopeUserState))
		assert.Equal(t, map[userstate.BlockKey]userstate.Fields{
			Block(0): {"a": "b"},
			Block(1): {"b": "c"},
		}, h.getMany(0, 0, 1, 2))
	})

	t.Run("GetManyAcrossChunks", func(t *testing.T) {
		h := newHarness(t, factory)
		states := map[userstate.BlockKey]userstate.Fields{}
		blocks := make([]int, 0, userstate.DefaultChunkSize+20)
		for i := 0; i < userstate.DefaultChunkSize+20; i++ {
			blocks = append(blocks, i)
			if i%2 == 0 {
				states[Block(i)] = userstate.Fields{"n": int64(i)}
			}
		}
		require.NoError(t, h.client.SetMany(h.ctx, User(0), states, userstate.ScopeUserState))
		got := h.getMany(0, blocks...)
		assert.Len(t, got, len(states))
		assert.Equal(t, userstate.Fields{"n": int64(510)}, got[Block(510)])
	})

	t.Run("GetManyStopsEarly", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": 1})
		h.set(0, 1, userstate.Fields{"a": 2})
		seen := 0
		for _, err := range h.client.GetMany(h.ctx, User(0), []userstate.BlockKey{Block(0), Block(1)}, userstate.ScopeUserState, nil) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)
	})

	t.Run("Delete", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil))
		_, err := h.get(0, 0)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		h := newHarness(t, factory)
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil))
		_, err := h.client.GetHistory(h.ctx, User(0), Block(0), userstate.ScopeUserState)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
	})

	t.Run("DeletePartial", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b", "b": "c"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, []string{"a"}))
		assert.Equal(t, userstate.Fields{"b": "c"}, h.mustGet(0, 0))
	})

	t.Run("DeleteLastField", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, []string{"a"}))
		_, err := h.get(0, 0)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
	})

	t.Run("DeleteMany", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 1, userstate.Fields{"b": "c"})
		require.NoError(t, h.client.DeleteMany(h.ctx, User(0), []userstate.BlockKey{Block(0), Block(1)}, userstate.ScopeUserState, nil))
		assert.Empty(t, h.getMany(0, 0, 1))
	})

	t.Run("DeleteManyPartial", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 1, userstate.Fields{"b": "c"})
		require.NoError(t, h.client.DeleteMany(h.ctx, User(0), []userstate.BlockKey{Block(0), Block(1)}, userstate.ScopeUserState, []string{"a"}))
		assert.Equal(t, map[userstate.BlockKey]userstate.Fields{
			Block(1): {"b": "c"},
		}, h.getMany(0, 0, 1))
	})

	t.Run("DeleteManyLastField", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 1, userstate.Fields{"b": "c"})
		require.NoError(t, h.client.DeleteMany(h.ctx, User(0), []userstate.BlockKey{Block(0), Block(1)}, userstate.ScopeUserState, []string{"a", "b"}))
		assert.Empty(t, h.getMany(0, 0, 1))
	})

	t.Run("CanonicalKeys", func(t *testing.T) {
		h := newHarness(t, factory)
		branched := Block(0)
		branched.Course.Branch = "draft"
		branched.Course.Version = "abc"
		require.NoError(t, h.client.Set(h.ctx, User(0), branched, userstate.ScopeUserState, userstate.Fields{"a": "b"}))

		rec, err := h.client.Get(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil)
		require.NoError(t, err)
		assert.Equal(t, Block(0), rec.Block)
		assert.Equal(t, userstate.Fields{"a": "b"}, rec.Fields)
	})

	t.Run("NumbersNormalized", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"i": 3, "f": 2.5, "whole": 4.0, "list": []int{1, 2}})
		assert.Equal(t, userstate.Fields{
			"i":     int64(3),
			"f":     2.5,
			"whole": int64(4),
			"list":  []any{int64(1), int64(2)},
		}, h.mustGet(0, 0))
	})

	t.Run("ModDate", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b", "c": "d"})
		rec, err := h.client.Get(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil)
		require.NoError(t, err)

		dates, err := h.client.GetModDate(h.ctx, User(0), Block(0), userstate.ScopeUserState, []string{"a", "z"})
		require.NoError(t, err)
		assert.Equal(t, map[string]time.Time{"a": rec.Updated}, dates)

		dates, err = h.client.GetModDate(h.ctx, User(0), Block(9), userstate.ScopeUserState, nil)
		require.NoError(t, err)
		assert.Empty(t, dates)
	})
}

func runHistory(t *testing.T, factory Factory) {
	t.Run("Empty", func(t *testing.T) {
		h := newHarness(t, factory)
		_, err := h.client.GetHistory(h.ctx, User(0), Block(0), userstate.ScopeUserState)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
	})

	t.Run("Single", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		entries := h.history(0, 0)
		require.Len(t, entries, 1)
		assert.Equal(t, userstate.Fields{"a": "b"}, entries[0].Fields)
		assert.Equal(t, userstate.OperationSet, entries[0].Operation)
	})

	t.Run("NewestFirst", func(t *testing.T) {
		h := newHarness(t, factory)
		for i := 0; i < 3; i++ {
			h.set(0, 0, userstate.Fields{"a": int64(i)})
		}
		entries := h.history(0, 0)
		require.Len(t, entries, 3)
		for i, want := range []int64{2, 1, 0} {
			assert.Equal(t, userstate.Fields{"a": want}, entries[i].Fields)
		}
		for i := 1; i < len(entries); i++ {
			assert.False(t, entries[i].Updated.After(entries[i-1].Updated), "entry %d is newer than its predecessor", i)
		}
	})

	t.Run("Distinct", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": int64(0)})
		h.set(0, 1, userstate.Fields{"a": int64(1)})
		assert.Equal(t, userstate.Fields{"a": int64(0)}, h.history(0, 0)[0].Fields)
		assert.Equal(t, userstate.Fields{"a": int64(1)}, h.history(0, 1)[0].Fields)
		assert.Len(t, h.history(0, 0), 1)
	})

	t.Run("SetMany", func(t *testing.T) {
		h := newHarness(t, factory)
		require.NoError(t, h.client.SetMany(h.ctx, User(0), map[userstate.BlockKey]userstate.Fields{
			Block(0): {"a": int64(0)},
			Block(1): {"a": int64(1)},
		}, userstate.ScopeUserState))
		assert.Equal(t, userstate.Fields{"a": int64(0)}, h.history(0, 0)[0].Fields)
		assert.Equal(t, userstate.Fields{"a": int64(1)}, h.history(0, 1)[0].Fields)
	})

	t.Run("SnapshotsFullState", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 0, userstate.Fields{"c": "d"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, []string{"a"}))
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil))

		entries := h.history(0, 0)
		require.Len(t, entries, 4)
		assert.True(t, entries[0].Deleted())
		assert.Equal(t, userstate.OperationDelete, entries[0].Operation)
		assert.Equal(t, userstate.Fields{"c": "d"}, entries[1].Fields)
		assert.Equal(t, userstate.Fields{"a": "b", "c": "d"}, entries[2].Fields)
		assert.Equal(t, userstate.Fields{"a": "b"}, entries[3].Fields)
	})

	t.Run("SurvivesRecordRemoval", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil))
		h.set(0, 0, userstate.Fields{"x": "y"})

		entries := h.history(0, 0)
		require.Len(t, entries, 3)
		assert.Equal(t, userstate.Fields{"x": "y"}, entries[0].Fields)
		assert.True(t, entries[1].Deleted())
	})

	t.Run("RecreateAfterDeleteStaysNewest", func(t *testing.T) {
		at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
		store := factory(t, func() time.Time { return at })
		client, err := userstate.New(store)
		require.NoError(t, err)
		h := &harness{t: t, ctx: context.Background(), client: client, store: store}

		h.set(0, 0, userstate.Fields{"a": int64(0)})
		h.set(0, 0, userstate.Fields{"a": int64(1)})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil))
		h.set(0, 0, userstate.Fields{"a": int64(2)})

		entries := h.history(0, 0)
		require.Len(t, entries, 4)
		assert.Equal(t, userstate.Fields{"a": int64(2)}, entries[0].Fields)
		assert.True(t, entries[1].Deleted())
		assert.Equal(t, userstate.Fields{"a": int64(1)}, entries[2].Fields)
		assert.Equal(t, userstate.Fields{"a": int64(0)}, entries[3].Fields)
		for i := 1; i < len(entries); i++ {
			assert.True(t, entries[i-1].Updated.After(entries[i].Updated), "entry %d is not older than its predecessor", i)
		}
	})

	t.Run("PolicyFiltersBlockTypes", func(t *testing.T) {
		h := newHarness(t, factory, userstate.WithHistoryPolicy(userstate.RecordBlockTypes("html")))
		h.set(0, 0, userstate.Fields{"a": "b"})
		_, err := h.client.GetHistory(h.ctx, User(0), Block(0), userstate.ScopeUserState)
		assert.ErrorIs(t, err, userstate.ErrNotFound)
		assert.Equal(t, userstate.Fields{"a": "b"}, h.mustGet(0, 0))
	})
}

func runScan(t *testing.T, factory Factory) {
	collect := func(t *testing.T, seq func(func(userstate.Record, error) bool)) []userstate.Record {
		t.Helper()
		var out []userstate.Record
		for rec, err := range seq {
			require.NoError(t, err)
			out = append(out, rec)
		}
		return out
	}
	users := func(records []userstate.Record) []userstate.UserID {
		out := make([]userstate.UserID, 0, len(records))
		for _, rec := range records {
			out = append(out, rec.User)
		}
		slices.Sort(out)
		return out
	}

	t.Run("BlockEmpty", func(t *testing.T) {
		h := newHarness(t, factory)
		seq, err := h.client.IterAllForBlock(h.ctx, Block(0), userstate.ScopeUserState)
		require.NoError(t, err)
		assert.Empty(t, collect(t, seq))
	})

	t.Run("BlockManyUsers", func(t *testing.T) {
		h := newHarness(t, factory)
		for u := 0; u < 7; u++ {
			h.set(u, 0, userstate.Fields{"u": int64(u)})
		}
		h.set(0, 1, userstate.Fields{"other": true})

		seq, err := h.client.IterAllForBlock(h.ctx, Block(0), userstate.ScopeUserState, userstate.WithBatchSize(3))
		require.NoError(t, err)
		records := collect(t, seq)
		require.Len(t, records, 7)
		assert.Equal(t, []userstate.UserID{User(0), User(1), User(2), User(3), User(4), User(5), User(6)}, users(records))
		for _, rec := range records {
			assert.Equal(t, Block(0), rec.Block)
		}
	})

	t.Run("BlockDeleted", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(1, 0, userstate.Fields{"a": "b"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(0), userstate.ScopeUserState, nil))

		seq, err := h.client.IterAllForBlock(h.ctx, Block(0), userstate.ScopeUserState)
		require.NoError(t, err)
		assert.Equal(t, []userstate.UserID{User(1)}, users(collect(t, seq)))
	})

	t.Run("CourseManyUsers", func(t *testing.T) {
		h := newHarness(t, factory)
		for u := 0; u < 3; u++ {
			for b := 0; b < 4; b++ {
				h.set(u, b, userstate.Fields{"b": int64(b)})
			}
		}
		html := userstate.NewBlockKey(course, "html", "intro")
		require.NoError(t, h.client.Set(h.ctx, User(0), html, userstate.ScopeUserState, userstate.Fields{"seen": true}))
		other := userstate.NewBlockKey(userstate.CourseKey{Org: "org", Course: "cs102", Run: "2026"}, "problem", "p0")
		require.NoError(t, h.client.Set(h.ctx, User(0), other, userstate.ScopeUserState, userstate.Fields{"x": true}))

		seq, err := h.client.IterAllForCourse(h.ctx, course, userstate.ScopeUserState, userstate.WithBatchSize(5))
		require.NoError(t, err)
		assert.Len(t, collect(t, seq), 13)

		seq, err = h.client.IterAllForCourse(h.ctx, course, userstate.ScopeUserState, userstate.WithBlockType("html"))
		require.NoError(t, err)
		records := collect(t, seq)
		require.Len(t, records, 1)
		assert.Equal(t, html, records[0].Block)
	})

	t.Run("CourseEmpty", func(t *testing.T) {
		h := newHarness(t, factory)
		seq, err := h.client.IterAllForCourse(h.ctx, course, userstate.ScopeUserState)
		require.NoError(t, err)
		assert.Empty(t, collect(t, seq))
	})

	t.Run("CourseDeleted", func(t *testing.T) {
		h := newHarness(t, factory)
		h.set(0, 0, userstate.Fields{"a": "b"})
		h.set(0, 1, userstate.Fields{"a": "b"})
		require.NoError(t, h.client.Delete(h.ctx, User(0), Block(1), userstate.ScopeUserState, []string{"a"}))

		seq, err := h.client.IterAllForCourse(h.ctx, course, userstate.ScopeUserState)
		require.NoError(t, err)
		records := collect(t, seq)
		require.Len(t, records, 1)
		assert.Equal(t, Block(0), records[0].Block)
	})

	t.Run("Abandon", func(t *testing.T) {
		h := newHarness(t, factory)
		for u := 0; u < 5; u++ {
			h.set(u, 0, userstate.Fields{"a": "b"})
		}
		seq, err := h.client.IterAllForBlock(h.ctx, Block(0), userstate.ScopeUserState, userstate.WithBatchSize(2))
		require.NoError(t, err)
		seen := 0
		for _, err := range seq {
			require.NoError(t, err)
			seen++
			if seen == 3 {
				break
			}
		}
		assert.Equal(t, 3, seen)
	})
}

func runStore(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("UpsertReportsMergedState", func(t *testing.T) {
		store := factory(t, nil)
		_, err := store.UpsertMany(ctx, User(0), userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{Block(0): {"a": "b"}})
		require.NoError(t, err)
		mutations, err := store.UpsertMany(ctx, User(0), userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{Block(0): {"c": "d"}})
		require.NoError(t, err)
		require.Len(t, mutations, 1)
		assert.Equal(t, userstate.Fields{"a": "b", "c": "d"}, mutations[0].Fields)
		assert.False(t, mutations[0].Removed())
	})

	t.Run("RemoveSkipsMissing", func(t *testing.T) {
		store := factory(t, nil)
		mutations, err := store.RemoveMany(ctx, User(0), userstate.ScopeUserState, []userstate.BlockKey{Block(0)}, nil)
		require.NoError(t, err)
		assert.Empty(t, mutations)
	})

	t.Run("RemoveReportsRemoval", func(t *testing.T) {
		store := factory(t, nil)
		_, err := store.UpsertMany(ctx, User(0), userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{Block(0): {"a": "b"}})
		require.NoError(t, err)
		mutations, err := store.RemoveMany(ctx, User(0), userstate.ScopeUserState, []userstate.BlockKey{Block(0)}, []string{"a"})
		require.NoError(t, err)
		require.Len(t, mutations, 1)
		assert.True(t, mutations[0].Removed())
	})

	t.Run("UpdatedNeverGoesBackwards", func(t *testing.T) {
		store := factory(t, nil)
		var last time.Time
		for i := 0; i < 20; i++ {
			mutations, err := store.UpsertMany(ctx, User(0), userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{Block(0): {"n": int64(i)}})
			require.NoError(t, err)
			require.Len(t, mutations, 1)
			assert.True(t, mutations[0].Updated.After(last))
			last = mutations[0].Updated
		}
	})

	t.Run("HistoryTiesKeepInsertionOrder", func(t *testing.T) {
		store := factory(t, nil)
		at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		entries := []userstate.HistoryEntry{
			{User: User(0), Block: Block(0), Scope: userstate.ScopeUserState, Operation: userstate.OperationSet, Fields: userstate.Fields{"n": int64(1)}, Updated: at},
			{User: User(0), Block: Block(0), Scope: userstate.ScopeUserState, Operation: userstate.OperationSet, Fields: userstate.Fields{"n": int64(2)}, Updated: at},
		}
		require.NoError(t, store.AppendHistory(ctx, entries[:1]))
		require.NoError(t, store.AppendHistory(ctx, entries[1:]))

		got, err := store.History(ctx, User(0), Block(0), userstate.ScopeUserState)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, userstate.Fields{"n": int64(2)}, got[0].Fields)
		assert.Equal(t, userstate.Fields{"n": int64(1)}, got[1].Fields)
	})

	t.Run("ScanPagesResume", func(t *testing.T) {
		store := factory(t, nil)
		for u := 0; u < 5; u++ {
			_, err := store.UpsertMany(ctx, User(u), userstate.ScopeUserState, map[userstate.BlockKey]userstate.Fields{Block(0): {"u": int64(u)}})
			require.NoError(t, err)
		}
		req := userstate.ScanRequest{Scope: userstate.ScopeUserState, Block: Block(0), Limit: 2}
		total := 0
		pages := 0
		for {
			page, err := store.Scan(ctx, req)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(page.Records), 2)
			total += len(page.Records)
			pages++
			if page.Next == "" {
				break
			}
			req.After = page.Next
		}
		assert.Equal(t, 5, total)
		assert.GreaterOrEqual(t, pages, 3)
	})
}
