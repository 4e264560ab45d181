package keyspace

import (
	"bytes"
	"sort"
	"testing"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	course = userstate.CourseKey{Org: "org", Course: "cs101", Run: "2026"}
	block  = userstate.NewBlockKey(course, "problem", "p1")
)

func TestStateRoundTrip(t *testing.T) {
	key := State("alice", userstate.ScopeUserState, block)

	user, scope, parsed, err := ParseState(key)
	require.NoError(t, err)
	assert.Equal(t, userstate.UserID("alice"), user)
	assert.Equal(t, userstate.ScopeUserState, scope)
	assert.Equal(t, block, parsed)
}

func TestParseStateRejectsForeignKeys(t *testing.T) {
	_, _, _, err := ParseState([]byte("not-a-key"))
	assert.ErrorIs(t, err, ErrMalformedKey)

	history := History("alice", userstate.ScopeUserState, block, time.Unix(1, 0), 1)
	_, _, _, err = ParseState(history)
	assert.ErrorIs(t, err, ErrMalformedKey)
}

func TestPrefixesNest(t *testing.T) {
	key := State("alice", userstate.ScopeUserState, block)

	assert.True(t, bytes.HasPrefix(key, BlockPrefix(userstate.ScopeUserState, block)))
	assert.True(t, bytes.HasPrefix(key, CoursePrefix(userstate.ScopeUserState, course, "")))
	assert.True(t, bytes.HasPrefix(key, CoursePrefix(userstate.ScopeUserState, course, "problem")))
	assert.True(t, bytes.HasPrefix(key, ScopePrefix(userstate.ScopeUserState)))

	assert.False(t, bytes.HasPrefix(key, CoursePrefix(userstate.ScopeUserState, course, "html")))
	assert.False(t, bytes.HasPrefix(key, ScopePrefix(userstate.ScopePreferences)))
}

func TestBlockPrefixDoesNotMatchLongerIDs(t *testing.T) {
	other := userstate.NewBlockKey(course, "problem", "p10")
	key := State("alice", userstate.ScopeUserState, other)

	assert.False(t, bytes.HasPrefix(key, BlockPrefix(userstate.ScopeUserState, block)))
}

func TestHistoryKeysSortNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	keys := [][]byte{
		History("alice", userstate.ScopeUserState, block, base, 1),
		History("alice", userstate.ScopeUserState, block, base.Add(time.Second), 2),
		History("alice", userstate.ScopeUserState, block, base.Add(time.Second), 3),
		History("alice", userstate.ScopeUserState, block, base.Add(-time.Second), 4),
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	var seqs []uint64
	for _, key := range keys {
		seq, err := HistorySequence(key)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, []uint64{3, 2, 1, 4}, seqs)
}

func TestHistoryPrefixSeparatesUsers(t *testing.T) {
	key := History("alice2", userstate.ScopeUserState, block, time.Unix(1, 0), 1)
	assert.False(t, bytes.HasPrefix(key, HistoryPrefix("alice", userstate.ScopeUserState, block)))
	assert.True(t, bytes.HasPrefix(key, HistoryPrefix("alice2", userstate.ScopeUserState, block)))
}

func TestAfterAndPrefixEnd(t *testing.T) {
	key := []byte("abc")
	assert.Equal(t, []byte("abc\x00"), After(key))
	assert.Equal(t, []byte("abd"), PrefixEnd(key))
	assert.Equal(t, []byte("b"), PrefixEnd([]byte("a\xff")))
	assert.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
}

func TestHistoryTime(t *testing.T) {
	at := time.Date(2026, 5, 4, 3, 2, 1, 123, time.UTC)
	got, err := HistoryTime(History("alice", userstate.ScopeUserState, block, at, 42))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = HistoryTime(State("alice", userstate.ScopeUserState, block))
	assert.ErrorIs(t, err, ErrMalformedKey)
}
