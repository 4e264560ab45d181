package userstate_test

import (
	"context"
	"errors"
	"testing"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/internal/mocks"
	"github.com/goliatone/go-userstate/pkg/backend/memory"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func scanClient(t *testing.T) (*userstate.Client, *mocks.MockScanner) {
	t.Helper()
	ctl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctl)
	return newClient(t, mocks.NewMockStateStore(ctl), userstate.WithScanner(scanner)), scanner
}

func rec(user string, fields userstate.Fields) userstate.Record {
	return userstate.Record{User: userstate.UserID(user), Block: problem, Scope: userstate.ScopeUserState, Fields: fields}
}

func TestScanNotSupportedIsEager(t *testing.T) {
	ctl := gomock.NewController(t)
	client := newClient(t, mocks.NewMockStateStore(ctl))

	seq, err := client.IterAllForBlock(context.Background(), problem, userstate.ScopeUserState)
	assert.Nil(t, seq)
	assert.ErrorIs(t, err, userstate.ErrNotSupported)

	_, err = client.IterAllForCourse(context.Background(), testCourse, userstate.ScopeUserState)
	assert.ErrorIs(t, err, userstate.ErrNotSupported)
}

func TestScanRejectsInvalidArguments(t *testing.T) {
	client, _ := scanClient(t)
	ctx := context.Background()

	_, err := client.IterAllForBlock(ctx, problem, userstate.ScopeUserState, userstate.WithBatchSize(0))
	assert.ErrorIs(t, err, userstate.ErrInvalid)

	_, err = client.IterAllForBlock(ctx, userstate.BlockKey{}, userstate.ScopeUserState)
	assert.ErrorIs(t, err, userstate.ErrInvalid)

	_, err = client.IterAllForCourse(ctx, userstate.CourseKey{}, userstate.ScopeUserState)
	assert.ErrorIs(t, err, userstate.ErrInvalid)

	_, err = client.IterAllForCourse(ctx, testCourse, userstate.Scope("nope"))
	assert.ErrorIs(t, err, userstate.ErrInvalid)
}

func TestScanFollowsPageTokens(t *testing.T) {
	client, scanner := scanClient(t)
	branched := problem
	branched.Course.Branch = "draft"

	gomock.InOrder(
		scanner.EXPECT().Scan(gomock.Any(), userstate.ScanRequest{Scope: userstate.ScopeUserState, Block: problem, Limit: 2}).
			Return(userstate.ScanPage{Records: []userstate.Record{rec("a", nil), rec("b", nil)}, Next: "t1"}, nil),
		scanner.EXPECT().Scan(gomock.Any(), userstate.ScanRequest{Scope: userstate.ScopeUserState, Block: problem, Limit: 2, After: "t1"}).
			Return(userstate.ScanPage{Records: []userstate.Record{rec("c", nil)}}, nil),
	)

	seq, err := client.IterAllForBlock(context.Background(), branched, userstate.ScopeUserState, userstate.WithBatchSize(2))
	require.NoError(t, err)

	var users []userstate.UserID
	for r, err := range seq {
		require.NoError(t, err)
		users = append(users, r.User)
	}
	assert.Equal(t, []userstate.UserID{"a", "b", "c"}, users)
}

func TestScanDefaultBatchSize(t *testing.T) {
	ctl := gomock.NewController(t)
	scanner := mocks.NewMockScanner(ctl)
	client := newClient(t, mocks.NewMockStateStore(ctl), userstate.WithScanner(scanner), userstate.WithDefaultBatchSize(250))

	scanner.EXPECT().
		Scan(gomock.Any(), userstate.ScanRequest{Scope: userstate.ScopeUserState, Course: testCourse, BlockType: "problem", Limit: 250}).
		Return(userstate.ScanPage{}, nil)

	seq, err := client.IterAllForCourse(context.Background(), testCourse, userstate.ScopeUserState, userstate.WithBlockType("problem"))
	require.NoError(t, err)
	for range seq {
		t.Fatal("expected no records")
	}
}

func TestScanStopsFetchingWhenAbandoned(t *testing.T) {
	client, scanner := scanClient(t)
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).
		Return(userstate.ScanPage{Records: []userstate.Record{rec("a", nil), rec("b", nil)}, Next: "t1"}, nil).
		Times(1)

	seq, err := client.IterAllForBlock(context.Background(), problem, userstate.ScopeUserState)
	require.NoError(t, err)
	for range seq {
		break
	}
}

func TestScanSurfacesBackendErrors(t *testing.T) {
	client, scanner := scanClient(t)
	boom := errors.New("unavailable")
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).Return(userstate.ScanPage{}, boom)

	seq, err := client.IterAllForBlock(context.Background(), problem, userstate.ScopeUserState)
	require.NoError(t, err)
	var got error
	for _, err := range seq {
		got = err
	}
	assert.ErrorIs(t, got, boom)
}

func TestScanDetectsStuckCursor(t *testing.T) {
	client, scanner := scanClient(t)
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).
		Return(userstate.ScanPage{Next: "same"}, nil).
		Times(2)

	seq, err := client.IterAllForBlock(context.Background(), problem, userstate.ScopeUserState)
	require.NoError(t, err)
	var got error
	for _, err := range seq {
		got = err
	}
	require.Error(t, got)
	assert.Contains(t, got.Error(), "did not advance")
}

func TestScanFilterRuleAndFields(t *testing.T) {
	client, scanner := scanClient(t)
	scanner.EXPECT().Scan(gomock.Any(), gomock.Any()).Return(userstate.ScanPage{Records: []userstate.Record{
		rec("a", userstate.Fields{"score": int64(9), "raw": "x"}),
		rec("b", userstate.Fields{"score": int64(3), "raw": "y"}),
	}}, nil)

	rule, err := userstate.NewRule(`fields.score >= 5`)
	require.NoError(t, err)

	seq, err := client.IterAllForBlock(context.Background(), problem, userstate.ScopeUserState,
		userstate.WithFilterRule(rule),
		userstate.WithScanFields("score"),
		userstate.WithRateLimit(rate.NewLimiter(rate.Inf, 1)),
	)
	require.NoError(t, err)

	var got []userstate.Record
	for r, err := range seq {
		require.NoError(t, err)
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, userstate.UserID("a"), got[0].User)
	assert.Equal(t, userstate.Fields{"score": int64(9)}, got[0].Fields)
}

func TestScanHonoursCancellation(t *testing.T) {
	client, _ := scanClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	seq, err := client.IterAllForBlock(ctx, problem, userstate.ScopeUserState)
	require.NoError(t, err)
	for _, err := range seq {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestScanAgainstMemoryStore(t *testing.T) {
	store := memory.New()
	client := newClient(t, store)
	ctx := context.Background()
	for _, user := range []userstate.UserID{"a", "b", "c"} {
		require.NoError(t, client.Set(ctx, user, problem, userstate.ScopeUserState, userstate.Fields{"seen": true}))
	}
	require.NoError(t, client.Set(ctx, "a", video, userstate.ScopeUserState, userstate.Fields{"seen": true}))

	seq, err := client.IterAllForCourse(ctx, testCourse, userstate.ScopeUserState, userstate.WithBlockType("video"), userstate.WithBatchSize(1))
	require.NoError(t, err)
	count := 0
	for r, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, video, r.Block)
		count++
	}
	assert.Equal(t, 1, count)
}
