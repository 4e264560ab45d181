package userstate_test

import (
	"encoding/json"
	"testing"

	userstate "github.com/goliatone/go-userstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBlockKeyRoundTrip(t *testing.T) {
	raws := []string{
		"block-v1:org+cs101+2026+type@problem+block@p1",
		"block-v1:org+cs101+2026+branch@draft+type@html+block@intro",
		"block-v1:org+cs101+2026+branch@draft+version@5f1a+type@video+block@v9",
	}
	for _, raw := range raws {
		key, err := userstate.ParseBlockKey(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, raw, key.String())
	}
}

func TestParseBlockKeyErrors(t *testing.T) {
	cases := map[string]string{
		"missing prefix":    "org+cs101+2026+type@problem+block@p1",
		"too few parts":     "block-v1:org+cs101+type@problem",
		"unknown qualifier": "block-v1:org+cs101+2026+kind@problem+block@p1",
		"missing id":        "block-v1:org+cs101+2026+type@problem+branch@x",
		"malformed":         "block-v1:org+cs101+2026+problem+block@p1",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := userstate.ParseBlockKey(raw)
			assert.ErrorIs(t, err, userstate.ErrInvalid)
		})
	}
}

func TestCanonicalizeStripsBranchAndVersion(t *testing.T) {
	key := userstate.MustParseBlockKey("block-v1:org+cs101+2026+branch@draft+version@abc+type@problem+block@p1")
	canonical := userstate.Canonicalize(key)

	assert.Equal(t, "block-v1:org+cs101+2026+type@problem+block@p1", canonical.String())
	assert.Equal(t, canonical, userstate.Canonicalize(canonical))
	assert.Equal(t, "org+cs101+2026", canonical.Course.Path())
}

func TestCourseKey(t *testing.T) {
	course, err := userstate.ParseCourseKey("course-v1:org+cs101+2026+branch@draft")
	require.NoError(t, err)
	assert.Equal(t, "draft", course.Branch)
	assert.Equal(t, "course-v1:org+cs101+2026", course.Canonical().String())

	_, err = userstate.ParseCourseKey("course-v1:org+cs101")
	assert.ErrorIs(t, err, userstate.ErrInvalid)

	_, err = userstate.ParseCourseKey("course-v1:org+cs 101+2026")
	assert.ErrorIs(t, err, userstate.ErrInvalid)
}

func TestBlockKeyJSON(t *testing.T) {
	key := userstate.MustParseBlockKey("block-v1:org+cs101+2026+type@problem+block@p1")
	data, err := json.Marshal(map[string]userstate.BlockKey{"block": key})
	require.NoError(t, err)
	assert.JSONEq(t, `{"block":"block-v1:org+cs101+2026+type@problem+block@p1"}`, string(data))

	var decoded map[string]userstate.BlockKey
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, key, decoded["block"])
}

func TestScopeValidation(t *testing.T) {
	for _, scope := range userstate.Scopes() {
		parsed, err := userstate.ParseScope(string(scope))
		require.NoError(t, err)
		assert.Equal(t, scope, parsed)
	}
	_, err := userstate.ParseScope("settings")
	assert.ErrorIs(t, err, userstate.ErrInvalid)
}

func TestUserIDValidation(t *testing.T) {
	assert.NoError(t, userstate.UserID("alice").Validate())
	assert.ErrorIs(t, userstate.UserID("").Validate(), userstate.ErrInvalid)
	assert.ErrorIs(t, userstate.UserID("a\x1fb").Validate(), userstate.ErrInvalid)
}
