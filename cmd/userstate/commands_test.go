package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	userstate "github.com/goliatone/go-userstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	course = "course-v1:org+cs101+2026"
	block1 = "block-v1:org+cs101+2026+type@problem+block@p1"
	block2 = "block-v1:org+cs101+2026+type@video+block@v1"
)

// cli runs commands against one leveldb directory so state survives between
// invocations.
type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	return &cli{t: t, config: writeConfig(t, fmt.Sprintf("backend: leveldb\nleveldb:\n  path: %s\n", dir))}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), append([]string{"--config", c.config}, args...), &stdout, &stderr)
	return stdout.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, args)
	return out
}

func decodeLines[T any](t *testing.T, out string) []T {
	t.Helper()
	var items []T
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var item T
		require.NoError(t, json.Unmarshal([]byte(line), &item))
		items = append(items, item)
	}
	return items
}

func TestSetGetDelete(t *testing.T) {
	c := newCLI(t)
	c.mustRun("set", "alice", block1, `{"score": 3, "done": false}`)
	c.mustRun("set", "alice", block1, `{"done": true}`)

	records := decodeLines[recordOutput](t, c.mustRun("get", "alice", block1))
	require.Len(t, records, 1)
	assert.Equal(t, userstate.Fields{"score": float64(3), "done": true}, records[0].Fields)

	records = decodeLines[recordOutput](t, c.mustRun("get", "alice", block1, "--fields", "done"))
	assert.Equal(t, userstate.Fields{"done": true}, records[0].Fields)

	c.mustRun("delete", "alice", block1, "--fields", "done")
	records = decodeLines[recordOutput](t, c.mustRun("get", "alice", block1))
	assert.Equal(t, userstate.Fields{"score": float64(3)}, records[0].Fields)

	c.mustRun("delete", "alice", block1)
	_, err := c.run("get", "alice", block1)
	assert.ErrorIs(t, err, userstate.ErrNotFound)
}

func TestHistoryCommand(t *testing.T) {
	c := newCLI(t)
	c.mustRun("set", "alice", block1, `{"step": 1}`)
	c.mustRun("set", "alice", block1, `{"step": 2}`)
	c.mustRun("delete", "alice", block1)

	entries := decodeLines[historyOutput](t, c.mustRun("history", "alice", block1))
	require.Len(t, entries, 3)
	assert.Equal(t, userstate.OperationDelete, entries[0].Operation)
	assert.Nil(t, entries[0].Fields)
	assert.Equal(t, float64(2), entries[1].Fields["step"])
	assert.Equal(t, float64(1), entries[2].Fields["step"])

	limited := decodeLines[historyOutput](t, c.mustRun("history", "alice", block1, "--limit", "1"))
	assert.Len(t, limited, 1)
}

func TestScanCommands(t *testing.T) {
	c := newCLI(t)
	for _, user := range []string{"alice", "bob", "carol"} {
		c.mustRun("set", user, block1, `{"score": 1}`)
	}
	c.mustRun("set", "alice", block2, `{"watched": true}`)

	records := decodeLines[recordOutput](t, c.mustRun("scan-block", block1, "--batch-size", "2"))
	assert.Len(t, records, 3)

	records = decodeLines[recordOutput](t, c.mustRun("scan-course", course))
	assert.Len(t, records, 4)

	records = decodeLines[recordOutput](t, c.mustRun("scan-course", course, "--type", "video"))
	require.Len(t, records, 1)
	assert.Equal(t, userstate.UserID("alice"), records[0].User)

	records = decodeLines[recordOutput](t, c.mustRun("scan-course", course, "--filter", `user != "bob"`, "--limit", "10"))
	assert.Len(t, records, 3)

	records = decodeLines[recordOutput](t, c.mustRun("scan-block", block1, "--limit", "1"))
	assert.Len(t, records, 1)
}

func TestInvalidArguments(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("get", "alice", "not-a-block")
	assert.ErrorIs(t, err, userstate.ErrInvalid)

	_, err = c.run("set", "alice", block1, `[1, 2]`)
	assert.Error(t, err)

	_, err = c.run("--scope", "nope", "get", "alice", block1)
	assert.ErrorIs(t, err, userstate.ErrInvalid)

	_, err = c.run("get", "alice")
	assert.Error(t, err)
}

func TestBackendOverride(t *testing.T) {
	c := newCLI(t)
	out, err := c.run("--backend", "memory", "get", "alice", block1)
	assert.ErrorIs(t, err, userstate.ErrNotFound)
	assert.Empty(t, out)
}
