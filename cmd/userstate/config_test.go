package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "userstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, "all", cfg.History.Policy)
	assert.Equal(t, userstate.DefaultBatchSize, cfg.Scan.BatchSize)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
backend: badger
badger:
  path: /var/lib/userstate
  gc_interval: 10m
history:
  policy: block_types
  block_types: [problem]
scan:
  batch_size: 200
  pages_per_second: 5
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Backend)
	assert.Equal(t, "/var/lib/userstate", cfg.Badger.Path)
	assert.Equal(t, 10*time.Minute, cfg.Badger.GCInterval)
	assert.True(t, cfg.Badger.SyncWrites, "unset keys keep their defaults")
	assert.Equal(t, []string{"problem"}, cfg.History.BlockTypes)
	assert.Equal(t, 200, cfg.Scan.BatchSize)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"unknown backend":       "backend: redis\n",
		"leveldb without path":  "backend: leveldb\n",
		"badger without path":   "backend: badger\n",
		"rule without rule":     "history:\n  policy: rule\n",
		"block types empty":     "history:\n  policy: block_types\n",
		"unknown policy":        "history:\n  policy: sometimes\n",
		"negative batch size":   "scan:\n  batch_size: -1\n",
		"unknown log level":     "log:\n  level: loud\n",
		"nats without a bucket": "nats:\n  bucket: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestHistoryPolicyFromConfig(t *testing.T) {
	for _, hc := range []HistoryConfig{
		{Policy: "all"},
		{Policy: "none"},
		{Policy: "block_types", BlockTypes: []string{"problem"}},
		{Policy: "rule", Rule: `block_type == "problem"`, Engine: "expr"},
		{Policy: "rule", Rule: `block_type == "problem"`, Engine: "cel"},
	} {
		policy, err := hc.HistoryPolicy(zap.NewNop())
		require.NoError(t, err, hc.Policy)
		assert.NotNil(t, policy)
	}
	_, err := HistoryConfig{Policy: "rule", Rule: `"not a bool"`, Engine: "expr"}.HistoryPolicy(zap.NewNop())
	assert.Error(t, err)
}
