package badger

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Config holds configuration for a badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string `yaml:"path"`
	// InMemory keeps everything in memory. Data is lost on Close.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`
	// GCDiscardRatio is the garbage ratio that triggers a value log rewrite.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
	// MaxRetries bounds how often a conflicting write is retried.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultConfig returns durable defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
		MaxRetries:     8,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		MaxRetries: 8,
	}
}

func openDB(cfg Config, logger *zap.Logger) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger: create directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&zapLogger{logger: logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open: %w", err)
	}
	return db, nil
}

// zapLogger adapts zap to badger.Logger.
type zapLogger struct {
	logger *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...any) {
	l.logger.Errorf(format, args...)
}

func (l *zapLogger) Warningf(format string, args ...any) {
	l.logger.Warnf(format, args...)
}

func (l *zapLogger) Infof(format string, args ...any) {
	l.logger.Infof(format, args...)
}

func (l *zapLogger) Debugf(format string, args ...any) {
	l.logger.Debugf(format, args...)
}
