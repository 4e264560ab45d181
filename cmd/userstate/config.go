package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/pkg/backend/badger"
	"github.com/goliatone/go-userstate/pkg/backend/leveldb"
	"github.com/goliatone/go-userstate/pkg/backend/memory"
	"github.com/goliatone/go-userstate/pkg/backend/natskv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the YAML document read by --config.
type Config struct {
	Backend string        `yaml:"backend" validate:"required,oneof=memory leveldb badger nats"`
	LevelDB LevelDBConfig `yaml:"leveldb"`
	Badger  badger.Config `yaml:"badger"`
	NATS    natskv.Config `yaml:"nats"`
	History HistoryConfig `yaml:"history"`
	Scan    ScanConfig    `yaml:"scan"`
	Log     LogConfig     `yaml:"log"`
}

type LevelDBConfig struct {
	Path string `yaml:"path"`
	Sync bool   `yaml:"sync"`
}

type HistoryConfig struct {
	Policy     string   `yaml:"policy" validate:"omitempty,oneof=all none block_types rule"`
	BlockTypes []string `yaml:"block_types" validate:"required_if=Policy block_types"`
	Rule       string   `yaml:"rule" validate:"required_if=Policy rule"`
	Engine     string   `yaml:"engine" validate:"omitempty,oneof=expr cel js"`
}

type ScanConfig struct {
	BatchSize int `yaml:"batch_size" validate:"gte=0"`
	// PagesPerSecond throttles scans; zero means unlimited.
	PagesPerSecond float64 `yaml:"pages_per_second" validate:"gte=0"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns a configuration using the memory backend.
func DefaultConfig() Config {
	return Config{
		Backend: "memory",
		Badger:  badger.DefaultConfig(""),
		NATS:    natskv.DefaultConfig(),
		History: HistoryConfig{Policy: "all", Engine: "expr"},
		Scan:    ScanConfig{BatchSize: userstate.DefaultBatchSize},
		Log:     LogConfig{Level: "warn"},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Backend {
	case "leveldb":
		if c.LevelDB.Path == "" {
			return errors.New("invalid config: leveldb.path is required")
		}
	case "badger":
		if !c.Badger.InMemory && c.Badger.Path == "" {
			return errors.New("invalid config: badger.path is required unless badger.in_memory is set")
		}
	}
	return nil
}

// Logger builds the zap logger described by c.
func (c LogConfig) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		level, err := zapcore.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// HistoryPolicy builds the policy described by c.
func (c HistoryConfig) HistoryPolicy(logger *zap.Logger) (userstate.HistoryPolicy, error) {
	switch c.Policy {
	case "", "all":
		return userstate.RecordAll(), nil
	case "none":
		return userstate.RecordNone(), nil
	case "block_types":
		return userstate.RecordBlockTypes(c.BlockTypes...), nil
	case "rule":
		evaluator, err := userstate.NewEvaluator(c.Engine, userstate.NewProgramCache(0, 0), nil)
		if err != nil {
			return nil, err
		}
		rule, err := userstate.NewRule(c.Rule,
			userstate.RuleWithEvaluator(evaluator),
			userstate.RuleWithLogger(userstate.ZapEvaluatorLogger(logger)),
		)
		if err != nil {
			return nil, err
		}
		return userstate.RecordRule(rule), nil
	default:
		return nil, fmt.Errorf("unknown history policy %q", c.Policy)
	}
}

// openStore opens the configured backend. The returned store may implement
// userstate.Closer.
func openStore(ctx context.Context, cfg Config, logger *zap.Logger) (userstate.StateStore, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	case "leveldb":
		return leveldb.Open(cfg.LevelDB.Path, leveldb.WithSync(cfg.LevelDB.Sync), leveldb.WithLogger(logger))
	case "badger":
		return badger.Open(cfg.Badger, badger.WithLogger(logger))
	case "nats":
		timeout := cfg.NATS.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return natskv.Connect(dialCtx, cfg.NATS, natskv.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
