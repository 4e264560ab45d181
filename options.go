package userstate

import (
	"github.com/goliatone/go-userstate/pkg/activity"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultBatchSize is the page size of bulk scans when none is requested.
const DefaultBatchSize = 1000

// Option configures a Client.
type Option func(*config)

type config struct {
	history        HistoryLog
	historySet     bool
	scanner        Scanner
	scannerSet     bool
	policy         HistoryPolicy
	logger         *zap.Logger
	hooks          activity.Hooks
	activity       activity.Config
	registerer     prometheus.Registerer
	tracerProvider trace.TracerProvider
	batchSize      int
	newID          func() uuid.UUID
}

func applyOptions(opts []Option) config {
	cfg := config{
		policy:    RecordAll(),
		logger:    zap.NewNop(),
		activity:  activity.Config{Enabled: true, Channel: "userstate"},
		batchSize: DefaultBatchSize,
		newID:     uuid.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithHistoryLog records history into log instead of the store's own log.
func WithHistoryLog(log HistoryLog) Option {
	return func(cfg *config) {
		cfg.history = log
		cfg.historySet = true
	}
}

// WithoutHistory disables history; GetHistory then reports NotSupported.
func WithoutHistory() Option {
	return WithHistoryLog(nil)
}

// WithScanner serves bulk scans from scanner instead of the store.
func WithScanner(scanner Scanner) Option {
	return func(cfg *config) {
		cfg.scanner = scanner
		cfg.scannerSet = true
	}
}

// WithHistoryPolicy selects which mutations produce history entries.
func WithHistoryPolicy(policy HistoryPolicy) Option {
	return func(cfg *config) {
		if policy == nil {
			policy = RecordNone()
		}
		cfg.policy = policy
	}
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			logger = zap.NewNop()
		}
		cfg.logger = logger
	}
}

// WithActivityHooks attaches hooks notified after every mutation.
// Hooks are cloned and nil entries dropped.
func WithActivityHooks(hooks activity.Hooks) Option {
	normalized := cloneActivityHooks(hooks)
	return func(cfg *config) {
		cfg.hooks = normalized
	}
}

// WithActivityConfig overrides the emitter defaults.
func WithActivityConfig(activityCfg activity.Config) Option {
	return func(cfg *config) {
		cfg.activity = activityCfg
	}
}

// WithMetrics registers the client collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.registerer = reg
	}
}

// WithTracerProvider sets the span source. The default is the global
// OpenTelemetry provider.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = provider
	}
}

// WithDefaultBatchSize sets the scan page size used when a scan does not
// request one.
func WithDefaultBatchSize(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.batchSize = size
		}
	}
}

// WithIDGenerator replaces uuid.New for history entry identifiers.
func WithIDGenerator(fn func() uuid.UUID) Option {
	return func(cfg *config) {
		if fn != nil {
			cfg.newID = fn
		}
	}
}

func cloneActivityHooks(hooks activity.Hooks) activity.Hooks {
	if len(hooks) == 0 {
		return nil
	}
	normalized := make([]activity.ActivityHook, 0, len(hooks))
	for _, hook := range hooks {
		if hook == nil {
			continue
		}
		normalized = append(normalized, hook)
	}
	if len(normalized) == 0 {
		return nil
	}
	return activity.Hooks(normalized)
}
