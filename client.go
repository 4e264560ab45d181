package userstate

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/goliatone/go-userstate/overlay"
	"github.com/goliatone/go-userstate/pkg/activity"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Client reads and writes per-user block state through a StateStore. It
// holds no mutable state of its own and is safe for concurrent use.
type Client struct {
	store     StateStore
	history   HistoryLog
	scanner   Scanner
	policy    HistoryPolicy
	logger    *zap.Logger
	emitter   *activity.Emitter
	metrics   *metrics
	tracer    trace.Tracer
	batchSize int
	newID     func() uuid.UUID
}

// New builds a client over store. When store also implements HistoryLog or
// Scanner those capabilities are used unless overridden by options.
func New(store StateStore, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	cfg := applyOptions(opts)

	history := cfg.history
	if !cfg.historySet {
		if log, ok := store.(HistoryLog); ok {
			history = log
		}
	}
	scanner := cfg.scanner
	if !cfg.scannerSet {
		if s, ok := store.(Scanner); ok {
			scanner = s
		}
	}

	m, err := newMetrics(cfg.registerer)
	if err != nil {
		return nil, fmt.Errorf("userstate: metrics: %w", err)
	}

	return &Client{
		store:     store,
		history:   history,
		scanner:   scanner,
		policy:    cfg.policy,
		logger:    cfg.logger.Named("userstate"),
		emitter:   activity.NewEmitter(cfg.hooks, cfg.activity),
		metrics:   m,
		tracer:    newTracer(cfg.tracerProvider),
		batchSize: cfg.batchSize,
		newID:     cfg.newID,
	}, nil
}

// Get returns the record for one key. fields restricts the returned fields;
// nil returns all of them. A missing record yields a *NotFoundError, while
// requested fields that are absent from an existing record are skipped.
func (c *Client) Get(ctx context.Context, user UserID, block BlockKey, scope Scope, fields []string) (Record, error) {
	ctx, op := c.begin(ctx, "get", user, scope, 1)
	rec, err := c.get(ctx, user, block, scope, fields)
	op.end(err)
	return rec, err
}

func (c *Client) get(ctx context.Context, user UserID, block BlockKey, scope Scope, fields []string) (Record, error) {
	keys, err := c.prepareKeys(user, scope, []BlockKey{block})
	if err != nil {
		return Record{}, err
	}
	for rec, err := range c.store.FetchMany(ctx, user, scope, keys) {
		if err != nil {
			return Record{}, c.wrap("get", err)
		}
		rec.Fields = overlay.Filter(rec.Fields, fields)
		return rec, nil
	}
	return Record{}, &NotFoundError{User: user, Block: keys[0], Scope: scope}
}

// GetMany yields the records that exist among blocks, in no particular order.
// The sequence is lazy and may be abandoned at any point.
func (c *Client) GetMany(ctx context.Context, user UserID, blocks []BlockKey, scope Scope, fields []string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		ctx, op := c.begin(ctx, "get_many", user, scope, len(blocks))
		var opErr error
		defer func() { op.end(opErr) }()

		keys, err := c.prepareKeys(user, scope, blocks)
		if err != nil {
			opErr = err
			yield(Record{}, err)
			return
		}
		for rec, err := range c.store.FetchMany(ctx, user, scope, keys) {
			if err != nil {
				opErr = c.wrap("get_many", err)
				yield(Record{}, opErr)
				return
			}
			rec.Fields = overlay.Filter(rec.Fields, fields)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Set overlays fields onto the record, creating it when absent.
func (c *Client) Set(ctx context.Context, user UserID, block BlockKey, scope Scope, fields Fields) error {
	return c.SetMany(ctx, user, map[BlockKey]Fields{block: fields}, scope)
}

// SetMany applies Set to every entry of states. Each key is written
// atomically; there is no atomicity across keys.
func (c *Client) SetMany(ctx context.Context, user UserID, states map[BlockKey]Fields, scope Scope) error {
	ctx, op := c.begin(ctx, "set_many", user, scope, len(states))
	err := c.setMany(ctx, user, states, scope)
	op.end(err)
	return err
}

func (c *Client) setMany(ctx context.Context, user UserID, states map[BlockKey]Fields, scope Scope) error {
	if err := validateUserScope(user, scope); err != nil {
		return err
	}

	// Keys that only differ by branch or version collapse onto one identity;
	// they are overlaid in key order.
	keys := make([]BlockKey, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b BlockKey) int { return cmp.Compare(a.String(), b.String()) })

	deltas := make(map[BlockKey]Fields, len(states))
	touched := make(map[BlockKey][]string, len(states))
	for _, key := range keys {
		if err := key.Validate(); err != nil {
			return err
		}
		normalized, err := overlay.Normalize(states[key])
		if err != nil {
			return &ValidationError{Field: "fields", Value: key.String(), Reason: "value is not JSON-compatible", Err: err}
		}
		if len(normalized) == 0 {
			continue
		}
		canonical := Canonicalize(key)
		if existing, ok := deltas[canonical]; ok {
			deltas[canonical] = overlay.Overlay(existing, normalized)
		} else {
			deltas[canonical] = normalized
		}
		touched[canonical] = deltas[canonical].Names()
	}
	if len(deltas) == 0 {
		return nil
	}

	mutations, err := c.store.UpsertMany(ctx, user, scope, deltas)
	if err != nil {
		return c.partialFailure(ctx, "set_many", user, scope, mutations, touched, err)
	}
	c.logger.Debug("state set",
		zap.String("user", string(user)),
		zap.String("scope", string(scope)),
		zap.Int("keys", len(deltas)),
		zap.Int("mutations", len(mutations)),
	)
	return c.afterMutation(ctx, user, scope, mutations, touched)
}

// Delete removes fields from the record, or the whole record when fields is
// nil. A record left without fields is deleted. Missing records are ignored.
func (c *Client) Delete(ctx context.Context, user UserID, block BlockKey, scope Scope, fields []string) error {
	return c.DeleteMany(ctx, user, []BlockKey{block}, scope, fields)
}

// DeleteMany applies Delete to every block.
func (c *Client) DeleteMany(ctx context.Context, user UserID, blocks []BlockKey, scope Scope, fields []string) error {
	ctx, op := c.begin(ctx, "delete_many", user, scope, len(blocks))
	err := c.deleteMany(ctx, user, blocks, scope, fields)
	op.end(err)
	return err
}

func (c *Client) deleteMany(ctx context.Context, user UserID, blocks []BlockKey, scope Scope, fields []string) error {
	keys, err := c.prepareKeys(user, scope, blocks)
	if err != nil {
		return err
	}
	if len(keys) == 0 || (fields != nil && len(fields) == 0) {
		return nil
	}

	touched := make(map[BlockKey][]string, len(keys))
	if fields != nil {
		for _, key := range keys {
			touched[key] = fields
		}
	}
	mutations, err := c.store.RemoveMany(ctx, user, scope, keys, fields)
	if err != nil {
		return c.partialFailure(ctx, "delete_many", user, scope, mutations, touched, err)
	}
	c.logger.Debug("state deleted",
		zap.String("user", string(user)),
		zap.String("scope", string(scope)),
		zap.Int("keys", len(keys)),
		zap.Int("mutations", len(mutations)),
		zap.Bool("whole_record", fields == nil),
	)
	return c.afterMutation(ctx, user, scope, mutations, touched)
}

// partialFailure records the mutations a store applied before failing. Those
// writes stand, so they still get history and activity.
func (c *Client) partialFailure(ctx context.Context, op string, user UserID, scope Scope, applied []Mutation, touched map[BlockKey][]string, err error) error {
	err = c.wrap(op, err)
	if len(applied) == 0 {
		return err
	}
	c.logger.Warn("batch partially applied",
		zap.String("op", op),
		zap.String("user", string(user)),
		zap.Int("applied", len(applied)),
	)
	if histErr := c.afterMutation(ctx, user, scope, applied, touched); histErr != nil {
		return errors.Join(err, histErr)
	}
	return err
}

// GetHistory returns the history of one key, newest first. It fails with a
// *NotFoundError when the key was never written and with a
// *NotSupportedError when no history log is configured.
func (c *Client) GetHistory(ctx context.Context, user UserID, block BlockKey, scope Scope) (iter.Seq[HistoryEntry], error) {
	ctx, op := c.begin(ctx, "get_history", user, scope, 1)
	entries, err := c.getHistory(ctx, user, block, scope)
	op.end(err)
	if err != nil {
		return nil, err
	}
	return func(yield func(HistoryEntry) bool) {
		for _, entry := range entries {
			entry.Fields = entry.Fields.Clone()
			if !yield(entry) {
				return
			}
		}
	}, nil
}

func (c *Client) getHistory(ctx context.Context, user UserID, block BlockKey, scope Scope) ([]HistoryEntry, error) {
	if c.history == nil {
		return nil, &NotSupportedError{Operation: "get_history", Backend: backendName(c.store)}
	}
	keys, err := c.prepareKeys(user, scope, []BlockKey{block})
	if err != nil {
		return nil, err
	}
	entries, err := c.history.History(ctx, user, keys[0], scope)
	if err != nil {
		return nil, c.wrap("get_history", err)
	}
	if len(entries) == 0 {
		return nil, &NotFoundError{User: user, Block: keys[0], Scope: scope}
	}
	return entries, nil
}

// GetModDate reports, for every requested field present on the record, when
// it was last written. Stores track one timestamp per record, so every field
// reports the record's update time. Missing records yield an empty map.
func (c *Client) GetModDate(ctx context.Context, user UserID, block BlockKey, scope Scope, fields []string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	for date, err := range c.GetModDateMany(ctx, user, []BlockKey{block}, scope, fields) {
		if err != nil {
			return nil, err
		}
		out[date.Field] = date.Modified
	}
	return out, nil
}

// GetModDateMany yields one FieldModDate per present field of every existing
// record among blocks.
func (c *Client) GetModDateMany(ctx context.Context, user UserID, blocks []BlockKey, scope Scope, fields []string) iter.Seq2[FieldModDate, error] {
	return func(yield func(FieldModDate, error) bool) {
		for rec, err := range c.GetMany(ctx, user, blocks, scope, fields) {
			if err != nil {
				yield(FieldModDate{}, err)
				return
			}
			names := rec.Fields.Names()
			slices.Sort(names)
			for _, name := range names {
				if !yield(FieldModDate{Block: rec.Block, Field: name, Modified: rec.Updated}, nil) {
					return
				}
			}
		}
	}
}

// SupportsHistory reports whether GetHistory can succeed.
func (c *Client) SupportsHistory() bool {
	return c.history != nil
}

// SupportsScan reports whether IterAllForBlock and IterAllForCourse can
// succeed.
func (c *Client) SupportsScan() bool {
	return c.scanner != nil
}

func (c *Client) prepareKeys(user UserID, scope Scope, blocks []BlockKey) ([]BlockKey, error) {
	if err := validateUserScope(user, scope); err != nil {
		return nil, err
	}
	keys := make([]BlockKey, 0, len(blocks))
	seen := make(map[BlockKey]struct{}, len(blocks))
	for _, block := range blocks {
		if err := block.Validate(); err != nil {
			return nil, err
		}
		canonical := Canonicalize(block)
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		keys = append(keys, canonical)
	}
	return keys, nil
}

func validateUserScope(user UserID, scope Scope) error {
	if err := user.Validate(); err != nil {
		return err
	}
	return scope.Validate()
}

// wrap leaves typed errors untouched so callers can match them directly.
func (c *Client) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotSupported) || errors.Is(err, ErrInvalid) {
		return err
	}
	c.logger.Warn("backend failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("userstate: %s: %w", op, err)
}

func backendName(store StateStore) string {
	if named, ok := store.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", store)
}
