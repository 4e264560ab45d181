// Package natskv stores state in a NATS JetStream key/value bucket. Writes
// are compare-and-set on the key revision; history entries live in a second
// bucket.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/internal/codec"
	"github.com/goliatone/go-userstate/internal/keyspace"
	"github.com/goliatone/go-userstate/overlay"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reconnectDelay = time.Second

// StorageType selects JetStream storage for the buckets.
type StorageType string

const (
	Memory StorageType = "memory"
	File   StorageType = "file"
)

// Config describes the connection and the buckets.
type Config struct {
	URL           string        `yaml:"url" validate:"required"`
	Bucket        string        `yaml:"bucket" validate:"required"`
	HistoryBucket string        `yaml:"history_bucket"`
	Storage       StorageType   `yaml:"storage" validate:"omitempty,oneof=memory file"`
	Replicas      int           `yaml:"replicas" validate:"gte=0,lte=5"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	Concurrency   int           `yaml:"concurrency" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a local in-memory bucket configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "userstate",
		HistoryBucket: "userstate_history",
		Storage:       Memory,
		MaxRetries:    8,
		Concurrency:   16,
		Timeout:       5 * time.Second,
	}
}

// Store is a StateStore, HistoryLog and Scanner over NATS key/value buckets.
type Store struct {
	nc          *nats.Conn
	state       nats.KeyValue
	history     nats.KeyValue
	maxRetries  int
	concurrency int
	seq         atomic.Uint64
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for connection events and retries.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Connect dials cfg.URL, retrying until ctx is done, and binds or creates
// both buckets.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := newStore(cfg, opts)
	nc, err := s.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}

	storage := nats.MemoryStorage
	if cfg.Storage == File {
		storage = nats.FileStorage
	}
	historyBucket := cfg.HistoryBucket
	if historyBucket == "" {
		historyBucket = cfg.Bucket + "_history"
	}
	state, err := bucket(js, &nats.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "per-user block state",
		History:     1,
		Storage:     storage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	history, err := bucket(js, &nats.KeyValueConfig{
		Bucket:      historyBucket,
		Description: "per-user block state history",
		History:     1,
		Storage:     storage,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.nc = nc
	s.state = state
	s.history = history
	return s, nil
}

// New wraps buckets that are already bound. history may be nil, in which case
// the store does not record history.
func New(state, history nats.KeyValue, cfg Config, opts ...Option) *Store {
	s := newStore(cfg, opts)
	s.state = state
	s.history = history
	return s
}

func newStore(cfg Config, opts []Option) *Store {
	s := &Store{
		maxRetries:  cfg.MaxRetries,
		concurrency: cfg.Concurrency,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.Named("natskv")
	if s.maxRetries <= 0 {
		s.maxRetries = 1
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	s.seq.Store(uint64(s.now().UnixNano()))
	return s
}

func bucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.KeyValue(cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("natskv: bind %s: %w", cfg.Bucket, err)
	}
	kv, err = js.CreateKeyValue(cfg)
	if err != nil {
		return nil, fmt.Errorf("natskv: create %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

func (s *Store) dial(ctx context.Context, cfg Config) (*nats.Conn, error) {
	url := cfg.URL
	opts := []nats.Option{
		nats.ReconnectWait(reconnectDelay),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.logger.Warn("nats error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Info("disconnected from nats", zap.Error(err))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.logger.Info("nats connection closed")
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	for {
		nc, err := nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		s.logger.Info("nats connection failed", zap.String("url", url), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("natskv: connect %s: %w", url, ctx.Err())
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Store) Name() string {
	return "natskv"
}

// Close drains the connection when the store owns one.
func (s *Store) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func (s *Store) FetchMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey) iter.Seq2[userstate.Record, error] {
	return func(yield func(userstate.Record, error) bool) {
		for chunk := range userstate.Chunks(blocks, userstate.DefaultChunkSize) {
			found, err := s.fetchChunk(ctx, user, scope, chunk)
			if err != nil {
				yield(userstate.Record{}, err)
				return
			}
			for _, rec := range found {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) fetchChunk(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey) ([]userstate.Record, error) {
	var (
		mu    sync.Mutex
		found = make([]userstate.Record, 0, len(blocks))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, block := range blocks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			state, _, ok, err := s.read(stateKey(user, scope, block))
			if err != nil || !ok {
				return err
			}
			mu.Lock()
			found = append(found, userstate.Record{
				User:    user,
				Block:   block,
				Scope:   scope,
				Fields:  state.Fields,
				Updated: state.Updated,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// read returns the decoded state and revision of key.
func (s *Store) read(key string) (codec.State, uint64, bool, error) {
	entry, err := s.state.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return codec.State{}, 0, false, nil
	}
	if err != nil {
		return codec.State{}, 0, false, fmt.Errorf("natskv: get %s: %w", key, err)
	}
	if entry == nil || entry.Operation() != nats.KeyValuePut {
		return codec.State{}, 0, false, nil
	}
	state, err := codec.DecodeState(entry.Value())
	if err != nil {
		return codec.State{}, 0, false, err
	}
	return state, entry.Revision(), true, nil
}

func (s *Store) UpsertMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, deltas map[userstate.BlockKey]userstate.Fields) ([]userstate.Mutation, error) {
	mutations := make([]userstate.Mutation, 0, len(deltas))
	for _, block := range keyspace.SortedBlocks(deltas) {
		mutation, ok, err := s.update(ctx, stateKey(user, scope, block), func(prev *codec.State) (userstate.Fields, bool) {
			var existing userstate.Fields
			if prev != nil {
				existing = prev.Fields
			}
			return overlay.Overlay(existing, deltas[block]), true
		})
		if err != nil {
			return mutations, err
		}
		if ok {
			mutation.Block = block
			mutation.Operation = userstate.OperationSet
			mutations = append(mutations, mutation)
		}
	}
	return mutations, nil
}

func (s *Store) RemoveMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey, fields []string) ([]userstate.Mutation, error) {
	mutations := make([]userstate.Mutation, 0, len(blocks))
	for _, block := range blocks {
		mutation, ok, err := s.update(ctx, stateKey(user, scope, block), func(prev *codec.State) (userstate.Fields, bool) {
			if prev == nil {
				return nil, false
			}
			remaining, _ := overlay.Prune(prev.Fields, fields)
			return remaining, true
		})
		if err != nil {
			return mutations, err
		}
		if ok {
			mutation.Block = block
			mutation.Operation = userstate.OperationDelete
			mutations = append(mutations, mutation)
		}
	}
	return mutations, nil
}

// update retries a read-modify-write of key until its revision is unchanged
// between the read and the write.
func (s *Store) update(ctx context.Context, key string, fn func(prev *codec.State) (userstate.Fields, bool)) (userstate.Mutation, bool, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return userstate.Mutation{}, false, err
		}
		prev, rev, exists, err := s.read(key)
		if err != nil {
			return userstate.Mutation{}, false, err
		}
		var prevState *codec.State
		if exists {
			prevState = &prev
		}
		next, write := fn(prevState)
		if !write {
			return userstate.Mutation{}, false, nil
		}
		prevUpdated := prev.Updated
		if !exists {
			if prevUpdated, err = s.lastRecorded(ctx, key); err != nil {
				return userstate.Mutation{}, false, err
			}
		}
		updated := codec.NextUpdated(s.now(), prevUpdated)

		if len(next) == 0 {
			next = nil
			err = s.state.Delete(key, nats.LastRevision(rev))
		} else {
			var value []byte
			value, err = codec.EncodeState(next, updated)
			if err != nil {
				return userstate.Mutation{}, false, err
			}
			if exists {
				_, err = s.state.Update(key, value, rev)
			} else {
				_, err = s.state.Create(key, value)
			}
		}
		if err == nil {
			return userstate.Mutation{Fields: next.Clone(), Updated: updated}, true, nil
		}
		if !isConflict(err) {
			return userstate.Mutation{}, false, fmt.Errorf("natskv: write %s: %w", key, err)
		}
		if attempt >= s.maxRetries {
			return userstate.Mutation{}, false, fmt.Errorf("natskv: write %s: %w", key, ErrTooManyConflicts)
		}
		s.logger.Debug("revision conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt))
	}
}

// lastRecorded returns the timestamp of the newest history entry of the
// record stored at key, or the zero time when it has none.
func (s *Store) lastRecorded(ctx context.Context, key string) (time.Time, error) {
	if s.history == nil {
		return time.Time{}, nil
	}
	keys, err := listKeys(ctx, s.history, key+".*")
	if err != nil {
		return time.Time{}, fmt.Errorf("natskv: history keys: %w", err)
	}
	if len(keys) == 0 {
		return time.Time{}, nil
	}
	return historyTime(keys[0])
}

// ErrTooManyConflicts is returned when a key kept changing underneath a
// write for every allowed retry.
var ErrTooManyConflicts = errors.New("natskv: too many revision conflicts")

// isConflict matches a failed compare-and-set. The server reports a stale
// revision as an API error without a dedicated sentinel.
func isConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(err.Error(), "wrong last sequence")
}

func (s *Store) AppendHistory(ctx context.Context, entries []userstate.HistoryEntry) error {
	if s.history == nil {
		return nil
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := codec.EncodeHistory(entry)
		if err != nil {
			return err
		}
		key := historyKey(stateKey(entry.User, entry.Scope, entry.Block), entry.Updated, s.seq.Add(1))
		if _, err := s.history.Put(key, value); err != nil {
			return fmt.Errorf("natskv: put history: %w", err)
		}
	}
	return nil
}

func (s *Store) History(ctx context.Context, user userstate.UserID, block userstate.BlockKey, scope userstate.Scope) ([]userstate.HistoryEntry, error) {
	if s.history == nil {
		return nil, &userstate.NotSupportedError{Operation: "history", Backend: s.Name()}
	}
	values, err := watchAll(ctx, s.history, stateKey(user, scope, block)+".*")
	if err != nil {
		return nil, fmt.Errorf("natskv: history: %w", err)
	}
	if len(values) == 0 {
		return nil, &userstate.NotFoundError{User: user, Block: block, Scope: scope}
	}
	keys := sortedKeys(values)
	entries := make([]userstate.HistoryEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := codec.DecodeHistory(values[key])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Scan lists the matching keys with a metadata-only watch and reads the
// values of the page after req.After.
func (s *Store) Scan(ctx context.Context, req userstate.ScanRequest) (userstate.ScanPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = userstate.DefaultBatchSize
	}
	keys, err := listKeys(ctx, s.state, scanFilter(req))
	if err != nil {
		return userstate.ScanPage{}, fmt.Errorf("natskv: scan: %w", err)
	}
	start, found := slices.BinarySearch(keys, req.After)
	if found {
		start++
	}
	keys = keys[start:]

	page := userstate.ScanPage{}
	if len(keys) > limit {
		keys = keys[:limit]
		page.Next = keys[len(keys)-1]
	}

	read := make([]*userstate.Record, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			user, scope, block, err := parseStateKey(key)
			if err != nil {
				return err
			}
			state, _, ok, err := s.read(key)
			if err != nil || !ok {
				return err
			}
			read[i] = &userstate.Record{
				User:    user,
				Block:   block,
				Scope:   scope,
				Fields:  state.Fields,
				Updated: state.Updated,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return userstate.ScanPage{}, err
	}

	// keys deleted since the listing are skipped
	page.Records = make([]userstate.Record, 0, len(keys))
	for _, rec := range read {
		if rec != nil {
			page.Records = append(page.Records, *rec)
		}
	}
	return page, nil
}

// watchAll collects the current value of every key matching filter. The
// watcher delivers a nil entry once the initial values are exhausted.
func watchAll(ctx context.Context, kv nats.KeyValue, filter string) (map[string][]byte, error) {
	values := map[string][]byte{}
	err := watch(ctx, kv, filter, func(entry nats.KeyValueEntry) {
		values[entry.Key()] = entry.Value()
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// listKeys returns the sorted keys matching filter without fetching values.
func listKeys(ctx context.Context, kv nats.KeyValue, filter string) ([]string, error) {
	var keys []string
	err := watch(ctx, kv, filter, func(entry nats.KeyValueEntry) {
		keys = append(keys, entry.Key())
	}, nats.MetaOnly())
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func watch(ctx context.Context, kv nats.KeyValue, filter string, fn func(nats.KeyValueEntry), opts ...nats.WatchOpt) error {
	w, err := kv.Watch(filter, append([]nats.WatchOpt{nats.IgnoreDeletes()}, opts...)...)
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.Updates():
			if !ok || entry == nil {
				return nil
			}
			fn(entry)
		}
	}
}

func sortedKeys(values map[string][]byte) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
