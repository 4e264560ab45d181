// Package badger stores state and history in a BadgerDB database. Each key is
// read and rewritten in its own optimistic transaction, retried on conflict.
package badger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/dgraph-io/badger/v4"
	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/internal/codec"
	"github.com/goliatone/go-userstate/internal/keyspace"
	"github.com/goliatone/go-userstate/overlay"
	"go.uber.org/zap"
)

// sequenceKey holds the lease of the history sequence. It sorts outside both
// the state and the history key spaces.
var sequenceKey = []byte("m\x1fhistory_seq")

// ErrTooManyConflicts is returned when a key kept conflicting after the
// configured number of retries.
var ErrTooManyConflicts = errors.New("badger: too many transaction conflicts")

// Store is a StateStore, HistoryLog and Scanner over a badger database.
type Store struct {
	db         *badger.DB
	seq        *badger.Sequence
	gc         *gcRunner
	maxRetries int
	now        func() time.Time
	logger     *zap.Logger
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

// WithLogger sets the logger for the store and badger itself.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens the database described by cfg and starts value log GC when
// configured.
func Open(cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.Named("badger")
	if s.maxRetries <= 0 {
		s.maxRetries = 1
	}

	db, err := openDB(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(sequenceKey, 1000)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger: history sequence: %w", err)
	}
	s.db = db
	s.seq = seq
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory(opts ...Option) (*Store, error) {
	return Open(InMemoryConfig(), opts...)
}

func (s *Store) Name() string {
	return "badger"
}

// Close stops GC, releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("badger: release sequence: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("badger: close: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Store) FetchMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey) iter.Seq2[userstate.Record, error] {
	return func(yield func(userstate.Record, error) bool) {
		for chunk := range userstate.Chunks(blocks, userstate.DefaultChunkSize) {
			if err := ctx.Err(); err != nil {
				yield(userstate.Record{}, err)
				return
			}
			var found []userstate.Record
			err := s.db.View(func(txn *badger.Txn) error {
				found = make([]userstate.Record, 0, len(chunk))
				for _, block := range chunk {
					state, ok, err := readState(txn, keyspace.State(user, scope, block))
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
					found = append(found, userstate.Record{
						User:    user,
						Block:   block,
						Scope:   scope,
						Fields:  state.Fields,
						Updated: state.Updated,
					})
				}
				return nil
			})
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

func (s *Store) UpsertMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, deltas map[userstate.BlockKey]userstate.Fields) ([]userstate.Mutation, error) {
	mutations := make([]userstate.Mutation, 0, len(deltas))
	for _, block := range keyspace.SortedBlocks(deltas) {
		mutation, ok, err := s.update(ctx, keyspace.State(user, scope, block), keyspace.HistoryPrefix(user, scope, block), func(prev *codec.State) (userstate.Fields, bool) {
			var existing userstate.Fields
			if prev != nil {
				existing = prev.Fields
			}
			return overlay.Overlay(existing, deltas[block]), true
		})
		if err != nil {
			return mutations, fmt.Errorf("badger: upsert %s: %w", block, err)
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
		mutation, ok, err := s.update(ctx, keyspace.State(user, scope, block), keyspace.HistoryPrefix(user, scope, block), func(prev *codec.State) (userstate.Fields, bool) {
			if prev == nil {
				return nil, false
			}
			remaining, _ := overlay.Prune(prev.Fields, fields)
			return remaining, true
		})
		if err != nil {
			return mutations, fmt.Errorf("badger: remove %s: %w", block, err)
		}
		if ok {
			mutation.Block = block
			mutation.Operation = userstate.OperationDelete
			mutations = append(mutations, mutation)
		}
	}
	return mutations, nil
}

// update runs one read-modify-write of key. fn returning false leaves the key
// untouched; empty fields delete it. A key without state continues after the
// newest entry under history.
func (s *Store) update(ctx context.Context, key, history []byte, fn func(prev *codec.State) (userstate.Fields, bool)) (userstate.Mutation, bool, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return userstate.Mutation{}, false, err
		}
		var (
			mutation userstate.Mutation
			applied  bool
		)
		err := s.db.Update(func(txn *badger.Txn) error {
			prev, ok, err := readState(txn, key)
			if err != nil {
				return err
			}
			var prevState *codec.State
			if ok {
				prevState = &prev
			}
			next, write := fn(prevState)
			if !write {
				return nil
			}
			prevUpdated := prev.Updated
			if !ok {
				if prevUpdated, err = lastRecorded(txn, history); err != nil {
					return err
				}
			}
			updated := codec.NextUpdated(s.now(), prevUpdated)
			if len(next) == 0 {
				next = nil
				if err := txn.Delete(key); err != nil {
					return err
				}
			} else {
				value, err := codec.EncodeState(next, updated)
				if err != nil {
					return err
				}
				if err := txn.Set(key, value); err != nil {
					return err
				}
			}
			mutation = userstate.Mutation{Fields: next.Clone(), Updated: updated}
			applied = true
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			if attempt >= s.maxRetries {
				return userstate.Mutation{}, false, ErrTooManyConflicts
			}
			s.logger.Debug("transaction conflict, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return userstate.Mutation{}, false, err
		}
		return mutation, applied, nil
	}
}

// lastRecorded returns the timestamp of the first key under prefix, which is
// the newest history entry.
func lastRecorded(txn *badger.Txn, prefix []byte) (time.Time, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return time.Time{}, nil
	}
	return keyspace.HistoryTime(it.Item().Key())
}

func readState(txn *badger.Txn, key []byte) (codec.State, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return codec.State{}, false, nil
	}
	if err != nil {
		return codec.State{}, false, err
	}
	var state codec.State
	err = item.Value(func(val []byte) error {
		state, err = codec.DecodeState(val)
		return err
	})
	if err != nil {
		return codec.State{}, false, err
	}
	return state, true, nil
}

func (s *Store) AppendHistory(ctx context.Context, entries []userstate.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, entry := range entries {
		value, err := codec.EncodeHistory(entry)
		if err != nil {
			return err
		}
		seq, err := s.seq.Next()
		if err != nil {
			return fmt.Errorf("badger: history sequence: %w", err)
		}
		if err := batch.Set(keyspace.History(entry.User, entry.Scope, entry.Block, entry.Updated, seq), value); err != nil {
			return fmt.Errorf("badger: write history: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("badger: flush history: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, user userstate.UserID, block userstate.BlockKey, scope userstate.Scope) ([]userstate.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyspace.HistoryPrefix(user, scope, block)
	var entries []userstate.HistoryEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				entry, err := codec.DecodeHistory(val)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: history: %w", err)
	}
	if len(entries) == 0 {
		return nil, &userstate.NotFoundError{User: user, Block: block, Scope: scope}
	}
	return entries, nil
}

// Scan reads one page in key order. The token is the last key returned.
func (s *Store) Scan(ctx context.Context, req userstate.ScanRequest) (userstate.ScanPage, error) {
	if err := ctx.Err(); err != nil {
		return userstate.ScanPage{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = userstate.DefaultBatchSize
	}
	prefix := keyspace.ScanPrefix(req)
	start := prefix
	if req.After != "" {
		start = keyspace.After([]byte(req.After))
	}

	page := userstate.ScanPage{Records: make([]userstate.Record, 0, limit)}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = min(limit+1, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		var last []byte
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if len(page.Records) == limit {
				page.Next = string(last)
				return nil
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			user, scope, block, err := keyspace.ParseState(key)
			if err != nil {
				return err
			}
			var state codec.State
			err = item.Value(func(val []byte) error {
				state, err = codec.DecodeState(val)
				return err
			})
			if err != nil {
				return err
			}
			page.Records = append(page.Records, userstate.Record{
				User:    user,
				Block:   block,
				Scope:   scope,
				Fields:  state.Fields,
				Updated: state.Updated,
			})
			last = key
		}
		return nil
	})
	if err != nil {
		return userstate.ScanPage{}, fmt.Errorf("badger: scan: %w", err)
	}
	return page, nil
}
