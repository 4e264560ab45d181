// Package leveldb stores state and history in a goleveldb database. Records
// live under the "s" key space and history entries under "h"; see
// internal/keyspace for the layout.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/internal/codec"
	"github.com/goliatone/go-userstate/internal/keyspace"
	"github.com/goliatone/go-userstate/overlay"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const lockStripes = 256

// Store is a StateStore, HistoryLog and Scanner over one database. Writes to
// a key are serialised by a striped lock; a batch locks the stripes of all
// its keys in ascending order.
type Store struct {
	db      *leveldb.DB
	stripes [lockStripes]sync.Mutex
	seq     atomic.Uint64
	now     func() time.Time
	sync    bool
	logger  *zap.Logger
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

// WithSync fsyncs every write batch.
func WithSync(enabled bool) Option {
	return func(s *Store) {
		s.sync = enabled
	}
}

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return newStore(db, opts), nil
}

// OpenMemory opens a database held entirely in memory.
func OpenMemory(opts ...Option) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb: open memory: %w", err)
	}
	return newStore(db, opts), nil
}

func newStore(db *leveldb.DB, opts []Option) *Store {
	s := &Store{
		db:     db,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	// History keys with equal timestamps order by sequence; seeding with the
	// clock keeps the order across restarts.
	s.seq.Store(uint64(s.now().UnixNano()))
	s.logger = s.logger.Named("leveldb")
	return s
}

func (s *Store) Name() string {
	return "leveldb"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FetchMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey) iter.Seq2[userstate.Record, error] {
	return func(yield func(userstate.Record, error) bool) {
		for chunk := range userstate.Chunks(blocks, userstate.DefaultChunkSize) {
			if err := ctx.Err(); err != nil {
				yield(userstate.Record{}, err)
				return
			}
			found, err := s.fetchChunk(user, scope, chunk)
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

// fetchChunk reads one chunk from a single snapshot.
func (s *Store) fetchChunk(user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey) ([]userstate.Record, error) {
	snapshot, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("leveldb: snapshot: %w", err)
	}
	defer snapshot.Release()

	found := make([]userstate.Record, 0, len(blocks))
	for _, block := range blocks {
		data, err := snapshot.Get(keyspace.State(user, scope, block), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("leveldb: get %s: %w", block, err)
		}
		state, err := codec.DecodeState(data)
		if err != nil {
			return nil, err
		}
		found = append(found, userstate.Record{
			User:    user,
			Block:   block,
			Scope:   scope,
			Fields:  state.Fields,
			Updated: state.Updated,
		})
	}
	return found, nil
}

func (s *Store) UpsertMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, deltas map[userstate.BlockKey]userstate.Fields) ([]userstate.Mutation, error) {
	blocks := keyspace.SortedBlocks(deltas)
	return s.mutate(ctx, user, scope, blocks, func(block userstate.BlockKey, prev *codec.State) (userstate.Fields, bool) {
		var existing userstate.Fields
		if prev != nil {
			existing = prev.Fields
		}
		return overlay.Overlay(existing, deltas[block]), true
	}, userstate.OperationSet)
}

func (s *Store) RemoveMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey, fields []string) ([]userstate.Mutation, error) {
	return s.mutate(ctx, user, scope, blocks, func(_ userstate.BlockKey, prev *codec.State) (userstate.Fields, bool) {
		if prev == nil {
			return nil, false
		}
		remaining, _ := overlay.Prune(prev.Fields, fields)
		return remaining, true
	}, userstate.OperationDelete)
}

// apply computes the next fields of a key from its current state. Returning
// false skips the key; nil fields delete the record.
type apply func(block userstate.BlockKey, prev *codec.State) (userstate.Fields, bool)

func (s *Store) mutate(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey, fn apply, op userstate.Operation) ([]userstate.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([][]byte, len(blocks))
	for i, block := range blocks {
		keys[i] = keyspace.State(user, scope, block)
	}
	unlock := s.lock(keys)
	defer unlock()

	batch := new(leveldb.Batch)
	mutations := make([]userstate.Mutation, 0, len(blocks))
	for i, block := range blocks {
		var prev *codec.State
		data, err := s.db.Get(keys[i], nil)
		switch {
		case errors.Is(err, leveldb.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("leveldb: get %s: %w", block, err)
		default:
			state, err := codec.DecodeState(data)
			if err != nil {
				return nil, err
			}
			prev = &state
		}

		next, ok := fn(block, prev)
		if !ok {
			continue
		}
		var prevUpdated time.Time
		if prev != nil {
			prevUpdated = prev.Updated
		} else if prevUpdated, err = s.lastRecorded(user, scope, block); err != nil {
			return nil, err
		}
		updated := codec.NextUpdated(s.now(), prevUpdated)

		if len(next) == 0 {
			batch.Delete(keys[i])
			next = nil
		} else {
			value, err := codec.EncodeState(next, updated)
			if err != nil {
				return nil, err
			}
			batch.Put(keys[i], value)
		}
		mutations = append(mutations, userstate.Mutation{
			Block:     block,
			Operation: op,
			Fields:    next.Clone(),
			Updated:   updated,
		})
	}
	if batch.Len() == 0 {
		return mutations, nil
	}
	if err := s.db.Write(batch, &ldb_opt.WriteOptions{Sync: s.sync}); err != nil {
		return nil, fmt.Errorf("leveldb: write: %w", err)
	}
	s.logger.Debug("batch written",
		zap.String("op", string(op)),
		zap.Int("keys", len(blocks)),
		zap.Int("writes", batch.Len()),
	)
	return mutations, nil
}

// lastRecorded returns the timestamp of the newest history entry of a
// record, or the zero time when it has none. A re-created record continues
// after it.
func (s *Store) lastRecorded(user userstate.UserID, scope userstate.Scope, block userstate.BlockKey) (time.Time, error) {
	it := s.db.NewIterator(util.BytesPrefix(keyspace.HistoryPrefix(user, scope, block)), nil)
	defer it.Release()
	if !it.First() {
		if err := it.Error(); err != nil {
			return time.Time{}, fmt.Errorf("leveldb: history: %w", err)
		}
		return time.Time{}, nil
	}
	return keyspace.HistoryTime(it.Key())
}

func (s *Store) lock(keys [][]byte) func() {
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		h := fnv.New32a()
		_, _ = h.Write(key)
		indexes = append(indexes, int(h.Sum32()%lockStripes))
	}
	slices.Sort(indexes)
	indexes = slices.Compact(indexes)
	for _, i := range indexes {
		s.stripes[i].Lock()
	}
	return func() {
		for j := len(indexes) - 1; j >= 0; j-- {
			s.stripes[indexes[j]].Unlock()
		}
	}
}

func (s *Store) AppendHistory(ctx context.Context, entries []userstate.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		value, err := codec.EncodeHistory(entry)
		if err != nil {
			return err
		}
		key := keyspace.History(entry.User, entry.Scope, entry.Block, entry.Updated, s.seq.Add(1))
		batch.Put(key, value)
	}
	if err := s.db.Write(batch, &ldb_opt.WriteOptions{Sync: s.sync}); err != nil {
		return fmt.Errorf("leveldb: write history: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, user userstate.UserID, block userstate.BlockKey, scope userstate.Scope) ([]userstate.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix(keyspace.HistoryPrefix(user, scope, block)), nil)
	defer it.Release()

	var entries []userstate.HistoryEntry
	for it.Next() {
		entry, err := codec.DecodeHistory(it.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("leveldb: history: %w", err)
	}
	if len(entries) == 0 {
		return nil, &userstate.NotFoundError{User: user, Block: block, Scope: scope}
	}
	return entries, nil
}

// Scan reads one page of the requested range. The token is the last key
// returned; the next page starts right after it.
func (s *Store) Scan(ctx context.Context, req userstate.ScanRequest) (userstate.ScanPage, error) {
	if err := ctx.Err(); err != nil {
		return userstate.ScanPage{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = userstate.DefaultBatchSize
	}
	span := util.BytesPrefix(keyspace.ScanPrefix(req))
	if req.After != "" {
		span.Start = keyspace.After([]byte(req.After))
	}

	it := s.db.NewIterator(span, nil)
	defer it.Release()

	page := userstate.ScanPage{Records: make([]userstate.Record, 0, limit)}
	var last []byte
	for it.Next() {
		if len(page.Records) == limit {
			page.Next = string(last)
			break
		}
		// iterator keys are only valid until the next call to Next
		key := append([]byte(nil), it.Key()...)
		user, scope, block, err := keyspace.ParseState(key)
		if err != nil {
			return userstate.ScanPage{}, err
		}
		state, err := codec.DecodeState(it.Value())
		if err != nil {
			return userstate.ScanPage{}, err
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
	if err := it.Error(); err != nil {
		return userstate.ScanPage{}, fmt.Errorf("leveldb: scan: %w", err)
	}
	return page, nil
}
