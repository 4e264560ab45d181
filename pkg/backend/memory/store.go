// Package memory is an in-process StateStore for tests, examples and small
// deployments. It implements HistoryLog and Scanner as well.
package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/internal/codec"
	"github.com/goliatone/go-userstate/internal/keyspace"
	"github.com/goliatone/go-userstate/overlay"
)

// Store keeps records in maps keyed by their keyspace encoding. One RWMutex
// guards everything, which makes every key's read-modify-write atomic.
type Store struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	history map[string][]userstate.HistoryEntry
	now     func() time.Time
}

type memoryRecord struct {
	user    userstate.UserID
	scope   userstate.Scope
	block   userstate.BlockKey
	fields  userstate.Fields
	updated time.Time
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

func New(opts ...Option) *Store {
	s := &Store{
		records: map[string]memoryRecord{},
		history: map[string][]userstate.HistoryEntry{},
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Name() string {
	return "memory"
}

// Len returns the number of stored records across users and scopes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) FetchMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey) iter.Seq2[userstate.Record, error] {
	return func(yield func(userstate.Record, error) bool) {
		for chunk := range userstate.Chunks(blocks, userstate.DefaultChunkSize) {
			if err := ctx.Err(); err != nil {
				yield(userstate.Record{}, err)
				return
			}
			found := make([]userstate.Record, 0, len(chunk))
			s.mu.RLock()
			for _, block := range chunk {
				record, ok := s.records[string(keyspace.State(user, scope, block))]
				if !ok {
					continue
				}
				found = append(found, record.toRecord())
			}
			s.mu.RUnlock()

			for _, rec := range found {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) UpsertMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, deltas map[userstate.BlockKey]userstate.Fields) ([]userstate.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mutations := make([]userstate.Mutation, 0, len(deltas))
	for _, block := range keyspace.SortedBlocks(deltas) {
		key := string(keyspace.State(user, scope, block))
		prev, ok := s.records[key]
		if !ok {
			prev.updated = s.lastRecorded(user, scope, block)
		}
		record := memoryRecord{
			user:    user,
			scope:   scope,
			block:   block,
			fields:  overlay.Overlay(prev.fields, deltas[block]),
			updated: codec.NextUpdated(s.now(), prev.updated),
		}
		s.records[key] = record
		mutations = append(mutations, userstate.Mutation{
			Block:     block,
			Operation: userstate.OperationSet,
			Fields:    record.fields.Clone(),
			Updated:   record.updated,
		})
	}
	return mutations, nil
}

func (s *Store) RemoveMany(ctx context.Context, user userstate.UserID, scope userstate.Scope, blocks []userstate.BlockKey, fields []string) ([]userstate.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mutations := make([]userstate.Mutation, 0, len(blocks))
	for _, block := range blocks {
		key := string(keyspace.State(user, scope, block))
		prev, ok := s.records[key]
		if !ok {
			continue
		}
		updated := codec.NextUpdated(s.now(), prev.updated)
		remaining, empty := overlay.Prune(prev.fields, fields)
		if empty {
			delete(s.records, key)
		} else {
			prev.fields = remaining
			prev.updated = updated
			s.records[key] = prev
		}
		mutations = append(mutations, userstate.Mutation{
			Block:     block,
			Operation: userstate.OperationDelete,
			Fields:    userstate.Fields(remaining).Clone(),
			Updated:   updated,
		})
	}
	return mutations, nil
}

// lastRecorded returns the time of the newest history entry of a record.
// Callers hold s.mu.
func (s *Store) lastRecorded(user userstate.UserID, scope userstate.Scope, block userstate.BlockKey) time.Time {
	entries := s.history[string(keyspace.HistoryPrefix(user, scope, block))]
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Updated
}

func (s *Store) AppendHistory(ctx context.Context, entries []userstate.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		key := string(keyspace.HistoryPrefix(entry.User, entry.Scope, entry.Block))
		entry.Fields = entry.Fields.Clone()
		s.history[key] = append([]userstate.HistoryEntry{entry}, s.history[key]...)
	}
	return nil
}

func (s *Store) History(ctx context.Context, user userstate.UserID, block userstate.BlockKey, scope userstate.Scope) ([]userstate.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[string(keyspace.HistoryPrefix(user, scope, block))]
	if len(entries) == 0 {
		return nil, &userstate.NotFoundError{User: user, Block: block, Scope: scope}
	}
	out := make([]userstate.HistoryEntry, len(entries))
	for i, entry := range entries {
		entry.Fields = entry.Fields.Clone()
		out[i] = entry
	}
	return out, nil
}

// Scan pages through matching records in key order. The token is the last
// key of the previous page.
func (s *Store) Scan(ctx context.Context, req userstate.ScanRequest) (userstate.ScanPage, error) {
	if err := ctx.Err(); err != nil {
		return userstate.ScanPage{}, err
	}
	prefix := string(keyspace.ScanPrefix(req))

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for key := range s.records {
		if strings.HasPrefix(key, prefix) && key > req.After {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	page := userstate.ScanPage{}
	if req.Limit > 0 && len(keys) > req.Limit {
		keys = keys[:req.Limit]
		page.Next = keys[len(keys)-1]
	}
	page.Records = make([]userstate.Record, 0, len(keys))
	for _, key := range keys {
		page.Records = append(page.Records, s.records[key].toRecord())
	}
	return page, nil
}

func (r memoryRecord) toRecord() userstate.Record {
	return userstate.Record{
		User:    r.user,
		Block:   r.block,
		Scope:   r.scope,
		Fields:  r.fields.Clone(),
		Updated: r.updated,
	}
}
