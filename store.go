package userstate

import (
	"context"
	"iter"
)

//go:generate mockgen -source=store.go -destination=internal/mocks/store.go -package=mocks

// DefaultChunkSize bounds how many keys a backend reads per round trip.
const DefaultChunkSize = 500

// StateStore is the persistence contract the client delegates to. Every
// method applies to a single user and scope. Implementations must make each
// key's read-modify-write atomic; no atomicity is required across keys.
type StateStore interface {
	// FetchMany yields the records that exist for blocks, in any order.
	// Missing keys are skipped. Implementations read in chunks of at most
	// DefaultChunkSize keys and release backend resources when the consumer
	// stops early.
	FetchMany(ctx context.Context, user UserID, scope Scope, blocks []BlockKey) iter.Seq2[Record, error]

	// UpsertMany overlays each delta onto the stored fields of its key,
	// creating the record when absent.
	UpsertMany(ctx context.Context, user UserID, scope Scope, deltas map[BlockKey]Fields) ([]Mutation, error)

	// RemoveMany removes fields from each key, or the whole record when
	// fields is nil. Records left without fields are deleted. Missing keys
	// produce no mutation.
	RemoveMany(ctx context.Context, user UserID, scope Scope, blocks []BlockKey, fields []string) ([]Mutation, error)
}

// HistoryLog stores history entries. History returns the entries of one key
// newest first and a *NotFoundError when the key has none.
type HistoryLog interface {
	AppendHistory(ctx context.Context, entries []HistoryEntry) error
	History(ctx context.Context, user UserID, block BlockKey, scope Scope) ([]HistoryEntry, error)
}

// Scanner is the optional bulk-read capability behind IterAllForBlock and
// IterAllForCourse. Each call is an independent bounded read.
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) (ScanPage, error)
}

// ScanRequest selects every record of one block, or of one course optionally
// narrowed to a block type, resuming after the opaque After token.
type ScanRequest struct {
	Scope     Scope
	Block     BlockKey
	Course    CourseKey
	BlockType string
	After     string
	Limit     int
}

// ByBlock reports whether the request targets a single block.
func (r ScanRequest) ByBlock() bool {
	return !r.Block.IsZero()
}

// Matches reports whether a stored record belongs to the requested range.
// Backends without native range reads filter with it.
func (r ScanRequest) Matches(scope Scope, block BlockKey) bool {
	if scope != r.Scope {
		return false
	}
	if r.ByBlock() {
		return block == r.Block
	}
	if block.Course != r.Course {
		return false
	}
	return r.BlockType == "" || block.Type == r.BlockType
}

// ScanPage is one batch of a scan. Next is empty on the last page.
type ScanPage struct {
	Records []Record
	Next    string
}

// Closer is implemented by backends that hold resources.
type Closer interface {
	Close() error
}

// Chunks splits items into consecutive slices of at most size elements.
func Chunks[T any](items []T, size int) iter.Seq[[]T] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}
