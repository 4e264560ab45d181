// Package keyspace lays out state and history records in ordered key/value
// stores. Components are joined with the unit separator, which identifiers
// cannot contain, so every prefix below ends on a component boundary.
//
//	state:   s SEP scope SEP course SEP type SEP id SEP user
//	history: h SEP scope SEP course SEP type SEP id SEP user SEP ^nanos ^seq
//
// History suffixes are bit-inverted big-endian integers so an ascending
// iteration returns the newest entry first.
package keyspace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	userstate "github.com/goliatone/go-userstate"
)

const (
	Separator = 0x1f

	stateTag   = 's'
	historyTag = 'h'

	// historySuffixLen is the size of the inverted timestamp and sequence.
	historySuffixLen = 8 + 8
)

var ErrMalformedKey = errors.New("keyspace: malformed key")

// State returns the key of one record.
func State(user userstate.UserID, scope userstate.Scope, block userstate.BlockKey) []byte {
	key := BlockPrefix(scope, block)
	return append(key, user...)
}

// BlockPrefix covers every user's record of block.
func BlockPrefix(scope userstate.Scope, block userstate.BlockKey) []byte {
	return build(stateTag, string(scope), block.Course.Path(), block.Type, block.ID)
}

// CoursePrefix covers every record of course, or of one block type inside it
// when blockType is set.
func CoursePrefix(scope userstate.Scope, course userstate.CourseKey, blockType string) []byte {
	if blockType == "" {
		return build(stateTag, string(scope), course.Path())
	}
	return build(stateTag, string(scope), course.Path(), blockType)
}

// ScopePrefix covers every record of scope.
func ScopePrefix(scope userstate.Scope) []byte {
	return build(stateTag, string(scope))
}

// ScanPrefix returns the prefix covering req.
func ScanPrefix(req userstate.ScanRequest) []byte {
	if req.ByBlock() {
		return BlockPrefix(req.Scope, req.Block)
	}
	return CoursePrefix(req.Scope, req.Course, req.BlockType)
}

// HistoryPrefix covers every history entry of one record.
func HistoryPrefix(user userstate.UserID, scope userstate.Scope, block userstate.BlockKey) []byte {
	key := build(historyTag, string(scope), block.Course.Path(), block.Type, block.ID)
	key = append(key, user...)
	return append(key, Separator)
}

// History returns the key of one history entry. seq orders entries that
// share a timestamp; larger values sort first.
func History(user userstate.UserID, scope userstate.Scope, block userstate.BlockKey, updated time.Time, seq uint64) []byte {
	key := HistoryPrefix(user, scope, block)
	key = binary.BigEndian.AppendUint64(key, ^uint64(updated.UnixNano()))
	return binary.BigEndian.AppendUint64(key, ^seq)
}

// ParseState decodes a key produced by State.
func ParseState(key []byte) (userstate.UserID, userstate.Scope, userstate.BlockKey, error) {
	parts := bytes.Split(key, []byte{Separator})
	if len(parts) != 6 || len(parts[0]) != 1 || parts[0][0] != stateTag {
		return "", "", userstate.BlockKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	course, err := parseCoursePath(string(parts[2]))
	if err != nil {
		return "", "", userstate.BlockKey{}, err
	}
	block := userstate.NewBlockKey(course, string(parts[3]), string(parts[4]))
	return userstate.UserID(parts[5]), userstate.Scope(parts[1]), block, nil
}

// HistorySequence extracts the sequence number of a history key.
func HistorySequence(key []byte) (uint64, error) {
	if len(key) < historySuffixLen || key[0] != historyTag {
		return 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return ^binary.BigEndian.Uint64(key[len(key)-8:]), nil
}

// HistoryTime extracts the timestamp of a history key.
func HistoryTime(key []byte) (time.Time, error) {
	if len(key) < historySuffixLen || key[0] != historyTag {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	nanos := ^binary.BigEndian.Uint64(key[len(key)-historySuffixLen:])
	return time.Unix(0, int64(nanos)).UTC(), nil
}

// After returns the smallest key strictly greater than key.
func After(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

// PrefixEnd returns the smallest key greater than every key with prefix, or
// nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func build(tag byte, parts ...string) []byte {
	size := 2
	for _, part := range parts {
		size += len(part) + 1
	}
	key := make([]byte, 0, size)
	key = append(key, tag, Separator)
	for _, part := range parts {
		key = append(key, part...)
		key = append(key, Separator)
	}
	return key
}

func parseCoursePath(path string) (userstate.CourseKey, error) {
	parts := strings.Split(path, "+")
	if len(parts) != 3 {
		return userstate.CourseKey{}, fmt.Errorf("%w: course %q", ErrMalformedKey, path)
	}
	return userstate.CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}, nil
}

// SortedBlocks returns the keys of deltas in a stable order so batch writes
// touch keys and emit mutations deterministically.
func SortedBlocks[V any](deltas map[userstate.BlockKey]V) []userstate.BlockKey {
	blocks := make([]userstate.BlockKey, 0, len(deltas))
	for block := range deltas {
		blocks = append(blocks, block)
	}
	slices.SortFunc(blocks, func(a, b userstate.BlockKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return blocks
}
