package natskv

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	userstate "github.com/goliatone/go-userstate"
)

// Keys are dot separated subject tokens:
//
//	scope.course.type.id.user
//
// Every component but the scope is base64url encoded, which keeps keys within
// the characters NATS accepts and lets wildcards select ranges.

var ErrMalformedKey = errors.New("natskv: malformed key")

var enc = base64.RawURLEncoding

func stateKey(user userstate.UserID, scope userstate.Scope, block userstate.BlockKey) string {
	return blockSubject(scope, block) + "." + enc.EncodeToString([]byte(user))
}

func blockSubject(scope userstate.Scope, block userstate.BlockKey) string {
	return strings.Join([]string{
		string(scope),
		enc.EncodeToString([]byte(block.Course.Path())),
		enc.EncodeToString([]byte(block.Type)),
		enc.EncodeToString([]byte(block.ID)),
	}, ".")
}

// scanFilter returns the watch subject matching every key of req.
func scanFilter(req userstate.ScanRequest) string {
	if req.ByBlock() {
		return blockSubject(req.Scope, req.Block) + ".*"
	}
	course := string(req.Scope) + "." + enc.EncodeToString([]byte(req.Course.Path()))
	if req.BlockType == "" {
		return course + ".*.*.*"
	}
	return course + "." + enc.EncodeToString([]byte(req.BlockType)) + ".*.*"
}

func parseStateKey(key string) (userstate.UserID, userstate.Scope, userstate.BlockKey, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 5 {
		return "", "", userstate.BlockKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	decoded := make([]string, 4)
	for i, part := range parts[1:] {
		raw, err := enc.DecodeString(part)
		if err != nil {
			return "", "", userstate.BlockKey{}, fmt.Errorf("%w: %q: %v", ErrMalformedKey, key, err)
		}
		decoded[i] = string(raw)
	}
	path := strings.Split(decoded[0], "+")
	if len(path) != 3 {
		return "", "", userstate.BlockKey{}, fmt.Errorf("%w: %q: course %q", ErrMalformedKey, key, decoded[0])
	}
	course := userstate.CourseKey{Org: path[0], Course: path[1], Run: path[2]}
	block := userstate.NewBlockKey(course, decoded[1], decoded[2])
	return userstate.UserID(decoded[3]), userstate.Scope(parts[0]), block, nil
}

// historyKey appends one token of inverted timestamp and sequence, so keys
// of one record sort newest first.
func historyKey(state string, updated time.Time, seq uint64) string {
	var suffix [16]byte
	binary.BigEndian.PutUint64(suffix[:8], ^uint64(updated.UnixNano()))
	binary.BigEndian.PutUint64(suffix[8:], ^seq)
	return state + "." + hex.EncodeToString(suffix[:])
}

// historyTime extracts the timestamp of a key built by historyKey.
func historyTime(key string) (time.Time, error) {
	i := strings.LastIndexByte(key, '.')
	suffix, err := hex.DecodeString(key[i+1:])
	if i < 0 || err != nil || len(suffix) != 16 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	nanos := ^binary.BigEndian.Uint64(suffix[:8])
	return time.Unix(0, int64(nanos)).UTC(), nil
}
