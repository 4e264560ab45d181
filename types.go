package userstate

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/goliatone/go-userstate/overlay"
	"github.com/google/uuid"
)

// UserID identifies the owner of a record. It is opaque to the store and only
// compared by value.
type UserID string

func (u UserID) String() string {
	return string(u)
}

// Validate rejects empty identifiers and identifiers carrying control
// characters, which storage backends reserve as key separators.
func (u UserID) Validate() error {
	if u == "" {
		return &ValidationError{Field: "user", Reason: "must not be empty"}
	}
	if strings.IndexFunc(string(u), unicode.IsControl) >= 0 {
		return &ValidationError{Field: "user", Value: string(u), Reason: "must not contain control characters"}
	}
	return nil
}

// Scope partitions state for a (user, block) pair.
type Scope string

const (
	// ScopeUserState holds per-user, per-block state.
	ScopeUserState Scope = "user_state"
	// ScopeUserStateSummary holds per-user state shared by every block of a
	// definition.
	ScopeUserStateSummary Scope = "user_state_summary"
	// ScopePreferences holds per-user state shared by every block of a type.
	ScopePreferences Scope = "preferences"
	// ScopeUserInfo holds per-user state shared by every block.
	ScopeUserInfo Scope = "user_info"
)

var knownScopes = []Scope{ScopeUserState, ScopeUserStateSummary, ScopePreferences, ScopeUserInfo}

// Scopes returns every supported scope.
func Scopes() []Scope {
	return append([]Scope(nil), knownScopes...)
}

// ParseScope resolves a scope by name.
func ParseScope(name string) (Scope, error) {
	scope := Scope(strings.TrimSpace(name))
	if err := scope.Validate(); err != nil {
		return "", err
	}
	return scope, nil
}

func (s Scope) String() string {
	return string(s)
}

// Validate reports whether s is one of the supported scopes.
func (s Scope) Validate() error {
	for _, known := range knownScopes {
		if s == known {
			return nil
		}
	}
	return &ValidationError{Field: "scope", Value: string(s), Reason: "unknown scope"}
}

// Fields is the JSON-like document stored for one record.
type Fields map[string]any

// Clone deep copies f.
func (f Fields) Clone() Fields {
	return overlay.Clone(f)
}

// Names returns the field names of f in no particular order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	return names
}

// Record is the current state of one (user, block, scope) triple.
type Record struct {
	User    UserID
	Block   BlockKey
	Scope   Scope
	Fields  Fields
	Updated time.Time
}

// Operation names the kind of mutation that produced a history entry.
type Operation string

const (
	OperationSet    Operation = "set"
	OperationDelete Operation = "delete"
)

// HistoryEntry is an immutable snapshot of a record taken right after a
// mutation. Fields is nil when the mutation removed the record.
type HistoryEntry struct {
	ID        uuid.UUID
	User      UserID
	Block     BlockKey
	Scope     Scope
	Operation Operation
	Fields    Fields
	Updated   time.Time
}

// Deleted reports whether the entry marks the removal of the record.
func (e HistoryEntry) Deleted() bool {
	return e.Fields == nil
}

// Mutation is the outcome of one key of an UpsertMany or RemoveMany call.
// Fields holds the state after the write and is nil when the record was
// removed.
type Mutation struct {
	Block     BlockKey
	Operation Operation
	Fields    Fields
	Updated   time.Time
}

// Removed reports whether the mutation deleted the record.
func (m Mutation) Removed() bool {
	return m.Fields == nil
}

// FieldModDate reports when one field of one block was last written.
type FieldModDate struct {
	Block    BlockKey
	Field    string
	Modified time.Time
}

func (d FieldModDate) String() string {
	return fmt.Sprintf("%s/%s@%s", d.Block, d.Field, d.Modified.Format(time.RFC3339Nano))
}
