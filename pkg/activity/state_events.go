package activity

import (
	"sort"
	"strings"
	"time"
)

const (
	VerbStateUpdated = "userstate.updated"
	VerbStateDeleted = "userstate.deleted"

	// ObjectTypeRecord is the object type of every state event.
	ObjectTypeRecord = "userstate.record"
)

// StateEventInput describes one mutated record.
type StateEventInput struct {
	ActorID    string
	UserID     string
	TenantID   string
	Scope      string
	Block      string
	BlockType  string
	Course     string
	Fields     []string
	Removed    bool
	HistoryID  string
	Channel    string
	Metadata   map[string]any
	OccurredAt time.Time
}

// BuildStateUpdatedEvent describes a set that created or changed a record.
func BuildStateUpdatedEvent(input StateEventInput) Event {
	return buildStateEvent(VerbStateUpdated, input)
}

// BuildStateDeletedEvent describes a delete, partial or whole.
func BuildStateDeletedEvent(input StateEventInput) Event {
	return buildStateEvent(VerbStateDeleted, input)
}

func buildStateEvent(verb string, input StateEventInput) Event {
	metadata := cloneMap(input.Metadata)
	set := func(key string, value any) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}
	if input.Scope != "" {
		set("scope", input.Scope)
	}
	if input.BlockType != "" {
		set("block_type", input.BlockType)
	}
	if input.Course != "" {
		set("course", input.Course)
	}
	if len(input.Fields) > 0 {
		fields := append([]string{}, input.Fields...)
		sort.Strings(fields)
		set("fields", fields)
	}
	if input.Removed {
		set("removed", true)
	}
	if input.HistoryID != "" {
		set("history_id", input.HistoryID)
	}

	objectID := strings.TrimSpace(input.Block)
	if objectID == "" {
		objectID = ObjectTypeRecord
	}

	return Event{
		Verb:       verb,
		ActorID:    strings.TrimSpace(input.ActorID),
		UserID:     strings.TrimSpace(input.UserID),
		TenantID:   strings.TrimSpace(input.TenantID),
		ObjectType: ObjectTypeRecord,
		ObjectID:   objectID,
		Channel:    strings.TrimSpace(input.Channel),
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}
