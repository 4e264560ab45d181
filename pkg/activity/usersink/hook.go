// Package usersink forwards state activity events to a go-users ActivitySink.
package usersink

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-userstate/pkg/activity"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

// Hook adapts activity events to a go-users ActivitySink.
type Hook struct {
	Sink usertypes.ActivitySink
	// Resolve maps opaque state user identifiers onto go-users UUIDs. When
	// nil, identifiers that parse as UUIDs are used as-is and the raw value
	// is kept in the record data.
	Resolve func(ctx context.Context, userID string) (uuid.UUID, error)
}

// Notify maps the event into an ActivityRecord and forwards it to the sink.
func (h Hook) Notify(ctx context.Context, event activity.Event) error {
	if h.Sink == nil {
		return nil
	}

	normalized := activity.NormalizeEvent(event)
	if !normalized.Valid() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	userID, err := h.resolve(ctx, normalized.UserID)
	if err != nil {
		return err
	}

	record := usertypes.ActivityRecord{
		ActorID:    parseUUID(normalized.ActorID),
		UserID:     userID,
		TenantID:   parseUUID(normalized.TenantID),
		Verb:       normalized.Verb,
		ObjectType: normalized.ObjectType,
		ObjectID:   normalized.ObjectID,
		Channel:    normalized.Channel,
		Data:       cloneMap(normalized.Metadata),
		OccurredAt: normalized.OccurredAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}
	if userID == uuid.Nil && normalized.UserID != "" {
		if record.Data == nil {
			record.Data = map[string]any{}
		}
		record.Data["state_user"] = normalized.UserID
	}

	return h.Sink.Log(ctx, record)
}

func (h Hook) resolve(ctx context.Context, userID string) (uuid.UUID, error) {
	if h.Resolve == nil || userID == "" {
		return parseUUID(userID), nil
	}
	return h.Resolve(ctx, userID)
}

func parseUUID(input string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(input))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
