package usersink_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-userstate/pkg/activity"
	"github.com/goliatone/go-userstate/pkg/activity/usersink"
	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

type recordingSink struct {
	records []usertypes.ActivityRecord
	err     error
}

func (s *recordingSink) Log(_ context.Context, record usertypes.ActivityRecord) error {
	s.records = append(s.records, record)
	return s.err
}

func TestHookNotifyMapsStateEvent(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	actorID := uuid.New()
	userID := uuid.New()
	tenantID := uuid.New()

	event := activity.BuildStateUpdatedEvent(activity.StateEventInput{
		ActorID:    actorID.String(),
		UserID:     userID.String(),
		TenantID:   tenantID.String(),
		Scope:      "user_state",
		Block:      "block-v1:o+c+r+type@problem+block@p1",
		Fields:     []string{"attempts"},
		Channel:    "userstate",
		OccurredAt: now,
	})

	if err := hook.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(sink.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(sink.records))
	}
	record := sink.records[0]
	if record.ActorID != actorID || record.UserID != userID || record.TenantID != tenantID {
		t.Fatalf("unexpected identities: %+v", record)
	}
	if record.Verb != activity.VerbStateUpdated || record.ObjectType != activity.ObjectTypeRecord {
		t.Fatalf("unexpected record payload: %+v", record)
	}
	if record.ObjectID != "block-v1:o+c+r+type@problem+block@p1" {
		t.Fatalf("expected block object id, got %q", record.ObjectID)
	}
	if record.Channel != "userstate" {
		t.Fatalf("expected channel userstate got %q", record.Channel)
	}
	if !record.OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at %v got %v", now, record.OccurredAt)
	}
	if record.Data["scope"] != "user_state" {
		t.Fatalf("expected metadata passthrough got %v", record.Data)
	}
	if _, ok := record.Data["state_user"]; ok {
		t.Fatalf("did not expect raw user for uuid identifiers")
	}
}

func TestHookNotifyKeepsOpaqueUserIDs(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	err := hook.Notify(context.Background(), activity.Event{
		Verb:       activity.VerbStateDeleted,
		UserID:     "learner-42",
		ObjectType: activity.ObjectTypeRecord,
		ObjectID:   "1",
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	record := sink.records[0]
	if record.UserID != uuid.Nil {
		t.Fatalf("expected nil uuid, got %s", record.UserID)
	}
	if record.Data["state_user"] != "learner-42" {
		t.Fatalf("expected raw user kept, got %v", record.Data)
	}
	if record.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be defaulted")
	}
}

func TestHookNotifyUsesResolver(t *testing.T) {
	sink := &recordingSink{}
	resolved := uuid.New()
	hook := usersink.Hook{
		Sink: sink,
		Resolve: func(_ context.Context, userID string) (uuid.UUID, error) {
			if userID != "learner-42" {
				return uuid.Nil, errors.New("unknown user")
			}
			return resolved, nil
		},
	}

	event := activity.Event{Verb: activity.VerbStateUpdated, UserID: "learner-42", ObjectType: activity.ObjectTypeRecord, ObjectID: "1"}
	if err := hook.Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if sink.records[0].UserID != resolved {
		t.Fatalf("expected resolved user, got %s", sink.records[0].UserID)
	}

	event.UserID = "other"
	if err := hook.Notify(context.Background(), event); err == nil {
		t.Fatalf("expected resolver error")
	}
}

func TestHookNotifySkipsInvalidEvents(t *testing.T) {
	sink := &recordingSink{}
	hook := usersink.Hook{Sink: sink}

	_ = hook.Notify(context.Background(), activity.Event{})

	if len(sink.records) != 0 {
		t.Fatalf("expected no records for empty event, got %d", len(sink.records))
	}
}
