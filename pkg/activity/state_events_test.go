package activity

import (
	"context"
	"reflect"
	"testing"
)

func TestBuildStateUpdatedEventIncludesRecordMetadata(t *testing.T) {
	meta := map[string]any{"custom": "value"}
	input := StateEventInput{
		ActorID:   " actor ",
		UserID:    " user ",
		Scope:     "user_state",
		Block:     "block-v1:o+c+r+type@problem+block@p1",
		BlockType: "problem",
		Course:    "course-v1:o+c+r",
		Fields:    []string{"b", "a"},
		HistoryID: "h-1",
		Metadata:  meta,
	}

	event := BuildStateUpdatedEvent(input)

	if event.Verb != VerbStateUpdated || event.ObjectType != ObjectTypeRecord {
		t.Fatalf("unexpected verb/object type: %+v", event)
	}
	if event.ObjectID != input.Block {
		t.Fatalf("expected block as object id, got %q", event.ObjectID)
	}
	if event.ActorID != "actor" || event.UserID != "user" {
		t.Fatalf("unexpected identity fields: %+v", event)
	}
	if event.Metadata["scope"] != "user_state" || event.Metadata["block_type"] != "problem" || event.Metadata["course"] != "course-v1:o+c+r" {
		t.Fatalf("expected record metadata, got %+v", event.Metadata)
	}
	if !reflect.DeepEqual(event.Metadata["fields"], []string{"a", "b"}) {
		t.Fatalf("expected sorted fields, got %v", event.Metadata["fields"])
	}
	if event.Metadata["history_id"] != "h-1" {
		t.Fatalf("expected history id, got %v", event.Metadata["history_id"])
	}
	if _, ok := event.Metadata["removed"]; ok {
		t.Fatalf("did not expect removed flag on update")
	}
	if input.Fields[0] != "b" {
		t.Fatalf("expected input fields untouched, got %v", input.Fields)
	}
	if len(meta) != 1 {
		t.Fatalf("expected input metadata untouched, got %v", meta)
	}
}

func TestBuildStateDeletedEventFallsBackToObjectType(t *testing.T) {
	event := BuildStateDeletedEvent(StateEventInput{Removed: true})
	if event.Verb != VerbStateDeleted {
		t.Fatalf("expected deleted verb, got %s", event.Verb)
	}
	if event.ObjectID != ObjectTypeRecord {
		t.Fatalf("expected fallback object id, got %q", event.ObjectID)
	}
	if event.Metadata["removed"] != true {
		t.Fatalf("expected removed flag, got %+v", event.Metadata)
	}
}

func TestBuildStateEventsWorkWithHooks(t *testing.T) {
	capture := &CaptureHook{}
	event := BuildStateUpdatedEvent(StateEventInput{Block: "block-v1:o+c+r+type@html+block@h1"})
	if err := (Hooks{capture}).Notify(context.Background(), event); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if verbs := capture.Verbs(); len(verbs) != 1 || verbs[0] != VerbStateUpdated {
		t.Fatalf("expected captured update, got %v", verbs)
	}
}
