package activity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizeEventTrimsClonesAndDefaults(t *testing.T) {
	meta := map[string]any{"k": "v"}
	evt := Event{
		Verb:       " userstate.updated ",
		ActorID:    " actor ",
		UserID:     " user ",
		TenantID:   " tenant ",
		ObjectType: " userstate.record ",
		ObjectID:   " block-v1:o+c+r+type@problem+block@p1 ",
		Channel:    " userstate ",
		Metadata:   meta,
	}

	got := NormalizeEvent(evt)

	if got.Verb != VerbStateUpdated || got.ObjectType != ObjectTypeRecord || got.ObjectID != "block-v1:o+c+r+type@problem+block@p1" {
		t.Fatalf("unexpected normalized fields: %+v", got)
	}
	if got.ActorID != "actor" || got.UserID != "user" || got.TenantID != "tenant" || got.Channel != "userstate" {
		t.Fatalf("unexpected trimming: %+v", got)
	}
	if got.OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt to be set")
	}
	got.Metadata["k"] = "changed"
	if evt.Metadata["k"] != "v" {
		t.Fatalf("expected original metadata untouched: %+v", evt.Metadata)
	}
}

func TestHooksNotifyDropsInvalidEvents(t *testing.T) {
	capture := &CaptureHook{}
	if err := (Hooks{capture}).Notify(context.Background(), Event{Verb: "x"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if n := len(capture.Events()); n != 0 {
		t.Fatalf("expected no events captured, got %d", n)
	}
}

func TestHooksNotifyFanOutAndJoinErrors(t *testing.T) {
	capture := &CaptureHook{}
	boom1 := errors.New("boom1")
	boom2 := errors.New("boom2")
	var ctxSeen bool
	hooks := Hooks{
		HookFunc(func(ctx context.Context, event Event) error {
			ctxSeen = ctx != nil
			return nil
		}),
		capture,
		HookFunc(func(context.Context, Event) error { return boom1 }),
		nil,
		HookFunc(func(context.Context, Event) error { return boom2 }),
	}

	err := hooks.Notify(nil, Event{Verb: VerbStateDeleted, ObjectType: ObjectTypeRecord, ObjectID: "1"})
	if !errors.Is(err, boom1) || !errors.Is(err, boom2) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !ctxSeen {
		t.Fatalf("expected context fallback to be non-nil")
	}
	if n := len(capture.Events()); n != 1 {
		t.Fatalf("expected event to be captured once, got %d", n)
	}
}

func TestEmitterDisabledAndEnabled(t *testing.T) {
	capture := &CaptureHook{}
	event := Event{Verb: VerbStateUpdated, ObjectType: ObjectTypeRecord, ObjectID: "1"}

	disabled := NewEmitter(Hooks{capture}, Config{Enabled: false})
	if disabled.Enabled() {
		t.Fatalf("expected emitter to be disabled")
	}
	if err := disabled.Emit(context.Background(), event); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if n := len(capture.Events()); n != 0 {
		t.Fatalf("expected no events captured when disabled, got %d", n)
	}

	enabled := NewEmitter(Hooks{capture}, Config{Enabled: true, TenantID: "acme"})
	ctx := WithActor(context.Background(), " staff-1 ")
	if err := enabled.Emit(ctx, event); err != nil {
		t.Fatalf("emit: %v", err)
	}
	events := capture.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event captured, got %d", len(events))
	}
	if events[0].Channel != "userstate" {
		t.Fatalf("expected default channel applied, got %q", events[0].Channel)
	}
	if events[0].TenantID != "acme" {
		t.Fatalf("expected default tenant applied, got %q", events[0].TenantID)
	}
	if events[0].ActorID != "staff-1" {
		t.Fatalf("expected actor from context, got %q", events[0].ActorID)
	}
}

func TestEmitterPreservesExplicitValues(t *testing.T) {
	capture := &CaptureHook{}
	emitter := NewEmitter(Hooks{capture}, Config{Enabled: true, Channel: "default", TenantID: "acme"})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := emitter.Emit(context.Background(), Event{
		Verb:       VerbStateUpdated,
		ObjectType: ObjectTypeRecord,
		ObjectID:   "1",
		Channel:    "custom",
		TenantID:   "other",
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	got := capture.Events()[0]
	if got.Channel != "custom" || got.TenantID != "other" {
		t.Fatalf("expected explicit channel and tenant preserved, got %+v", got)
	}
	if !got.OccurredAt.Equal(at) {
		t.Fatalf("expected occurred_at preserved, got %v", got.OccurredAt)
	}
}

func TestEmitterVerbFilter(t *testing.T) {
	capture := &CaptureHook{}
	emitter := NewEmitter(Hooks{capture}, Config{Enabled: true, Verbs: []string{VerbStateDeleted}})

	_ = emitter.Emit(context.Background(), Event{Verb: VerbStateUpdated, ObjectType: ObjectTypeRecord, ObjectID: "1"})
	_ = emitter.Emit(context.Background(), Event{Verb: VerbStateDeleted, ObjectType: ObjectTypeRecord, ObjectID: "1"})

	verbs := capture.Verbs()
	if len(verbs) != 1 || verbs[0] != VerbStateDeleted {
		t.Fatalf("expected only deleted verb, got %v", verbs)
	}
}
