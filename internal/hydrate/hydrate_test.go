package hydrate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	userstate "github.com/goliatone/go-userstate"
)

type progress struct {
	Attempts int      `json:"attempts"`
	Score    float64  `json:"score"`
	Done     bool     `json:"done"`
	Window   window   `json:"window"`
	Tags     []string `json:"tags,omitempty"`
}

type window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

var testContext = Context{
	User:  "alice",
	Block: userstate.NewBlockKey(userstate.CourseKey{Org: "org", Course: "cs101", Run: "2026"}, "problem", "p1"),
	Scope: userstate.ScopeUserState,
}

func splitWindow(_ Context, fields map[string]any) (map[string]any, error) {
	value, ok := fields["window"].(string)
	if !ok || value == "" {
		return fields, nil
	}
	start, end, found := strings.Cut(value, "-")
	if !found {
		return nil, fmt.Errorf("invalid window %q", value)
	}
	fields["window"] = map[string]any{"start": strings.TrimSpace(start), "end": strings.TrimSpace(end)}
	return fields, nil
}

func tagWithBlock(ctx Context, value *progress) error {
	if len(value.Tags) == 0 {
		value.Tags = []string{ctx.Block.Type + ":" + ctx.Block.ID}
	}
	return nil
}

func TestDecoder(t *testing.T) {
	cases := []struct {
		name      string
		options   []DecoderOption[progress]
		input     map[string]any
		expect    progress
		expectErr string
	}{
		{
			name:   "plain fields",
			input:  map[string]any{"attempts": int64(3), "score": 0.5, "done": true},
			expect: progress{Attempts: 3, Score: 0.5, Done: true},
		},
		{
			name:   "nil fields decode to zero",
			input:  nil,
			expect: progress{},
		},
		{
			name:    "pre hook rewrites fields",
			options: []DecoderOption[progress]{WithPreHook[progress](splitWindow)},
			input:   map[string]any{"window": "09:00 - 17:00"},
			expect:  progress{Window: window{Start: "09:00", End: "17:00"}},
		},
		{
			name:      "pre hook failure",
			options:   []DecoderOption[progress]{WithPreHook[progress](splitWindow)},
			input:     map[string]any{"window": "all day"},
			expectErr: `invalid window "all day"`,
		},
		{
			name:    "post hook fills tags",
			options: []DecoderOption[progress]{WithPostHook[progress](tagWithBlock)},
			input:   map[string]any{"attempts": int64(1)},
			expect:  progress{Attempts: 1, Tags: []string{"problem:p1"}},
		},
		{
			name:      "unknown field rejected when strict",
			options:   []DecoderOption[progress]{WithDisallowUnknownFields[progress]()},
			input:     map[string]any{"attempts": int64(1), "extra": "x"},
			expectErr: "unknown field",
		},
		{
			name:   "unknown field ignored by default",
			input:  map[string]any{"attempts": int64(1), "extra": "x"},
			expect: progress{Attempts: 1},
		},
		{
			name: "custom decoder",
			options: []DecoderOption[progress]{WithCustomDecoder[progress](func(_ Context, fields map[string]any) (progress, error) {
				raw, ok := fields["legacy"].(string)
				if !ok {
					return progress{}, errors.New("missing legacy field")
				}
				return progress{Tags: strings.Split(raw, ",")}, nil
			})},
			input:  map[string]any{"legacy": "a,b"},
			expect: progress{Tags: []string{"a", "b"}},
		},
		{
			name:      "type mismatch",
			input:     map[string]any{"attempts": "many"},
			expectErr: "hydrate: decode user_state/",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := NewDecoder(tc.options...).Decode(testContext, tc.input)
			if tc.expectErr != "" {
				if err == nil {
					t.Fatalf("expected error %q, got nil", tc.expectErr)
				}
				if !strings.Contains(err.Error(), tc.expectErr) {
					t.Fatalf("expected error containing %q, got %v", tc.expectErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if !reflect.DeepEqual(tc.expect, result) {
				t.Fatalf("decoded value mismatch:\nwant: %#v\n got: %#v", tc.expect, result)
			}
		})
	}
}

func TestDecodeDoesNotModifyInput(t *testing.T) {
	input := map[string]any{"window": "1-2"}
	if _, err := NewDecoder(WithPreHook[progress](splitWindow)).Decode(testContext, input); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if input["window"] != "1-2" {
		t.Fatalf("input was modified: %#v", input)
	}
}

func TestEncodeNormalizesNumbers(t *testing.T) {
	fields, err := Encode(progress{Attempts: 2, Score: 1.5, Window: window{Start: "a"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if fields["attempts"] != int64(2) {
		t.Fatalf("expected int64 attempts, got %#v", fields["attempts"])
	}
	if fields["score"] != 1.5 {
		t.Fatalf("expected float score, got %#v", fields["score"])
	}
	if _, ok := fields["tags"]; ok {
		t.Fatalf("omitempty field should be absent")
	}
	nested, ok := fields["window"].(map[string]any)
	if !ok || nested["start"] != "a" {
		t.Fatalf("expected nested object, got %#v", fields["window"])
	}
}

func TestEncodeRejectsNonObjects(t *testing.T) {
	if _, err := Encode([]int{1, 2}); err == nil {
		t.Fatalf("expected error for non-object value")
	}
}
