// Package hydrate converts stored field documents into typed values and
// back.
package hydrate

import (
	"bytes"
	"encoding/json"
	"fmt"

	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/overlay"
)

// Context identifies the record being decoded.
type Context struct {
	User  userstate.UserID
	Block userstate.BlockKey
	Scope userstate.Scope
}

func (c Context) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Scope, c.Block, c.User)
}

// PreHook may rewrite the fields before decoding.
type PreHook func(Context, map[string]any) (map[string]any, error)

// PostHook may adjust or reject the decoded value.
type PostHook[T any] func(Context, *T) error

// CustomDecoder replaces JSON decoding.
type CustomDecoder[T any] func(Context, map[string]any) (T, error)

// DecoderOption configures a Decoder.
type DecoderOption[T any] func(*Decoder[T])

// Decoder turns record fields into T.
type Decoder[T any] struct {
	preHooks  []PreHook
	postHooks []PostHook[T]
	strict    bool
	custom    CustomDecoder[T]
}

func WithPreHook[T any](hook PreHook) DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.preHooks = append(d.preHooks, hook)
	}
}

func WithPostHook[T any](hook PostHook[T]) DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.postHooks = append(d.postHooks, hook)
	}
}

// WithDisallowUnknownFields fails decoding when a stored field has no
// matching struct field.
func WithDisallowUnknownFields[T any]() DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.strict = true
	}
}

func WithCustomDecoder[T any](decoder CustomDecoder[T]) DecoderOption[T] {
	return func(d *Decoder[T]) {
		d.custom = decoder
	}
}

func NewDecoder[T any](opts ...DecoderOption[T]) *Decoder[T] {
	d := &Decoder[T]{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Decode converts fields into T. Nil fields decode to the zero value. The
// input map is never modified.
func (d *Decoder[T]) Decode(ctx Context, fields map[string]any) (T, error) {
	var zero T

	current := overlay.Clone(fields)
	if current == nil {
		current = map[string]any{}
	}
	for _, hook := range d.preHooks {
		if hook == nil {
			continue
		}
		next, err := hook(ctx, current)
		if err != nil {
			return zero, fmt.Errorf("hydrate: pre-hook for %s: %w", ctx, err)
		}
		if next != nil {
			current = next
		}
	}

	var result T
	if d.custom != nil {
		var err error
		result, err = d.custom(ctx, current)
		if err != nil {
			return zero, fmt.Errorf("hydrate: custom decoder for %s: %w", ctx, err)
		}
	} else {
		buffer, err := json.Marshal(current)
		if err != nil {
			return zero, fmt.Errorf("hydrate: marshal %s: %w", ctx, err)
		}
		decoder := json.NewDecoder(bytes.NewReader(buffer))
		if d.strict {
			decoder.DisallowUnknownFields()
		}
		if err := decoder.Decode(&result); err != nil {
			return zero, fmt.Errorf("hydrate: decode %s: %w", ctx, err)
		}
	}

	for _, hook := range d.postHooks {
		if hook == nil {
			continue
		}
		if err := hook(ctx, &result); err != nil {
			return zero, fmt.Errorf("hydrate: post-hook for %s: %w", ctx, err)
		}
	}
	return result, nil
}

// Encode renders value as normalized record fields. value must encode to a
// JSON object.
func Encode[T any](value T) (map[string]any, error) {
	buffer, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("hydrate: encode: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(buffer))
	decoder.UseNumber()
	var fields map[string]any
	if err := decoder.Decode(&fields); err != nil {
		return nil, fmt.Errorf("hydrate: encode: value is not an object: %w", err)
	}
	normalized, err := overlay.Normalize(fields)
	if err != nil {
		return nil, fmt.Errorf("hydrate: encode: %w", err)
	}
	return normalized, nil
}
