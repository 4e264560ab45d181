// Package typed reads and writes records as Go structs. Fields map to struct
// fields through their JSON names.
//
//	acc := typed.New[Progress](client, userstate.ScopeUserState)
//	p, meta, ok, err := acc.Load(ctx, user, block)
//	err = acc.Mutate(ctx, user, block, func(p *Progress) error {
//		p.Attempts++
//		return nil
//	})
//
// Save only overlays the encoded fields; Mutate also deletes fields that the
// mutation made disappear.
package typed

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	userstate "github.com/goliatone/go-userstate"
	"github.com/goliatone/go-userstate/internal/hydrate"
)

// Meta describes the stored record behind a loaded value.
type Meta struct {
	Updated time.Time
}

// Mutator edits a loaded value in place.
type Mutator[T any] func(*T) error

// Validator is implemented by values that check their own invariants.
type Validator interface {
	Validate() error
}

// Option configures an Accessor.
type Option[T any] func(*Accessor[T])

// WithDecoderOptions passes options to the underlying decoder.
func WithDecoderOptions[T any](opts ...hydrate.DecoderOption[T]) Option[T] {
	return func(a *Accessor[T]) {
		a.decoderOpts = append(a.decoderOpts, opts...)
	}
}

// WithStrictFields fails loads of records carrying fields T does not declare.
func WithStrictFields[T any]() Option[T] {
	return WithDecoderOptions(hydrate.WithDisallowUnknownFields[T]())
}

// WithValidator replaces the struct tag validator. Nil disables tag
// validation; Validate methods still run.
func WithValidator[T any](v *validator.Validate) Option[T] {
	return func(a *Accessor[T]) {
		a.validate = v
	}
}

// Accessor binds a client and a scope to the record type T.
type Accessor[T any] struct {
	client      *userstate.Client
	scope       userstate.Scope
	decoderOpts []hydrate.DecoderOption[T]
	decoder     *hydrate.Decoder[T]
	validate    *validator.Validate
}

func New[T any](client *userstate.Client, scope userstate.Scope, opts ...Option[T]) *Accessor[T] {
	a := &Accessor[T]{
		client:   client,
		scope:    scope,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.decoder = hydrate.NewDecoder(a.decoderOpts...)
	return a
}

// Load decodes the record of user and block. ok is false when the record does
// not exist, in which case the zero value is returned.
func (a *Accessor[T]) Load(ctx context.Context, user userstate.UserID, block userstate.BlockKey) (T, Meta, bool, error) {
	var zero T
	if a.client == nil {
		return zero, Meta{}, false, userstate.ErrStoreRequired
	}
	rec, err := a.client.Get(ctx, user, block, a.scope, nil)
	if errors.Is(err, userstate.ErrNotFound) {
		return zero, Meta{}, false, nil
	}
	if err != nil {
		return zero, Meta{}, false, err
	}
	value, err := a.decoder.Decode(a.context(user, block), rec.Fields)
	if err != nil {
		return zero, Meta{}, false, err
	}
	return value, Meta{Updated: rec.Updated}, true, nil
}

// Save validates value and overlays its fields onto the record. Fields that
// value does not encode are left untouched.
func (a *Accessor[T]) Save(ctx context.Context, user userstate.UserID, block userstate.BlockKey, value T) error {
	if a.client == nil {
		return userstate.ErrStoreRequired
	}
	if err := a.check(value); err != nil {
		return err
	}
	fields, err := hydrate.Encode(value)
	if err != nil {
		return err
	}
	return a.client.Set(ctx, user, block, a.scope, fields)
}

// Mutate loads the record, applies fn, validates the result and writes back
// only what changed: modified fields are set and vanished fields deleted. A
// missing record starts from the zero value.
func (a *Accessor[T]) Mutate(ctx context.Context, user userstate.UserID, block userstate.BlockKey, fn Mutator[T]) (T, error) {
	var zero T
	if a.client == nil {
		return zero, userstate.ErrStoreRequired
	}
	if fn == nil {
		return zero, errors.New("typed: mutator is required")
	}

	value, _, _, err := a.Load(ctx, user, block)
	if err != nil {
		return zero, err
	}
	before, err := hydrate.Encode(value)
	if err != nil {
		return zero, err
	}
	if err := fn(&value); err != nil {
		return zero, err
	}
	if err := a.check(value); err != nil {
		return zero, err
	}
	after, err := hydrate.Encode(value)
	if err != nil {
		return zero, err
	}

	changed := userstate.Fields{}
	for name, next := range after {
		if prev, ok := before[name]; !ok || !reflect.DeepEqual(prev, next) {
			changed[name] = next
		}
	}
	var removed []string
	for name := range before {
		if _, ok := after[name]; !ok {
			removed = append(removed, name)
		}
	}

	if len(changed) > 0 {
		if err := a.client.Set(ctx, user, block, a.scope, changed); err != nil {
			return zero, err
		}
	}
	if len(removed) > 0 {
		if err := a.client.Delete(ctx, user, block, a.scope, removed); err != nil {
			return zero, err
		}
	}
	return value, nil
}

// Delete removes the whole record.
func (a *Accessor[T]) Delete(ctx context.Context, user userstate.UserID, block userstate.BlockKey) error {
	if a.client == nil {
		return userstate.ErrStoreRequired
	}
	return a.client.Delete(ctx, user, block, a.scope, nil)
}

func (a *Accessor[T]) check(value T) error {
	if a.validate != nil {
		if err := a.validate.Struct(value); err != nil {
			var invalid *validator.InvalidValidationError
			if !errors.As(err, &invalid) {
				return &userstate.ValidationError{Field: "value", Reason: "struct validation failed", Err: err}
			}
		}
	}
	if v, ok := any(&value).(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("typed: %w", err)
		}
	}
	return nil
}

func (a *Accessor[T]) context(user userstate.UserID, block userstate.BlockKey) hydrate.Context {
	return hydrate.Context{User: user, Block: block, Scope: a.scope}
}
