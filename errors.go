package userstate

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("userstate: not found")
	// ErrNotSupported matches every *NotSupportedError.
	ErrNotSupported = errors.New("userstate: not supported")
	// ErrInvalid matches every *ValidationError.
	ErrInvalid = errors.New("userstate: invalid argument")
	// ErrHistoryAppend wraps failures of the history step that runs after a
	// successful mutation. The mutation itself is not rolled back.
	ErrHistoryAppend = errors.New("userstate: history append failed")
	// ErrStoreRequired is returned by New when no StateStore is supplied.
	ErrStoreRequired = errors.New("userstate: store is required")
	// ErrRule matches every *EvaluationError raised while compiling or
	// running a rule.
	ErrRule = errors.New("userstate: rule failed")
)

// NotFoundError reports that no record exists for the key.
type NotFoundError struct {
	User  UserID
	Block BlockKey
	Scope Scope
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("userstate: no %s record for user %q block %q", e.Scope, e.User, e.Block)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotSupportedError reports that the configured backend lacks an optional
// capability.
type NotSupportedError struct {
	Operation string
	Backend   string
}

func (e *NotSupportedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Backend == "" {
		return fmt.Sprintf("userstate: %s not supported by backend", e.Operation)
	}
	return fmt.Sprintf("userstate: %s not supported by backend %s", e.Operation, e.Backend)
}

func (e *NotSupportedError) Is(target error) bool {
	return target == ErrNotSupported
}

// ValidationError reports a malformed argument.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("userstate: invalid %s: %s", e.Field, e.Reason)
	if e.Value != nil {
		msg = fmt.Sprintf("userstate: invalid %s %q: %s", e.Field, fmt.Sprint(e.Value), e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsNotSupported reports whether err signals a missing capability.
func IsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}

// historyError reports a failed history step. It matches ErrHistoryAppend
// and unwraps to the underlying cause.
type historyError struct {
	op  string
	err error
}

func (e *historyError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrHistoryAppend.Error(), e.op, e.err)
}

func (e *historyError) Is(target error) bool {
	return target == ErrHistoryAppend
}

func (e *historyError) Unwrap() error {
	return e.err
}

// EvaluationError describes a rule that failed to compile or run.
type EvaluationError struct {
	Engine string
	Expr   string
	Scope  string
	Err    error
}

func (e *EvaluationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	expr := "<empty>"
	if e.Expr != "" {
		expr = fmt.Sprintf("%q", e.Expr)
	}
	return fmt.Sprintf("userstate: %s rule %s (scope %s): %v", e.Engine, expr, e.Scope, e.Err)
}

func (e *EvaluationError) Is(target error) bool {
	return target == ErrRule
}

func (e *EvaluationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// wrapEvaluatorError prefixes engine failures that carry no rule context.
func wrapEvaluatorError(engine string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) || strings.HasPrefix(err.Error(), "userstate:") {
		return err
	}
	return fmt.Errorf("userstate: %s evaluator: %w", engine, err)
}

// wrapEvaluationError attaches rule context to err, filling only the blanks
// of an existing *EvaluationError.
func wrapEvaluationError(engine, expr, scope string, err error) error {
	if err == nil {
		return nil
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		return &EvaluationError{Engine: engine, Expr: expr, Scope: scope, Err: err}
	}
	if evalErr.Engine == "" {
		evalErr.Engine = engine
	}
	if evalErr.Expr == "" {
		evalErr.Expr = expr
	}
	if evalErr.Scope == "" {
		evalErr.Scope = scope
	}
	return evalErr
}
