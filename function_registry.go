package userstate

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// Function is a helper callable from rule expressions.
type Function func(args ...any) (any, error)

// FunctionRegistry holds the helpers rules may call. Every engine reaches
// them through call(name, ...); expr also exposes each one under its
// registered name. Lookups through call ignore case.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]namedFunction
}

type namedFunction struct {
	name string
	fn   Function
}

// NewFunctionRegistry returns an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: make(map[string]namedFunction)}
}

// RecordFunctions returns a registry holding the record helpers:
//
//	hasField(fields, name)        true when the record carries name
//	field(fields, name, fallback) the value of name, or fallback
//	fieldCount(fields)            number of fields on the record
//	blockTypeIn(type, types...)   true when type is one of types
//
// NewEvaluator installs it when no registry is given.
func RecordFunctions() *FunctionRegistry {
	return NewFunctionRegistry().
		MustRegister("hasField", func(args ...any) (any, error) {
			fields, name, err := fieldArgs("hasField", args, 2)
			if err != nil {
				return nil, err
			}
			_, ok := fields[name]
			return ok, nil
		}).
		MustRegister("field", func(args ...any) (any, error) {
			fields, name, err := fieldArgs("field", args, 3)
			if err != nil {
				return nil, err
			}
			if value, ok := fields[name]; ok {
				return value, nil
			}
			return args[2], nil
		}).
		MustRegister("fieldCount", func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("userstate: fieldCount expects 1 argument, got %d", len(args))
			}
			fields, err := asFields(args[0])
			if err != nil {
				return nil, fmt.Errorf("userstate: fieldCount: %w", err)
			}
			return int64(len(fields)), nil
		}).
		MustRegister("blockTypeIn", func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("userstate: blockTypeIn expects a block type")
			}
			blockType, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("userstate: blockTypeIn: block type must be a string, got %T", args[0])
			}
			for _, candidate := range flatten(args[1:]) {
				if candidate == blockType {
					return true, nil
				}
			}
			return false, nil
		})
}

// Register adds fn under name. Names must be identifiers and unique ignoring
// case.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	if fn == nil {
		return fmt.Errorf("userstate: function %q is nil", name)
	}
	if !isIdentifier(name) {
		return fmt.Errorf("userstate: function name %q is not an identifier", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[string]namedFunction)
	}
	key := strings.ToLower(name)
	if existing, ok := r.functions[key]; ok {
		return fmt.Errorf("userstate: function %q already registered as %q", name, existing.name)
	}
	r.functions[key] = namedFunction{name: name, fn: fn}
	return nil
}

// MustRegister is Register that panics on error.
func (r *FunctionRegistry) MustRegister(name string, fn Function) *FunctionRegistry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

// Clone returns a copy that can be extended independently.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &FunctionRegistry{functions: make(map[string]namedFunction, len(r.functions))}
	for key, entry := range r.functions {
		clone.functions[key] = entry
	}
	return clone
}

// Call runs the function registered under name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("userstate: function registry is nil")
	}
	r.mu.RLock()
	entry, ok := r.functions[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("userstate: function %q not registered", name)
	}
	return entry.fn(args...)
}

// Names returns the registered names, sorted.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for _, entry := range r.functions {
		names = append(names, entry.name)
	}
	slices.Sort(names)
	return names
}

func isIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return false
		}
	}
	return true
}

func fieldArgs(fn string, args []any, want int) (map[string]any, string, error) {
	if len(args) != want {
		return nil, "", fmt.Errorf("userstate: %s expects %d arguments, got %d", fn, want, len(args))
	}
	fields, err := asFields(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("userstate: %s: %w", fn, err)
	}
	name, ok := args[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("userstate: %s: field name must be a string, got %T", fn, args[1])
	}
	return fields, name, nil
}

func asFields(value any) (map[string]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case Fields:
		return v, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("fields must be an object, got %T", value)
	}
}

// flatten accepts block types spread as arguments or passed as one list.
func flatten(args []any) []string {
	var out []string
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			out = append(out, v)
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}
