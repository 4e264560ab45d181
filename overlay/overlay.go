// Package overlay implements the field algebra shared by the client and every
// storage backend: shallow overlay of a delta onto stored fields, partial
// removal, field filtering, JSON normalisation and deep cloning.
//
// All functions are pure. Inputs are never mutated and results never share
// nested containers with their inputs.
package overlay

import "reflect"

// Overlay returns the result of writing delta on top of existing. Keys present
// in delta replace the stored value wholesale; keys absent from delta keep
// their stored value.
func Overlay(existing, delta map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(delta))
	for key, value := range existing {
		out[key] = cloneAny(value)
	}
	for key, value := range delta {
		out[key] = cloneAny(value)
	}
	return out
}

// Prune removes names from existing. A nil names slice removes every field.
// The returned bool reports whether the remainder is empty, in which case the
// owning record must be deleted.
func Prune(existing map[string]any, names []string) (map[string]any, bool) {
	if names == nil {
		return nil, true
	}
	out := Clone(existing)
	for _, name := range names {
		delete(out, name)
	}
	if len(out) == 0 {
		return nil, true
	}
	return out, false
}

// Filter restricts fields to names. A nil names slice keeps every field;
// requested names that are absent are silently skipped.
func Filter(fields map[string]any, names []string) map[string]any {
	if names == nil {
		return Clone(fields)
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		value, ok := fields[name]
		if !ok {
			continue
		}
		out[name] = cloneAny(value)
	}
	return out
}

// Clone deep copies fields.
func Clone(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		out[key] = cloneAny(value)
	}
	return out
}

// Equal reports whether two field sets hold the same values.
func Equal(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

func cloneAny(value any) any {
	switch v := value.(type) {
	case nil, bool, string, int64, float64:
		return v
	}
	cloned := cloneValue(reflect.ValueOf(value))
	if !cloned.IsValid() {
		return nil
	}
	return cloned.Interface()
}

func cloneValue(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}

	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.New(v.Type().Elem())
		clone.Elem().Set(cloneValue(v.Elem()))
		return clone
	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		elem := cloneValue(v.Elem())
		if !elem.IsValid() {
			return reflect.Zero(v.Type())
		}
		return elem.Convert(v.Type())
	case reflect.Struct:
		clone := reflect.New(v.Type()).Elem()
		clone.Set(v)
		for i := 0; i < v.NumField(); i++ {
			field := clone.Field(i)
			if !field.CanSet() {
				continue
			}
			field.Set(cloneValue(v.Field(i)))
		}
		return clone
	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			clone.SetMapIndex(iter.Key(), cloneValue(iter.Value()))
		}
		return clone
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(v.Type())
		}
		clone := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			clone.Index(i).Set(cloneValue(v.Index(i)))
		}
		return clone
	case reflect.Array:
		clone := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			clone.Index(i).Set(cloneValue(v.Index(i)))
		}
		return clone
	default:
		return v
	}
}
