package overlay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// ValueError reports a field value that has no JSON representation.
type ValueError struct {
	Path string
	Err  error
}

func (e *ValueError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("overlay: value at %q: %v", e.Path, e.Err)
}

func (e *ValueError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Normalize converts fields into the canonical JSON shape stored by every
// backend: objects become map[string]any, arrays []any, integral numbers
// int64 and every other number float64. Values that do not survive a JSON
// round trip (channels, functions, complex numbers, NaN, infinities) are
// rejected with a *ValueError.
func Normalize(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return nil, nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		normalized, err := normalizeValue(key, value)
		if err != nil {
			return nil, err
		}
		out[key] = normalized
	}
	return out, nil
}

// NormalizeValue applies Normalize to a single value.
func NormalizeValue(value any) (any, error) {
	return normalizeValue("", value)
}

// Number converts a decoded JSON number into int64 when it is integral and
// fits, float64 otherwise.
func Number(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return normalizeFloat(f)
}

func normalizeValue(path string, value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string, int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		out, err := normalizeFloat(v)
		if err != nil {
			return nil, &ValueError{Path: path, Err: err}
		}
		return out, nil
	case json.Number:
		out, err := Number(v)
		if err != nil {
			return nil, &ValueError{Path: path, Err: err}
		}
		return out, nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			normalized, err := normalizeValue(joinPath(path, key), item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := normalizeValue(indexPath(path, i), item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case json.Marshaler:
		return normalizeJSON(path, v)
	}
	return normalizeReflect(path, reflect.ValueOf(value))
}

func normalizeReflect(path string, rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u <= math.MaxInt64 {
			return int64(u), nil
		}
		return float64(u), nil
	case reflect.Float32, reflect.Float64:
		out, err := normalizeFloat(rv.Float())
		if err != nil {
			return nil, &ValueError{Path: path, Err: err}
		}
		return out, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(path, rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			normalized, err := normalizeValue(indexPath(path, i), rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return normalizeJSON(path, rv.Interface())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			normalized, err := normalizeValue(joinPath(path, key), iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case reflect.Struct:
		return normalizeJSON(path, rv.Interface())
	default:
		return nil, &ValueError{Path: path, Err: fmt.Errorf("unsupported type %s", rv.Type())}
	}
}

func normalizeJSON(path string, value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, &ValueError{Path: path, Err: err}
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, &ValueError{Path: path, Err: err}
	}
	return normalizeValue(path, decoded)
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("unsupported float value %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func indexPath(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}
