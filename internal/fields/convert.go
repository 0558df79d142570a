package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FromAny converts plain Go values (as produced by encoding/json, yaml.v3 or
// CUE decoding) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return fromFloat(f)
	case time.Time:
		return Time(val.UTC()), nil
	case []any:
		out := make(List, len(val))
		for i, e := range val {
			fv, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = fv
		}
		return out, nil
	case []string:
		out := make(List, len(val))
		for i, e := range val {
			out[i] = String(e)
		}
		return out, nil
	case map[string]any:
		if ts, ok := taggedTime(val); ok {
			return ts, nil
		}
		out := make(Object, len(val))
		for k, e := range val {
			fv, err := FromAny(e)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			out[k] = fv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported field type %T", v)
	}
}

// ObjectFromAny converts a plain map into an Object.
func ObjectFromAny(m map[string]any) (Object, error) {
	out := make(Object, len(m))
	for k, e := range m {
		fv, err := FromAny(e)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = fv
	}
	return out, nil
}

// MustObject is ObjectFromAny for literals in tests and fixtures. It panics on error.
func MustObject(m map[string]any) Object {
	obj, err := ObjectFromAny(m)
	if err != nil {
		panic(err)
	}
	return obj
}

func fromFloat(f float64) (Value, error) {
	if !isFinite(f) {
		return nil, fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f)), nil
	}
	return Float(f), nil
}

func taggedTime(m map[string]any) (Time, bool) {
	if len(m) != 1 {
		return Time{}, false
	}
	s, ok := m[timeKey].(string)
	if !ok {
		return Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Time{}, false
	}
	return Time(t.UTC()), true
}

// ToAny converts a Value into plain Go values suitable for encoding/json.
// Times become time.Time, which encoding/json renders as RFC 3339.
func ToAny(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Time:
		return val.Std()
	case List:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToAny(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToAny(e)
		}
		return out
	}
	return nil
}

// PlainObject is ToAny for objects.
func PlainObject(o Object) map[string]any {
	return ToAny(o).(map[string]any)
}
