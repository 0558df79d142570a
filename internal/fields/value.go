package fields

import (
	"math"
	"slices"
	"time"
	"unicode/utf16"
)

// Value is a sealed interface over the value kinds a record field may hold.
// Only Null, String, Int, Float, Bool, Time, List and Object implement it.
type Value interface {
	fieldValue()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) fieldValue() {}

// String is a text value.
type String string

func (String) fieldValue() {}

// Int is an integral number.
type Int int64

func (Int) fieldValue() {}

// Float is a non-integral number. Finite values only.
type Float float64

func (Float) fieldValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) fieldValue() {}

// Time is a timestamp value. Always compared and serialized in UTC.
type Time time.Time

func (Time) fieldValue() {}

// Std returns the value as a time.Time in UTC.
func (t Time) Std() time.Time {
	return time.Time(t).UTC()
}

// List is an ordered sequence of values.
type List []Value

func (List) fieldValue() {}

// Object maps field names to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) fieldValue() {}

// SortedKeys returns keys ordered by UTF-16 code units, matching canonical JSON.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Get returns the value stored under key, if any.
func (o Object) Get(key string) (Value, bool) {
	v, ok := o[key]
	return v, ok
}

// With returns a copy of o with the entries of patch applied on top.
func (o Object) With(patch Object) Object {
	out := make(Object, len(o)+len(patch))
	for k, v := range o {
		out[k] = Clone(v)
	}
	for k, v := range patch {
		out[k] = Clone(v)
	}
	return out
}

// Without returns a copy of o minus the given keys.
func (o Object) Without(keys ...string) Object {
	out := Clone(o).(Object)
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// compareKeys orders strings by UTF-16 code units.
// Go string comparison is UTF-8 byte order, which differs above the BMP.
func compareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Equal reports whether a and b are structurally equal.
//
// Int and Float compare by numeric value, so 5 and 5.0 are equal. Times
// compare as instants. A nil Value equals Null.
func Equal(a, b Value) bool {
	if a == nil {
		a = Null{}
	}
	if b == nil {
		b = Null{}
	}

	switch av := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		switch bv := b.(type) {
		case Int:
			return av == bv
		case Float:
			return float64(av) == float64(bv)
		}
		return false
	case Float:
		switch bv := b.(type) {
		case Float:
			return av == bv
		case Int:
			return float64(av) == float64(bv)
		}
		return false
	case Time:
		bv, ok := b.(Time)
		return ok && time.Time(av).Equal(time.Time(bv))
	case List:
		bv, ok := b.(List)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy of v. Scalars are returned unchanged.
func Clone(v Value) Value {
	switch val := v.(type) {
	case List:
		if val == nil {
			return List(nil)
		}
		out := make(List, len(val))
		for i, e := range val {
			out[i] = Clone(e)
		}
		return out
	case Object:
		if val == nil {
			return Object{}
		}
		out := make(Object, len(val))
		for k, e := range val {
			out[k] = Clone(e)
		}
		return out
	}
	return v
}

// CloneObject is Clone specialised to objects. A nil input yields an empty object.
func CloneObject(o Object) Object {
	return Clone(o).(Object)
}

// isFinite reports whether f can be represented in JSON.
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
