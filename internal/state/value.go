// ABOUTME: Sealed Value type for session state entries.
// ABOUTME: Provides constructors and conversion from plain Go values.

package state

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Value is a sealed interface. Only Null, String, Number, Bool, Array and
// Object implement it.
type Value interface {
	stateValue()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) stateValue() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) stateValue() {}

// Number is a numeric value kept as its decimal text.
type Number string

func (Number) stateValue() {}

// numberText is the JSON number grammar.
var numberText = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// Valid reports whether n is a JSON number literal.
func (n Number) Valid() bool {
	return numberText.MatchString(string(n))
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("%w: invalid number %q", ErrInvalidDelta, string(n))
	}
	return []byte(n), nil
}

// Float returns the number as a float64.
func (n Number) Float() (float64, error) {
	return strconv.ParseFloat(string(n), 64)
}

// Bool is a boolean value.
type Bool bool

func (Bool) stateValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) stateValue() {}

// Object is a nested mapping of values.
type Object map[string]Value

func (Object) stateValue() {}

// Int returns a Number holding n.
func Int(n int64) Number {
	return Number(strconv.FormatInt(n, 10))
}

// Float returns a Number holding f. NaN and infinities are rejected by
// FromAny; callers constructing numbers directly must pass finite values.
func Float(f float64) Number {
	return Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// FromAny converts a decoded JSON value (as produced by encoding/json or
// structpb.Value.AsInterface) into a Value.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		if !Number(x).Valid() {
			return nil, fmt.Errorf("%w: invalid number %q", ErrInvalidDelta, x.String())
		}
		return Number(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: non-finite number", ErrInvalidDelta)
		}
		return Float(x), nil
	case float32:
		return FromAny(float64(x))
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case []any:
		arr := make(Array, len(x))
		for i, el := range x {
			val, err := FromAny(el)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = val
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(x))
		for k, el := range x {
			val, err := FromAny(el)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			obj[k] = val
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ErrInvalidDelta, v)
	}
}

// ToAny converts a Value into plain Go values: nil, string, float64, bool,
// []any and map[string]any.
func ToAny(v Value) any {
	switch x := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(x)
	case Number:
		f, err := x.Float()
		if err != nil {
			return string(x)
		}
		return f
	case Bool:
		return bool(x)
	case Array:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = ToAny(el)
		}
		return out
	case Object:
		out := make(map[string]any, len(x))
		for k, el := range x {
			out[k] = ToAny(el)
		}
		return out
	default:
		return nil
	}
}
