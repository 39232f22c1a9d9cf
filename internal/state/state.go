// ABOUTME: Session state mapping and the merge/replace application rule.
// ABOUTME: Apply is pure; Fold rebuilds state from an ordered delta sequence.

package state

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
)

// ErrInvalidDelta is returned when a delta or value cannot be used as state.
var ErrInvalidDelta = errors.New("invalid state delta")

// State is a session's key-value state.
type State map[string]Value

// Delta is one state change as recorded on an event.
type Delta struct {
	Values  State
	Replace bool
}

// Apply returns the state that results from applying delta to current.
// With replace the result is exactly delta. Otherwise each key in delta
// overwrites the same key of current. Neither input is modified.
func Apply(current, delta State, replace bool) State {
	if replace {
		return delta.Clone()
	}
	out := make(State, len(current)+len(delta))
	maps.Copy(out, current)
	maps.Copy(out, delta)
	return out
}

// Fold applies deltas to an empty state in order.
func Fold(deltas []Delta) State {
	s := State{}
	for _, d := range deltas {
		if d.Values == nil && !d.Replace {
			continue
		}
		s = Apply(s, d.Values, d.Replace)
	}
	return s
}

// Clone returns a shallow copy of s. A nil state clones to an empty one.
func (s State) Clone() State {
	out := make(State, len(s))
	maps.Copy(out, s)
	return out
}

// Keys returns the keys of s in sorted order.
func (s State) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Equal reports whether a and b hold the same keys and values.
func Equal(a, b State) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// Validate checks that every key is non-empty and every value is a known kind.
func (s State) Validate() error {
	for k, v := range s {
		if k == "" {
			return errors.Join(ErrInvalidDelta, errors.New("empty key"))
		}
		if err := validateValue(v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(v Value) error {
	switch x := v.(type) {
	case Null, String, Bool:
		return nil
	case Number:
		if !x.Valid() {
			return fmt.Errorf("%w: invalid number %q", ErrInvalidDelta, string(x))
		}
		return nil
	case Array:
		for _, el := range x {
			if err := validateValue(el); err != nil {
				return err
			}
		}
		return nil
	case Object:
		return State(x).Validate()
	default:
		return errors.Join(ErrInvalidDelta, errors.New("missing or unknown value"))
	}
}
