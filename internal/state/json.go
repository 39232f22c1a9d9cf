// ABOUTME: JSON decoding for State and Value.
// ABOUTME: Numbers are decoded with UseNumber so their text is preserved.

package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalJSON decodes a JSON object into s. Anything other than an object
// (or null, which decodes to an empty state) is rejected with ErrInvalidDelta.
func (s *State) UnmarshalJSON(data []byte) error {
	v, err := Decode(data)
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case Null:
		*s = State{}
		return nil
	case Object:
		st := State(x)
		if err := st.Validate(); err != nil {
			return err
		}
		*s = st
		return nil
	default:
		return fmt.Errorf("%w: state must be a JSON object", ErrInvalidDelta)
	}
}

// Decode parses a single JSON value.
func Decode(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelta, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidDelta)
	}
	return FromAny(raw)
}

// Encode renders s as a JSON object. Keys are sorted by encoding/json.
func Encode(s State) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(s))
}
