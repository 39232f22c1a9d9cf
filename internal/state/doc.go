// ABOUTME: Package state holds session key-value state and the merge engine.
// ABOUTME: Deltas are applied by shallow merge or wholesale replace.

// Package state implements the session state model and the rules for folding
// state deltas into it.
//
// # Values
//
// State values are a closed set of JSON-shaped kinds: Null, String, Number,
// Bool, Array and Object. Value is a sealed interface so that every value
// stored in a session round-trips through JSON and the gRPC Struct encoding
// without loss. Number keeps the exact decimal text it was decoded from.
//
// # Applying deltas
//
// Apply is the single rule used everywhere a delta touches state:
//
//	replace: the new state is exactly the delta
//	merge:   every key in the delta overwrites the key in the current state
//
// Merging is shallow. A nested Object in the delta replaces the whole nested
// Object in the state; it is not merged recursively. A Null value is stored as
// a value, it does not remove the key.
//
// Apply never mutates its inputs, so a session's state is always the left fold
// of its event deltas in event order (see Fold).
package state
