// Package store provides persistent storage for sessions and their event logs.
//
// # Architecture
//
// Store is the single persistence contract. Two engines implement it:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite ("sqlite") or, when
//     built with cgo, mattn/go-sqlite3 ("sqlite3")
//   - MemoryStore: maps behind one mutex, for tests and throwaway deployments
//
// # Data Model
//
//   - Session: owned by one (agent, user), holds the current key-value state
//   - Event: an immutable log entry with an optional state delta
//
// Event ids are assigned per session, start at 1 and have no gaps. The
// session row carries last_event_id, so the next id is read and written in
// the same transaction that inserts the event.
//
// # Atomicity
//
// AppendEvent runs one transaction that reads the session, applies the
// event's delta with state.Apply, inserts the event and writes the new state.
// CreateSession does the same for the session row and its optional initial
// event. A failure leaves neither behind.
//
// Deleting a session deletes its events in the same transaction; the events
// table also declares ON DELETE CASCADE.
//
// # Pagination
//
// Listings return at most MaxPageSize items and an opaque NextCursor. Event
// cursors encode the last event id and the scan direction; session cursors
// encode (created_at, session_id) of the last session. Re-reading a page with
// the same cursor returns the same items as long as nothing was appended in
// the range.
//
// # Errors
//
//   - ErrNotFound: session or event does not exist
//   - ErrDuplicateSession: session id already taken for the agent
//   - ErrInvalidCursor: page token is malformed or was issued for another order
//
// # Thread Safety
//
// SQLiteStore uses a single database connection, so statements are
// serialized by database/sql. MemoryStore guards its maps with a RWMutex.
package store
