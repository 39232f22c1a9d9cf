// Package eventlog is the append-only log of session events.
//
// Every change to a session goes through Log.Append: the event is validated,
// the session's exclusive section is entered, and the store commits the event
// together with the state its delta produces. Committed events are then handed
// to the configured Publisher (live subscribers, Kafka).
//
// # Serialization
//
// Appends to one session run one at a time; appends to different sessions
// run in parallel. The lock table is keyed by (agent id, session id) and
// entries are dropped when the last holder releases them, so memory does not
// grow with the number of sessions ever touched.
//
// Callers that must read a session and append based on what they read (the
// session manager's owner checks) take the lock with Lock and append with
// AppendLocked.
//
// # Conversation view
//
// Conversation walks the log backwards and pairs each user event with the
// agent event that immediately follows it:
//
//	user, agent, user, agent  -> 2 turns
//	user, user, agent         -> (user), (user, agent)
//	agent                     -> (-, agent)
//
// System events carry state changes and are not part of any turn.
package eventlog
