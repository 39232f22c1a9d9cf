// Package session manages conversation sessions on top of the event log.
//
// A session belongs to one (agent, user) pair for its whole life. Reads do not
// check ownership; anything that changes a session (state updates, appends,
// deletion) requires the caller's user id to match the owner and fails with
// ErrForbidden otherwise. Ownership checks and the change they guard run
// inside the session's exclusive section, so a session cannot be deleted
// between the check and the append.
//
// Session state is never written directly. Initial state, state updates and
// agent replies all reach the state through events, which keeps the state
// equal to the fold of the session's event deltas.
//
// # Implicit creation
//
// The query path calls Resolve, which creates unseen session ids on the fly.
// If an explicit Create for the same id wins the race, Resolve uses the
// winner's session as long as the same user owns it. Create itself never
// reuses an existing session; it fails with store.ErrDuplicateSession.
package session
