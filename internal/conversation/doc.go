// Package conversation runs queries against agent runtimes and keeps the
// session log consistent with what was streamed.
//
// # Query lifecycle
//
//	PENDING -> USER_EVENT_APPENDED -> STREAMING -> COMPLETED
//	                                            -> FAILED
//	                                            -> CANCELLED
//
// The first two states pass inside StreamQuery. A returned Stream is already
// STREAMING, and Outcome.Status reports which of the last three it reached.
//
// StreamQuery resolves (or creates) the session, appends the user event and
// opens the backend stream. It waits for the first chunk before returning: a
// backend that fails before producing anything is reported as an error to
// the caller and no agent event is written.
//
// From then on a pump goroutine reads chunks in arrival order, appends each
// to an aggregate buffer and queues a content_delta frame. The queue is a
// bounded channel; while it is full the pump stops reading from the backend,
// so nothing is dropped and memory stays bounded.
//
// Every stream that reached STREAMING writes exactly one agent event:
//
//   - COMPLETED: the full text plus the merged state deltas of all chunks,
//     followed by a message_complete frame with the event id and new state
//   - FAILED (backend error or timeout): the partial text, no delta,
//     followed by an error frame with the transient flag
//   - CANCELLED (client went away): the backend call is aborted, the queue is
//     closed without a terminal frame and the partial text is written
//
// The final append runs on a context detached from the client's, bounded by
// FlushTimeout. A client that stays connected but stops reading holds the
// backend only until Timeout; the stream then fails as a timeout and the
// partial text is written. Terminal frames wait at most FlushTimeout for
// room in the queue.
//
// # Non-streaming queries
//
// Query calls StreamQuery and drains the frames in process. It therefore
// writes exactly the same events as a streamed query of the same input.
package conversation
