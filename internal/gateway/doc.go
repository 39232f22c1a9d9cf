// Package gateway serves the sessiongate HTTP surface.
//
// # Overview
//
// Gateway wires the long-lived components together: the agent registry, the
// store (SQLite or in-memory), the event log with its publishers (in-process
// broadcaster, optional Kafka), the runtime router and the query service.
// API exposes them over HTTP.
//
// # HTTP API
//
// Health endpoints never require authentication:
//
//   - GET /health, GET /api/v1/health - liveness and agent list
//   - GET /health/ready - store ping
//
// Everything under /api/v1 requires a bearer token when auth.jwt_secret is
// set. User-scoped routes only accept callers whose token subject matches the
// user in the path, or admins:
//
//   - GET /api/v1/agents
//   - POST /api/v1/agents/{agent}/query
//   - POST /api/v1/agents/{agent}/stream_query
//   - GET /api/v1/agents/{agent}/users (admin)
//   - GET /api/v1/agents/{agent}/sessions (admin)
//   - POST, GET /api/v1/agents/{agent}/users/{user}/sessions
//   - POST, GET, DELETE .../sessions/{session}
//   - PATCH .../sessions/{session}/state
//   - GET .../sessions/{session}/stats
//   - POST, GET .../sessions/{session}/events
//   - GET .../sessions/{session}/events/{event}
//   - GET .../sessions/{session}/events/stream
//   - GET .../sessions/{session}/conversation
//
// Errors are JSON bodies of the form {"error": "...", "type": "not_found"}.
//
// # SSE Streaming
//
// stream_query answers with Server-Sent Events:
//
//	event: message_start
//	data: {"session_id":"...","invocation_id":"e-...",...}
//
//	event: content_delta
//	id: 1
//	data: {"text":"Hello "}
//
//	event: message_complete
//	id: 4
//	data: {"status":"completed","event_id":2,"state":{...}}
//
// A backend failure mid-stream ends with an error frame instead. ping frames
// keep idle connections open. Failures before the first chunk are returned as
// ordinary JSON errors.
//
// events/stream emits one "event" frame per appended event with the event id
// as the SSE id, so reconnecting with Last-Event-ID resumes without gaps.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and shutdown completes
package gateway
