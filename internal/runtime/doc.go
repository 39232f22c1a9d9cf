// Package runtime is the gateway's client for backend agent runtimes.
//
// # Backend
//
// A Backend answers one query with a stream of chunks:
//
//	stream, err := backend.StreamQuery(ctx, &runtime.Request{...})
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF { break }
//	    ...
//	}
//
// Each Chunk carries a piece of text and optionally a partial state delta.
// Cancelling ctx aborts the backend call.
//
// # Errors
//
// Failures from the backend are reported as *Error. Transient errors
// (unavailable, overloaded, timed out) may succeed on retry; the gateway
// surfaces the flag to clients but never retries on its own.
//
// # Wire format
//
// Runtimes are reached over gRPC. The service is a single server-streaming
// method, /sessiongate.runtime.v1.Runtime/StreamQuery, whose request and
// response messages are google.protobuf.Struct:
//
//	request:  {agent_id, user_id, session_id, message, metadata}
//	response: {text, state_delta}
//
// Client dials a runtime; RegisterServer serves any Backend, which is how
// cmd/fake-runtime exposes the Echo backend.
//
// # Routing
//
// Router picks a Backend by agent id, so agents can live on different
// runtimes while the rest of the gateway sees one Backend.
package runtime
