// Package httpserver exposes grov-proxy's network surface.
//
// Two routes do the actual proxying:
//
//	POST /v1/messages   Claude-style messages requests
//	POST /v1/responses  Codex-style responses requests
//
// Both are handed to a ProxyHandler, which resolves a session, injects
// memory context, forwards to the configured upstream, and writes the
// upstream response back once it has been read in full: responses,
// including SSE ones, are buffered, not streamed. A GET /health route
// reports liveness.
//
// The /admin/events/* routes are an operator surface, not part of the
// agent-facing proxy contract: they stream the internal event bus over
// Server-Sent Events so an operator can watch session/turn/drift/memory
// activity without reading logs. /admin/events/session requires a
// ?sessionID= query parameter and filters to events carrying that ID;
// /admin/events and /admin/events/global stream everything.
//
// SSE Implementation Note: sse.go is a custom, minimal SSE writer rather
// than a third-party SSE package, because it only needs to turn bus events
// into "event: message\ndata: ...\n\n" frames with a heartbeat — pulling in
// a framework for that would add surface without saving code.
package httpserver
