// Package relay implements the HTTP surface of the bridge: a server-sent
// event stream that broadcasts every engine message, a request/response
// endpoint that correlates replies by JSON-RPC id, and a health probe.
//
// The handler does not own the engine process or the message bus. It is
// constructed over a bus.Bus and an EngineControl and can be mounted on any
// mux or served directly.
package relay
