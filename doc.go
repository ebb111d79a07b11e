// Package xpnet is the client-side transport layer of a game engine: binary
// payload connections over WebSockets or in-process pipes, a socket service
// multiplexing client sockets and HTTP transactions, and an HTTP client with
// an on-disk response cache and a cookie store.
//
// # Connections
//
// Every transport implements Connection. A connection moves through
// StatusIdle, StatusOK and one of the closed states, and reports each change
// to its ConnectionDelegate:
//
//	conn, _ := ctx.Dial("wss://example.com/join")
//	conn.SetDelegate(myDelegate)
//	conn.Connect()
//	conn.PushPayloadToWrite(xpnet.NewPayload([]byte("hello")))
//
// Writers pull bytes from a connection with Write until DoneWriting reports
// true. A payload larger than the write buffer is sent as several fragments
// of one WebSocket message.
//
// # Payload Format
//
// Payloads carry optional metadata ahead of the content (little-endian):
//
//	[1 byte: includes][2 bytes: id][8 bytes: createdAt ms][travel history][content]
//
// The travel history lists named steps with millisecond diffs, which makes it
// possible to see where a payload spent its time. Maximum content: 10MB.
//
// # Servers
//
// A ListenServer (see package ws) accepts WebSockets and offers each one to a
// ListenServerDelegate, which may refuse it. Incoming messages are rate
// limited per connection; a client exceeding its budget receives close code
// 1008 (Policy Violation).
//
// # HTTP
//
// Requests are sent through the socket service. Successful responses are
// cached on disk and served without a network call while fresh; stale entries
// are revalidated with If-None-Match.
//
// # Important
//
//   - Delegate callbacks of client connections and HTTP callbacks run on the
//     service goroutine; do not block in them
//   - DO NOT modify decoded payload content (it references the read buffer)
//   - Configure CheckOriginFn in production (never use ws.AllOrigins() in production)
package xpnet
