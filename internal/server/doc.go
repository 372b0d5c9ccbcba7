// Package server implements the HTTP and WebSocket side of the chat relay.
//
// An Acceptor upgrades requests on /ws and runs one Session per connection.
// Each session duplexes its WebSocket against a subscription to the shared
// room hub: inbound text frames are published, and every message published
// to the room is written back out as a text frame. Configuration, origin
// checks, rate limiting, routing, and server lifecycle helpers live in their
// own files so each concern can be tested alone.
package server
