// Package hub implements the room-wide broadcast primitive for the chat relay.
//
// A Hub keeps a fixed-size ring of the most recent messages. Every Subscription
// owns a cursor into that ring, so publishing never waits on readers: a reader
// that falls more than the ring capacity behind is told how many messages it
// missed and continues from the oldest message still retained.
package hub
