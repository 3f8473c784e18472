// Package transport abstracts the duplex update channel a sync session
// speaks over. The core only needs send/receive of opaque update payloads
// plus connection lifecycle; any relay capable of room fanout satisfies
// it.
package transport

import "context"

// Dialer establishes one connection attempt to a room's update channel.
// Dial errors wrapping ErrSessionRejected are fatal for the session; every
// other error is transient and retried with backoff by the caller.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live duplex connection. Receive blocks until a payload
// arrives or the connection dies; Send never blocks on peer consumption.
type Conn interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}
