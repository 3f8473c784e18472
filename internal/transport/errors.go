package transport

import "errors"

var (
	// ErrSessionRejected indicates the far side refused the session (room
	// missing, auth refused). Fatal: the session closes instead of
	// retrying.
	ErrSessionRejected = errors.New("transport: session rejected")
	// ErrConnClosed indicates the connection is no longer usable. The
	// session treats it as a transient failure and reconnects.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrUnavailable indicates the endpoint could not be reached. Transient.
	ErrUnavailable = errors.New("transport: endpoint unavailable")
)
