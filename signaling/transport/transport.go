// Package transport defines the pluggable I/O abstractions the signaling
// device is built on top of: a WebSocket connection/dialer, an HTTP client,
// and a timer factory. Applications running on constrained embedded
// platforms can supply their own implementations; this package also ships
// default adapters over the standard library and coder/websocket for
// everything else.
package transport

import (
	"context"
	"net/http"
	"time"
)

// WSConn is the narrow slice of a WebSocket connection the signaling device
// needs: write a text frame, block for the next inbound frame, and close.
// Its shape mirrors github.com/coder/websocket's *Conn so the default
// adapter in coderws.go is a near-trivial wrapper.
type WSConn interface {
	// Write sends data as a single text frame.
	Write(ctx context.Context, data []byte) error

	// Read blocks until the next text frame arrives, or returns an error if
	// the connection is closed or ctx is done.
	Read(ctx context.Context) (data []byte, err error)

	// Close closes the connection with a normal-closure status.
	Close() error
}

// WSDialer opens a new WSConn to a WebSocket URL, optionally sending extra
// headers (e.g. Authorization).
type WSDialer interface {
	Dial(ctx context.Context, url string, header http.Header) (WSConn, error)
}

// HTTPClient is satisfied by *http.Client; defined as an interface so tests
// and constrained platforms can substitute their own round-tripper.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Timer is a handle returned by TimerFactory.AfterFunc, cancellable once.
type Timer interface {
	// Stop prevents the timer from firing, if it hasn't already. Returns
	// true if the stop prevented the fire.
	Stop() bool
}

// TimerFactory creates timers the device uses for reconnect backoff and
// liveness checks. Abstracted so platforms without a full time.AfterFunc
// runtime (or that want deterministic timers in tests) can substitute one.
type TimerFactory interface {
	AfterFunc(d time.Duration, f func()) Timer
}
