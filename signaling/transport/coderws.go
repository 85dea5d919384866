package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// CoderDialer is the default WSDialer, backed by github.com/coder/websocket.
type CoderDialer struct{}

// NewCoderDialer returns the default coder/websocket-backed dialer.
func NewCoderDialer() *CoderDialer {
	return &CoderDialer{}
}

// Dial opens a WebSocket connection, sending header on the upgrade request.
func (CoderDialer) Dial(ctx context.Context, url string, header http.Header) (WSConn, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: header,
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	return &coderConn{conn: conn}, nil
}

// coderConn adapts *websocket.Conn to the WSConn interface, fixing the
// message type to text since the signaling protocol is JSON-over-text.
type coderConn struct {
	conn *websocket.Conn
}

func (c *coderConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *coderConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *coderConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}
