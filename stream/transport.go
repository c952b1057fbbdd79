package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the minimal websocket surface the connection manager needs.
// Production uses gorilla/websocket; tests substitute fakes to drive the
// state machine deterministically.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer establishes a Transport to the given websocket URL.
type Dialer func(ctx context.Context, url string) (Transport, error)

// DefaultDialer dials with gorilla's default websocket dialer.
func DefaultDialer(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
