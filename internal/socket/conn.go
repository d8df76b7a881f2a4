package socket

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Conn is the transport surface the manager needs from a websocket.
//
// Implementations must allow ReadMessage to be unblocked by Close from
// another goroutine (gorilla behaves this way; test fakes must too).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to the given websocket URL.
type Dialer func(url string) (Conn, error)

// Dial is the production Dialer backed by gorilla/websocket.
func Dial(url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &gorillaConn{ws: ws}, nil
}

type gorillaConn struct {
	ws *websocket.Conn
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The protocol only uses text frames.
		if typ != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	return c.ws.Close()
}
