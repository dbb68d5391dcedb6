package broker

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// wsClientConn adapts a *websocket.Conn to stream.ClientConn, keeping the
// stream package free of any transport-library dependency. Grounded on the
// teacher's internal/relay/pty_relay.go usage of coder/websocket (Read,
// Write, Close with a status code and reason string).
type wsClientConn struct {
	conn *websocket.Conn
}

func newWSClientConn(c *websocket.Conn) *wsClientConn {
	return &wsClientConn{conn: c}
}

func (w *wsClientConn) ReadMessage() ([]byte, bool, error) {
	typ, data, err := w.conn.Read(context.Background())
	if err != nil {
		return nil, false, err
	}
	return data, typ == websocket.MessageText, nil
}

func (w *wsClientConn) WriteMessage(data []byte, isText bool) error {
	typ := websocket.MessageBinary
	if isText {
		typ = websocket.MessageText
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.conn.Write(ctx, typ, data)
}

func (w *wsClientConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// CloseWithCode implements stream.ClientConn's numeric close-code path —
// the pump calls this with an int it otherwise treats as opaque.
func (w *wsClientConn) CloseWithCode(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}

// closeWithCode closes the underlying connection with one of the named
// application close codes, bypassing the generic Close(reason) path used
// mid-stream by the pump.
func (w *wsClientConn) closeWithCode(code closeCode, reason string) error {
	status, msg := code.reason(reason)
	return w.conn.Close(status, msg)
}
