package telephony

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 5 * time.Second

// Conn wraps the telephony websocket. Reads come from a single goroutine, as
// do audio writes; only close control frames may race with them (gorilla
// permits WriteControl from any goroutine).
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket. A non-positive writeTimeout selects
// the default.
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// ReadFrame blocks for the next inbound frame and decodes it. Binary frames
// are returned as media frames carrying the raw payload. A *DecodeError
// return means the frame was malformed but the connection is still usable;
// any other error is terminal.
func (c *Conn) ReadFrame() (Frame, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	switch messageType {
	case websocket.BinaryMessage:
		if len(data) == 0 {
			return Frame{}, badFrame("empty binary frame", "")
		}
		return Frame{Event: EventMedia, Audio: data}, nil
	case websocket.TextMessage:
		return DecodeTextFrame(data)
	default:
		return Frame{}, badFrame("unsupported message type", "")
	}
}

// WriteAudio sends one binary PCM frame to the caller.
func (c *Conn) WriteAudio(frame []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame with the given code once, then closes the
// underlying socket. Safe to call from any goroutine, repeatedly.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
		_ = c.ws.Close()
	})
}
