// Package agent implements the client side of the hosted voice agent
// protocol: a websocket carrying JSON control events and binary audio, with a
// one-time Settings handshake before any audio flows.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnection marks a failure to reach the agent service.
	ErrConnection = errors.New("agent connection failed")
	// ErrProtocol marks an agent response the bridge cannot act on.
	ErrProtocol = errors.New("agent protocol error")
)

func errProtocol(message string) error {
	return fmt.Errorf("%w: %s", ErrProtocol, message)
}

const (
	defaultWriteTimeout = 5 * time.Second
	handshakeTimeout    = 10 * time.Second
)

// Conn is one live connection to the agent service. SendAudio and
// SendToolResult may be called from different goroutines; writes are
// serialized internally. Next must be called from a single goroutine.
type Conn struct {
	ws           *websocket.Conn
	config       Settings
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the agent service, sends the Settings handshake, and
// waits for the first event. Dial failures wrap ErrConnection; a rejected or
// malformed handshake wraps ErrProtocol. On success the returned Conn has
// already consumed the SettingsApplied acknowledgement. A non-positive
// writeTimeout selects the default.
func Dial(ctx context.Context, endpoint, apiKey string, settings Settings, writeTimeout time.Duration) (*Conn, error) {
	settings.Type = "Settings"
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Token "+apiKey)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: status %d: %v", ErrConnection, endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, endpoint, err)
	}

	conn := &Conn{ws: ws, config: settings, writeTimeout: writeTimeout}
	if err := conn.writeJSON(settings); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: send settings: %v", ErrConnection, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.awaitSettingsApplied(); err != nil {
		conn.Close()
		return nil, err
	}
	_ = ws.SetReadDeadline(time.Time{})
	return conn, nil
}

// awaitSettingsApplied reads events until the acknowledgement arrives.
// Benign events the service may emit before the ack are skipped; an Error
// event or a malformed frame rejects the handshake.
func (c *Conn) awaitSettingsApplied() error {
	for {
		event, err := c.Next()
		if err != nil {
			return fmt.Errorf("%w: awaiting settings ack: %v", ErrProtocol, err)
		}
		switch ev := event.(type) {
		case SettingsApplied:
			return nil
		case AgentError:
			return fmt.Errorf("%w: settings rejected: %s", ErrProtocol, ev.Description)
		case Other:
			continue
		default:
			return fmt.Errorf("%w: unexpected %s before settings ack", ErrProtocol, event.EventType())
		}
	}
}

// Settings returns the configuration sent at handshake.
func (c *Conn) Settings() Settings { return c.config }

// Next blocks for the next inbound event. It returns io.EOF semantics via
// the underlying websocket error when the transport ends.
func (c *Conn) Next() (Event, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			return AudioChunk{Data: data}, nil
		case websocket.TextMessage:
			return decodeTextEvent(data)
		default:
			continue
		}
	}
}

// SendAudio forwards one chunk of caller PCM to the agent.
func (c *Conn) SendAudio(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// SendToolResult responds to a function call request. The output payload is
// carried as a JSON string per the wire protocol.
func (c *Conn) SendToolResult(callID string, output json.RawMessage) error {
	return c.writeJSON(functionCallResponse{
		Type:           "FunctionCallResponse",
		FunctionCallID: callID,
		Output:         string(output),
	})
}

// InjectMessage asks the agent to speak the given message.
func (c *Conn) InjectMessage(message string) error {
	return c.writeJSON(injectAgentMessage{Type: "InjectAgentMessage", Message: message})
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// Close shuts the connection down. Safe to call from any goroutine,
// repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		_ = c.ws.Close()
	})
}
