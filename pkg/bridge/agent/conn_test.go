package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testSettings() Settings {
	return Settings{
		Audio: AudioSettings{
			Input:  AudioFormat{Encoding: "linear16", SampleRate: 16000},
			Output: AudioFormat{Encoding: "linear16", SampleRate: 16000},
		},
		Agent: AgentSettings{
			Language: "en",
			Listen:   ModelSelector{Model: "flux-general-en"},
			Speak:    ModelSelector{Model: "aura-2-thalia-en"},
			Think:    ThinkSettings{Model: "gpt-4.1-mini", Instructions: "Be brief."},
		},
		Greeting: "Hello!",
	}
}

// fakeAgent runs a websocket server standing in for the agent service. The
// script function drives the server side of the conversation after the
// settings handshake has been acknowledged.
func fakeAgent(t *testing.T, script func(conn *websocket.Conn, settings map[string]any)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SettingsApplied"}`))
		if script != nil {
			script(conn, settings)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_SendsSettingsAndConsumesAck(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := fakeAgent(t, func(conn *websocket.Conn, settings map[string]any) {
		received <- settings
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), "test-key", testSettings(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	settings := <-received
	if settings["type"] != "Settings" {
		t.Fatalf("type=%v, want Settings", settings["type"])
	}
	audio := settings["audio"].(map[string]any)
	input := audio["input"].(map[string]any)
	if input["encoding"] != "linear16" || input["sample_rate"] != float64(16000) {
		t.Fatalf("audio.input=%v", input)
	}
	if settings["greeting"] != "Hello!" {
		t.Fatalf("greeting=%v", settings["greeting"])
	}
}

func TestDial_WriteTimeoutConfigured(t *testing.T) {
	srv := fakeAgent(t, nil)
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), "", testSettings(), 250*time.Millisecond)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if conn.writeTimeout != 250*time.Millisecond {
		t.Fatalf("writeTimeout=%v, want 250ms", conn.writeTimeout)
	}

	conn2, err := Dial(context.Background(), wsURL(srv), "", testSettings(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn2.Close()
	if conn2.writeTimeout != defaultWriteTimeout {
		t.Fatalf("writeTimeout=%v, want default %v", conn2.writeTimeout, defaultWriteTimeout)
	}
}

func TestDial_ConnectionRefused(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/agent", "", testSettings(), 0)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err=%v, want ErrConnection", err)
	}
}

func TestDial_SettingsRejected(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Error","description":"bad model"}`))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), wsURL(srv), "", testSettings(), 0)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("err=%v, want ErrProtocol", err)
	}
	if !strings.Contains(err.Error(), "bad model") {
		t.Fatalf("err=%v, want rejection description", err)
	}
}

func TestNext_DecodesEventStream(t *testing.T) {
	srv := fakeAgent(t, func(conn *websocket.Conn, settings map[string]any) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"FunctionCallRequest","function_name":"confirm_appointment","function_call_id":"fc-1","input":{"appointment_id":"apt-1"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"UserStartedSpeaking"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ConversationText","content":"hi"}`))
		time.Sleep(100 * time.Millisecond)
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), "", testSettings(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	event, err := conn.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	chunk, ok := event.(AudioChunk)
	if !ok || !bytes.Equal(chunk.Data, []byte{1, 2, 3}) {
		t.Fatalf("event=%#v, want AudioChunk{1,2,3}", event)
	}

	event, err = conn.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	call, ok := event.(ToolCallRequested)
	if !ok {
		t.Fatalf("event=%#v, want ToolCallRequested", event)
	}
	if call.Name != "confirm_appointment" || call.CallID != "fc-1" {
		t.Fatalf("call=%+v", call)
	}

	event, err = conn.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, ok := event.(UserStartedSpeaking); !ok {
		t.Fatalf("event=%#v, want UserStartedSpeaking", event)
	}

	event, err = conn.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	other, ok := event.(Other)
	if !ok || other.Type != "ConversationText" {
		t.Fatalf("event=%#v, want Other{ConversationText}", event)
	}
}

func TestSendToolResult_WireFormat(t *testing.T) {
	received := make(chan []byte, 1)
	srv := fakeAgent(t, func(conn *websocket.Conn, settings map[string]any) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), "", testSettings(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SendToolResult("fc-9", json.RawMessage(`{"status":"confirmed"}`)); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	select {
	case data := <-received:
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("response not json: %v", err)
		}
		if msg["type"] != "FunctionCallResponse" || msg["function_call_id"] != "fc-9" {
			t.Fatalf("msg=%v", msg)
		}
		if msg["output"] != `{"status":"confirmed"}` {
			t.Fatalf("output=%v, want JSON carried as a string", msg["output"])
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tool result")
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := fakeAgent(t, nil)
	defer srv.Close()

	conn, err := Dial(context.Background(), wsURL(srv), "", testSettings(), 0)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	conn.Close()

	if err := conn.SendAudio([]byte{0}); err == nil {
		t.Fatalf("SendAudio after Close succeeded")
	}
}
