package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelink/voicebridge/pkg/bridge/agent"
	"github.com/carelink/voicebridge/pkg/bridge/config"
	"github.com/carelink/voicebridge/pkg/bridge/session"
	"github.com/carelink/voicebridge/pkg/bridge/store"
	"github.com/carelink/voicebridge/pkg/ehr"
	"github.com/carelink/voicebridge/pkg/ehr/reminder"
)

func testConfig() config.Config {
	return config.Config{
		Addr:          ":0",
		AgentURL:      "ws://agent.invalid/converse",
		AgentLanguage: "en",
		ListenModel:   "flux-general-en",
		SpeakModel:    "aura-2-thalia-en",
		ThinkModel:    "gpt-4.1-mini",
		FrameInterval: 5 * time.Millisecond,
	}
}

type stubAgentConn struct {
	mu        sync.Mutex
	sentAudio [][]byte
	settings  agent.Settings

	closeOnce sync.Once
	closed    chan struct{}
}

func newStubAgentConn(settings agent.Settings) *stubAgentConn {
	return &stubAgentConn{settings: settings, closed: make(chan struct{})}
}

func (f *stubAgentConn) Next() (agent.Event, error) {
	<-f.closed
	return nil, errors.New("closed")
}

func (f *stubAgentConn) SendAudio(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAudio = append(f.sentAudio, append([]byte(nil), data...))
	return nil
}

func (f *stubAgentConn) SendToolResult(callID string, output json.RawMessage) error { return nil }
func (f *stubAgentConn) InjectMessage(message string) error                         { return nil }

func (f *stubAgentConn) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *stubAgentConn) audio() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sentAudio))
	copy(out, f.sentAudio)
	return out
}

type stubPlanner struct {
	plan reminder.Plan
	err  error
}

func (p stubPlanner) PlanCall(ctx context.Context, phoneNumber string) (reminder.Plan, error) {
	return p.plan, p.err
}

func newTestServer(t *testing.T, planner CallPlanner) (*Server, *httptest.Server, *stubAgentConn) {
	t.Helper()
	srv := New(testConfig(), nil, nil, planner)

	stub := newStubAgentConn(agent.Settings{})
	srv.dialAgent = func(ctx context.Context, endpoint, apiKey string, settings agent.Settings) (session.AgentConn, error) {
		stub.mu.Lock()
		stub.settings = settings
		stub.mu.Unlock()
		return stub, nil
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, stub
}

func dialVoice(t *testing.T, ts *httptest.Server, callID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/voice/" + callID
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestVoice_UnknownCallClosedWithPolicyViolation(t *testing.T) {
	_, ts, _ := newTestServer(t, stubPlanner{})

	conn, _, err := dialVoice(t, ts, "no-such-call")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err=%v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
}

func TestVoice_RelaysCallerAudio(t *testing.T) {
	srv, ts, stub := newTestServer(t, stubPlanner{})
	srv.Store().Put(store.CallContext{
		CallID:       "call-1",
		Instructions: "remind the patient",
		Greeting:     "Hello!",
	})

	conn, _, err := dialVoice(t, ts, "call-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pcm := bytes.Repeat([]byte{7}, 320)
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		t.Fatalf("write media: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(stub.audio()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	got := stub.audio()
	if len(got) != 1 || !bytes.Equal(got[0], pcm) {
		t.Fatalf("agent audio=%v chunks", len(got))
	}

	stub.mu.Lock()
	instructions := stub.settings.Agent.Think.Instructions
	greeting := stub.settings.Greeting
	stub.mu.Unlock()
	if instructions != "remind the patient" {
		t.Fatalf("instructions=%q", instructions)
	}
	if greeting != "Hello!" {
		t.Fatalf("greeting=%q", greeting)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && srv.tracker.Count() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.tracker.Count() != 0 {
		t.Fatalf("session still registered after stop")
	}

	// The context was consumed at websocket arrival.
	if _, ok := srv.Store().Take("call-1"); ok {
		t.Fatalf("call context still present after Take")
	}
}

func TestVoice_DrainingRefusesNewSessions(t *testing.T) {
	srv, ts, _ := newTestServer(t, stubPlanner{})
	srv.Store().Put(store.CallContext{CallID: "call-1"})
	srv.SetDraining()

	_, resp, err := dialVoice(t, ts, "call-1")
	if err == nil {
		t.Fatalf("dial succeeded on a draining server")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestVoice_AgentDialFailureClosesTelephonyLeg(t *testing.T) {
	srv, ts, _ := newTestServer(t, stubPlanner{})
	srv.Store().Put(store.CallContext{CallID: "call-1"})
	srv.dialAgent = func(ctx context.Context, endpoint, apiKey string, settings agent.Settings) (session.AgentConn, error) {
		return nil, agent.ErrConnection
	}

	conn, _, err := dialVoice(t, ts, "call-1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err=%v, want close error", err)
	}
	if closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("close code=%d, want %d", closeErr.Code, websocket.CloseInternalServerErr)
	}
}

func TestPrepareCall_StoresContext(t *testing.T) {
	planner := stubPlanner{plan: reminder.Plan{
		PatientName:  "Maria Santos",
		Instructions: "remind about dermatology",
		Greeting:     "Hello, may I speak with Maria Santos?",
		Appointments: []ehr.Appointment{{ID: "apt-1"}},
	}}
	srv, ts, _ := newTestServer(t, planner)

	resp, err := http.Post(ts.URL+"/calls", "application/json",
		strings.NewReader(`{"phone_number":"+15550100"}`))
	if err != nil {
		t.Fatalf("POST /calls: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status=%d, want 201", resp.StatusCode)
	}

	var out prepareCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CallID == "" || out.PatientName != "Maria Santos" || out.Appointments != 1 {
		t.Fatalf("response=%+v", out)
	}

	callCtx, ok := srv.Store().Take(out.CallID)
	if !ok {
		t.Fatalf("no stored context for %s", out.CallID)
	}
	if callCtx.Instructions != "remind about dermatology" {
		t.Fatalf("instructions=%q", callCtx.Instructions)
	}
}

func TestPrepareCall_UnknownPatient(t *testing.T) {
	_, ts, _ := newTestServer(t, stubPlanner{err: reminder.ErrPatientNotFound})

	resp, err := http.Post(ts.URL+"/calls", "application/json",
		strings.NewReader(`{"phone_number":"+19990000"}`))
	if err != nil {
		t.Fatalf("POST /calls: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
}

func TestPrepareCall_MissingPhoneNumber(t *testing.T) {
	_, ts, _ := newTestServer(t, stubPlanner{})

	resp, err := http.Post(ts.URL+"/calls", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /calls: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	_, ts, _ := newTestServer(t, stubPlanner{})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["status"] != "ok" {
		t.Fatalf("status=%v", out["status"])
	}
}
