// Package session runs the relay for one call: caller audio up to the agent,
// agent audio down to the caller at wall-clock rate, with barge-in and
// inline tool execution in between.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelink/voicebridge/pkg/bridge/agent"
	"github.com/carelink/voicebridge/pkg/bridge/audio"
	"github.com/carelink/voicebridge/pkg/bridge/metrics"
	"github.com/carelink/voicebridge/pkg/bridge/telephony"
	"github.com/carelink/voicebridge/pkg/bridge/tools"
)

type State string

const (
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

// TelephonyConn is the telephony leg as the session sees it.
type TelephonyConn interface {
	ReadFrame() (telephony.Frame, error)
	WriteAudio(frame []byte) error
	Close(code int, reason string)
}

// AgentConn is the agent leg as the session sees it, already past the
// settings handshake.
type AgentConn interface {
	Next() (agent.Event, error)
	SendAudio(data []byte) error
	SendToolResult(callID string, output json.RawMessage) error
	InjectMessage(message string) error
	Close()
}

// Config assembles one relay session.
type Config struct {
	CallID        string
	Telephony     TelephonyConn
	Agent         AgentConn
	Registry      *tools.Registry
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	FrameInterval time.Duration

	// HasGreeting reports whether the agent was configured with a greeting
	// at handshake. When false the session injects an opening message so the
	// agent speaks first.
	HasGreeting bool

	// OnClose runs once during teardown, after both legs are closed.
	OnClose func()
}

// Session relays one call between the telephony leg and the agent leg. Three
// goroutines run under a shared cancellation context: the telephony read
// loop, the agent read loop, and the playout pacing loop. Any loop ending
// for any reason drains the whole session; loop-local errors never propagate
// past the session.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	playout *audio.PlayoutBuffer

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	teardownOnce sync.Once
	startedAt    time.Time
	endStatus    string
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = audio.FrameDuration
	}
	return &Session{
		cfg:       cfg,
		logger:    cfg.Logger.With("call_id", cfg.CallID),
		playout:   audio.NewPlayoutBuffer(),
		state:     StateConnecting,
		endStatus: "completed",
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = state
}

// Cancel asks the session to drain. Used by the shutdown path.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run relays until either leg ends or ctx is cancelled, then tears both legs
// down. It blocks for the life of the call.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.startedAt = time.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSessionStart()
	}
	s.setState(StateStreaming)
	s.logger.Info("relay session started")

	// The handshake ack has already been consumed, so when no greeting was
	// configured this is the point to make the agent speak first.
	if !s.cfg.HasGreeting {
		if err := s.cfg.Agent.InjectMessage("Hello! How can I help you today?"); err != nil {
			s.logger.Warn("opening message failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		s.telephonyLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.agentLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.paceLoop(ctx)
	}()

	<-ctx.Done()
	s.setState(StateDraining)
	s.teardown()
	wg.Wait()
	s.setState(StateClosed)
	s.logger.Info("relay session closed")
}

// teardown closes both legs exactly once and records terminal metrics.
// Closing the sockets unblocks the read loops.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.cfg.Agent.Close()
		s.cfg.Telephony.Close(websocket.CloseNormalClosure, "")
		if s.cfg.OnClose != nil {
			s.cfg.OnClose()
		}
		if s.cfg.Metrics != nil {
			s.mu.Lock()
			status := s.endStatus
			s.mu.Unlock()
			s.cfg.Metrics.RecordSessionEnd(status, time.Since(s.startedAt))
		}
	})
}

func (s *Session) endWith(status string) {
	s.mu.Lock()
	s.endStatus = status
	s.mu.Unlock()
}

// telephonyLoop reads caller frames and forwards audio to the agent.
func (s *Session) telephonyLoop(ctx context.Context) {
	for {
		frame, err := s.cfg.Telephony.ReadFrame()
		if err != nil {
			var decodeErr *telephony.DecodeError
			if errors.As(err, &decodeErr) {
				s.logger.Warn("ignoring malformed telephony frame",
					"code", decodeErr.Code, "error", decodeErr.Message)
				continue
			}
			if ctx.Err() == nil {
				s.logger.Info("telephony leg ended", "error", err)
				s.endWith("telephony_closed")
			}
			return
		}

		switch frame.Event {
		case telephony.EventStart:
			s.logger.Info("telephony stream started")
		case telephony.EventStop:
			s.logger.Info("telephony stream stopped")
			s.endWith("caller_hangup")
			return
		case telephony.EventMedia:
			if err := s.cfg.Agent.SendAudio(frame.Audio); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("forwarding caller audio failed", "error", err)
					s.endWith("agent_write_failed")
				}
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordAudio("inbound", len(frame.Audio))
			}
		}
	}
}

// agentLoop consumes agent events: audio is buffered for paced playout,
// barge-in clears the buffer, tool calls are executed inline so their
// results go back before later events are acted on.
func (s *Session) agentLoop(ctx context.Context) {
	for {
		event, err := s.cfg.Agent.Next()
		if err != nil {
			if errors.Is(err, agent.ErrProtocol) {
				s.logger.Warn("ignoring malformed agent event", "error", err)
				continue
			}
			if ctx.Err() == nil {
				s.logger.Info("agent leg ended", "error", err)
				s.endWith("agent_closed")
			}
			return
		}

		switch ev := event.(type) {
		case agent.AudioChunk:
			s.playout.Append(ev.Data)
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordAudio("outbound", len(ev.Data))
			}
		case agent.UserStartedSpeaking:
			dropped := s.playout.Buffered()
			s.playout.Clear()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordBargeIn()
			}
			s.logger.Debug("barge-in, cleared buffered agent audio", "dropped_bytes", dropped)
		case agent.ToolCallRequested:
			s.handleToolCall(ctx, ev)
		case agent.AgentError:
			s.logger.Warn("agent reported error", "description", ev.Description)
		case agent.SettingsApplied:
			// Duplicate ack after handshake. Nothing to do.
		case agent.Other:
			s.logger.Debug("unhandled agent event", "type", ev.Type)
		}
	}
}

func (s *Session) handleToolCall(ctx context.Context, call agent.ToolCallRequested) {
	s.logger.Info("tool call requested", "tool", call.Name, "tool_call_id", call.CallID)

	output := s.cfg.Registry.Execute(ctx, call.Name, call.Input)
	outcome := "ok"
	var status struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(output, &status) == nil && status.Status == "error" {
		outcome = "error"
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordToolCall(call.Name, outcome)
	}

	if err := s.cfg.Agent.SendToolResult(call.CallID, output); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("sending tool result failed", "tool", call.Name, "error", err)
		}
	}
}

// paceLoop writes at most one buffered frame to the caller per tick,
// holding agent audio to wall-clock playback rate no matter how fast it
// arrived.
func (s *Session) paceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := s.playout.NextFrame(audio.FrameBytes)
			if frame == nil {
				continue
			}
			if err := s.cfg.Telephony.WriteAudio(frame); err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("writing paced frame failed", "error", err)
					s.endWith("telephony_write_failed")
				}
				return
			}
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordPacedFrame()
			}
		}
	}
}
