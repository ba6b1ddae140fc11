// Package server wires the HTTP surface of the bridge: the telephony
// websocket endpoint, call preparation, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carelink/voicebridge/pkg/bridge/agent"
	"github.com/carelink/voicebridge/pkg/bridge/config"
	"github.com/carelink/voicebridge/pkg/bridge/metrics"
	"github.com/carelink/voicebridge/pkg/bridge/session"
	"github.com/carelink/voicebridge/pkg/bridge/sessions"
	"github.com/carelink/voicebridge/pkg/bridge/store"
	"github.com/carelink/voicebridge/pkg/bridge/telephony"
	"github.com/carelink/voicebridge/pkg/bridge/tools"
	"github.com/carelink/voicebridge/pkg/ehr/reminder"
)

// AgentDialer opens a connection to the agent service. Injectable so tests
// can stand in a fake agent.
type AgentDialer func(ctx context.Context, endpoint, apiKey string, settings agent.Settings) (session.AgentConn, error)

// CallPlanner prepares the context for one reminder call.
type CallPlanner interface {
	PlanCall(ctx context.Context, phoneNumber string) (reminder.Plan, error)
}

// Server holds the bridge's HTTP dependencies.
type Server struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	store     *store.Store
	tracker   *sessions.Tracker
	planner   CallPlanner
	dialAgent AgentDialer

	draining atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger, m *metrics.Metrics, planner CallPlanner) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   store.New(),
		tracker: sessions.NewTracker(),
		planner: planner,
		dialAgent: func(ctx context.Context, endpoint, apiKey string, settings agent.Settings) (session.AgentConn, error) {
			return agent.Dial(ctx, endpoint, apiKey, settings, cfg.WSWriteTimeout)
		},
	}
}

// Store exposes the pending-call store, used by tests and call preparation.
func (s *Server) Store() *store.Store { return s.store }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/voice/{call_id}", s.handleVoice)
	mux.HandleFunc("POST /calls", s.handlePrepareCall)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// SetDraining makes the server refuse new sessions and call preparation.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// CancelSessions force-drains every live relay session.
func (s *Server) CancelSessions() int {
	return s.tracker.CancelAll()
}

// WaitSessions blocks until live sessions end or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	if s.draining.Load() {
		status = "draining"
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          status,
		"active_sessions": s.tracker.Count(),
	})
}

type prepareCallRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type prepareCallResponse struct {
	CallID       string `json:"call_id"`
	PatientName  string `json:"patient_name"`
	Appointments int    `json:"appointments"`
}

// handlePrepareCall builds the call context for a phone number and stores it
// under a fresh call ID. The telephony platform is then told to open its
// media websocket at /ws/voice/{call_id}.
func (s *Server) handlePrepareCall(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		httpError(w, http.StatusServiceUnavailable, "draining")
		return
	}

	var req prepareCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		httpError(w, http.StatusBadRequest, "phone_number is required")
		return
	}

	plan, err := s.planner.PlanCall(r.Context(), req.PhoneNumber)
	if errors.Is(err, reminder.ErrPatientNotFound) {
		httpError(w, http.StatusNotFound, "no patient with that phone number")
		return
	}
	if err != nil {
		s.logger.Error("call planning failed", "error", err)
		httpError(w, http.StatusInternalServerError, "call planning failed")
		return
	}

	callID := uuid.NewString()
	s.store.Put(store.CallContext{
		CallID:       callID,
		Instructions: plan.Instructions,
		Greeting:     plan.Greeting,
		ToolDefs:     plan.Definitions,
		Handlers:     plan.Handlers,
		Summary:      plan.PatientName,
	})
	s.logger.Info("call prepared", "call_id", callID,
		"patient", plan.PatientName, "appointments", len(plan.Appointments))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(prepareCallResponse{
		CallID:       callID,
		PatientName:  plan.PatientName,
		Appointments: len(plan.Appointments),
	})
}

// handleVoice upgrades the telephony websocket and runs the relay session
// for the call. A call ID with no prepared context is rejected with a policy
// violation close before any relay loop starts.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		httpError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	callID := r.PathValue("call_id")

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	tel := telephony.NewConn(conn, s.cfg.WSWriteTimeout)

	callCtx, ok := s.store.Take(callID)
	if !ok {
		s.logger.Warn("websocket for unknown call", "call_id", callID)
		tel.Close(websocket.ClosePolicyViolation, "unknown call")
		return
	}

	logger := s.logger.With("call_id", callID)

	registry, err := tools.NewRegistry(logger, callCtx.ToolDefs, callCtx.Handlers)
	if err != nil {
		logger.Error("tool registry rejected call context", "error", err)
		tel.Close(websocket.CloseInternalServerErr, "tool configuration invalid")
		return
	}

	greeting := callCtx.Greeting
	if greeting == "" {
		greeting = s.cfg.DefaultGreeting
	}
	settings := agent.Settings{
		Audio: agent.AudioSettings{
			Input:  agent.AudioFormat{Encoding: "linear16", SampleRate: 16000},
			Output: agent.AudioFormat{Encoding: "linear16", SampleRate: 16000},
		},
		Agent: agent.AgentSettings{
			Language: s.cfg.AgentLanguage,
			Listen:   agent.ModelSelector{Model: s.cfg.ListenModel},
			Speak:    agent.ModelSelector{Model: s.cfg.SpeakModel},
			Think: agent.ThinkSettings{
				Provider:     s.cfg.ThinkProvider,
				Model:        s.cfg.ThinkModel,
				Instructions: callCtx.Instructions,
				Functions:    callCtx.ToolDefs,
			},
		},
		Greeting: greeting,
	}

	dialCtx, dialCancel := context.WithTimeout(r.Context(), 15*time.Second)
	agentConn, err := s.dialAgent(dialCtx, s.cfg.AgentURL, s.cfg.AgentAPIKey, settings)
	dialCancel()
	if err != nil {
		logger.Error("agent connect failed", "error", err)
		tel.Close(websocket.CloseInternalServerErr, "agent unavailable")
		return
	}

	sess := session.New(session.Config{
		CallID:        callID,
		Telephony:     tel,
		Agent:         agentConn,
		Registry:      registry,
		Logger:        s.logger,
		Metrics:       s.metrics,
		FrameInterval: s.cfg.FrameInterval,
		HasGreeting:   greeting != "",
		OnClose: func() {
			s.store.Delete(callID)
		},
	})
	unregister := s.tracker.Register(callID, sess.Cancel)
	defer unregister()

	sess.Run(context.Background())
}

func httpError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
