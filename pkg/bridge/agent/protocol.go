package agent

import (
	"encoding/json"
	"strings"

	"github.com/carelink/voicebridge/pkg/bridge/tools"
)

// Settings is the one-time configuration message sent to the agent service
// immediately after the websocket opens. No audio may be sent before the
// service acknowledges it.
type Settings struct {
	Type     string        `json:"type"`
	Audio    AudioSettings `json:"audio"`
	Agent    AgentSettings `json:"agent"`
	Greeting string        `json:"greeting,omitempty"`
}

type AudioSettings struct {
	Input  AudioFormat `json:"input"`
	Output AudioFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type AgentSettings struct {
	Language string        `json:"language,omitempty"`
	Listen   ModelSelector `json:"listen"`
	Speak    ModelSelector `json:"speak"`
	Think    ThinkSettings `json:"think"`
}

type ModelSelector struct {
	Model string `json:"model"`
}

type ThinkSettings struct {
	Provider     string             `json:"provider,omitempty"`
	Model        string             `json:"model"`
	Instructions string             `json:"instructions"`
	Functions    []tools.Definition `json:"functions,omitempty"`
}

// Event is one inbound message from the agent service.
type Event interface {
	EventType() string
}

// AudioChunk is a binary frame of synthesized agent speech.
type AudioChunk struct {
	Data []byte
}

func (AudioChunk) EventType() string { return "AudioChunk" }

// SettingsApplied acknowledges the Settings handshake.
type SettingsApplied struct{}

func (SettingsApplied) EventType() string { return "SettingsApplied" }

// ToolCallRequested asks the bridge to execute a tool and respond with the
// matching call ID.
type ToolCallRequested struct {
	Name   string
	CallID string
	Input  json.RawMessage
}

func (ToolCallRequested) EventType() string { return "FunctionCallRequest" }

// UserStartedSpeaking signals barge-in: the caller spoke over agent playback.
type UserStartedSpeaking struct{}

func (UserStartedSpeaking) EventType() string { return "UserStartedSpeaking" }

// AgentError is a non-fatal error report from the agent service.
type AgentError struct {
	Description string
}

func (AgentError) EventType() string { return "Error" }

// Other is any text event the bridge does not act on.
type Other struct {
	Type string
	Raw  json.RawMessage
}

func (Other) EventType() string { return "Other" }

func decodeTextEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errProtocol("invalid json event")
	}

	switch strings.TrimSpace(envelope.Type) {
	case "SettingsApplied":
		return SettingsApplied{}, nil
	case "FunctionCallRequest":
		var msg struct {
			FunctionName   string          `json:"function_name"`
			FunctionCallID string          `json:"function_call_id"`
			Input          json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, errProtocol("invalid function call request")
		}
		if strings.TrimSpace(msg.FunctionName) == "" {
			return nil, errProtocol("function call request without function_name")
		}
		return ToolCallRequested{Name: msg.FunctionName, CallID: msg.FunctionCallID, Input: msg.Input}, nil
	case "UserStartedSpeaking":
		return UserStartedSpeaking{}, nil
	case "Error":
		var msg struct {
			Description string `json:"description"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, errProtocol("invalid error event")
		}
		return AgentError{Description: msg.Description}, nil
	default:
		return Other{Type: envelope.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

type functionCallResponse struct {
	Type           string `json:"type"`
	FunctionCallID string `json:"function_call_id"`
	Output         string `json:"output"`
}

type injectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
