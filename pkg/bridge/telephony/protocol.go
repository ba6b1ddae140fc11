// Package telephony implements the wire codec and connection wrapper for the
// telephony call leg. The leg is a duplex websocket: inbound frames are either
// JSON events (start, media, stop) or raw binary PCM; outbound frames are
// binary PCM only.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	EventStart = "start"
	EventStop  = "stop"
	EventMedia = "media"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// Frame is one decoded inbound telephony frame. Exactly one of the event
// fields applies: Event names the JSON event, or Audio carries raw PCM when
// the peer sent a binary frame (Event is EventMedia in that case too).
type Frame struct {
	Event string
	Audio []byte
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type eventEnvelope struct {
	Event string        `json:"event"`
	Media *mediaPayload `json:"media,omitempty"`
}

// DecodeTextFrame decodes one inbound JSON event frame.
func DecodeTextFrame(data []byte) (Frame, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Frame{}, badFrame("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return Frame{}, badFrame("missing event", "event")
	}

	switch event {
	case EventStart, EventStop:
		return Frame{Event: event}, nil
	case EventMedia:
		if envelope.Media == nil {
			return Frame{}, badFrame("media event without media object", "media")
		}
		if strings.TrimSpace(envelope.Media.Payload) == "" {
			return Frame{}, badFrame("media.payload is required", "media.payload")
		}
		audio, err := base64.StdEncoding.DecodeString(envelope.Media.Payload)
		if err != nil {
			return Frame{}, badFrame("media.payload is not valid base64", "media.payload")
		}
		if len(audio) == 0 {
			return Frame{}, badFrame("media.payload decoded to zero bytes", "media.payload")
		}
		return Frame{Event: EventMedia, Audio: audio}, nil
	default:
		return Frame{}, badFrame(fmt.Sprintf("unknown event %q", event), "event")
	}
}
