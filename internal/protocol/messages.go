package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client control envelopes arrive as text frames. Audio arrives as binary
// frames, one utterance per frame.
const (
	TypeText      MessageType = "text"
	TypeLanguage  MessageType = "language"
	TypeAudioMeta MessageType = "audio_meta"
	TypeEnd       MessageType = "end"
)

const (
	TypeStatus     MessageType = "status"
	TypeTranscript MessageType = "transcript"
	TypeGreeting   MessageType = "greeting"
	TypeEmergency  MessageType = "emergency"
	TypeError      MessageType = "error"
	TypeDelta      MessageType = "delta"
)

// Session states reported through status envelopes.
const (
	StatusSettingUp  = "setting_up"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusEnded      = "ended"
	StatusFailed     = "failed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientText struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ClientLanguage struct {
	Type     MessageType `json:"type"`
	Language string      `json:"language"`
}

type ClientAudioMeta struct {
	Type     MessageType `json:"type"`
	MimeType string      `json:"mime_type"`
}

type ClientEnd struct {
	Type MessageType `json:"type"`
}

type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type Status struct {
	Type MessageType `json:"type"`
	Data StatusData  `json:"data"`
}

// Transcript carries one side of a turn. Audio is base64 in JSON.
type Transcript struct {
	Type        MessageType `json:"type"`
	Role        string      `json:"role"`
	Text        string      `json:"text"`
	Audio       []byte      `json:"audio,omitempty"`
	AudioFormat string      `json:"audio_format,omitempty"`
	Language    string      `json:"language,omitempty"`
}

type Greeting struct {
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	Audio       []byte      `json:"audio,omitempty"`
	AudioFormat string      `json:"audio_format,omitempty"`
}

type Emergency struct {
	Type              MessageType `json:"type"`
	Text              string      `json:"text"`
	Severity          string      `json:"severity,omitempty"`
	RecommendedAction string      `json:"recommended_action,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Code      string      `json:"code,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

type Delta struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func NewStatus(status, message string) Status {
	return Status{Type: TypeStatus, Data: StatusData{Status: status, Message: message}}
}

func NewError(code, text string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Text: text, Retryable: retryable}
}

func NewDelta(text string) Delta { return Delta{Type: TypeDelta, Text: text} }

// ParseClientMessage decodes a text frame into one of the client envelopes.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid text: empty")
		}
		return msg, nil
	case TypeLanguage:
		var msg ClientLanguage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Language) == "" {
			return nil, errors.New("invalid language: empty")
		}
		return msg, nil
	case TypeAudioMeta:
		var msg ClientAudioMeta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.MimeType) == "" {
			return nil, errors.New("invalid audio_meta: missing mime_type")
		}
		return msg, nil
	case TypeEnd:
		return ClientEnd{Type: TypeEnd}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
