// Package protocol defines the websocket frames of the chat transport.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientPrompt       MessageType = "client_prompt"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeErrorEvent         MessageType = "error_event"
)

// Turn end reasons.
const (
	ReasonCompleted = "completed"
	ReasonTruncated = "truncated"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientPrompt struct {
	Type   MessageType `json:"type"`
	Prompt string      `json:"prompt"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	PersonaID string      `json:"persona_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	PersonaID string      `json:"persona_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
	Writeback string      `json:"writeback,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	PersonaID string      `json:"persona_id,omitempty"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPrompt:
		var msg ClientPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Prompt) == "" {
			return nil, errors.New("invalid client_prompt")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the frame type of a known message value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientPrompt:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case AssistantTurnEnd:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
