package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioFrame    MessageType = "client_audio_frame"
	TypeClientControl       MessageType = "client_control"
	TypeStateSnapshot       MessageType = "state_snapshot"
	TypeRecognizerPartial   MessageType = "recognizer_partial"
	TypeRecognizerCommitted MessageType = "recognizer_committed"
	TypeAssistantTextDelta  MessageType = "assistant_text_delta"
	TypeAssistantAudio      MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd    MessageType = "assistant_turn_end"
	TypeSignal              MessageType = "signal"
	TypeErrorEvent          MessageType = "error_event"
)

// Control actions accepted on client_control.
const (
	ActionStart     = "start"
	ActionPause     = "pause"
	ActionResume    = "resume"
	ActionStop      = "stop"
	ActionReset     = "reset"
	ActionCommit    = "commit"
	ActionInterrupt = "interrupt"
)

// Signal codes emitted on signal messages.
const (
	SignalSynthesisUnitFailed   = "synthesis_unit_failed"
	SignalInterruptionCandidate = "interruption_candidate"
	SignalInterruptionConfirmed = "interruption_confirmed"
	SignalInterruptionDismissed = "interruption_dismissed"
	SignalAssistantFirstAudio   = "assistant_first_audio"
	SignalEndpointHint          = "endpoint_hint"
	SignalCircuitTransition     = "circuit_transition"
	SignalSessionPaused         = "session_paused"
	SignalSessionResumed        = "session_resumed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioFrame carries one captured PCM16 mono frame from the learner.
type ClientAudioFrame struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// HistoryMessage is one finished conversation entry in a snapshot.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StateSnapshot is emitted whenever the turn state changes. PendingResponse
// carries the assistant text streamed so far for the in-progress turn and
// Interim the unfinalized user transcript, so a reconnecting client can
// redraw the whole conversation surface from one message.
type StateSnapshot struct {
	Type            MessageType      `json:"type"`
	SessionID       string           `json:"session_id"`
	State           string           `json:"state"`
	TurnID          string           `json:"turn_id,omitempty"`
	Interim         string           `json:"interim,omitempty"`
	PendingResponse string           `json:"pending_response,omitempty"`
	History         []HistoryMessage `json:"history,omitempty"`
	TSMs            int64            `json:"ts_ms"`
}

type RecognizerPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type RecognizerCommitted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

// Signal reports a non-fatal event the client may want to react to, like a
// skipped synthesis unit or a resolved interruption.
type Signal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Seq       int         `json:"seq,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Class     string      `json:"class,omitempty"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioFrame:
		var msg ClientAudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
