// Package protocol defines the typed server-push messages for the session
// event websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies websocket payload variants.
type EventType string

const (
	TypeSessionState EventType = "session_state"
	TypeAgentStatus  EventType = "agent_status"
	TypeTurnResult   EventType = "turn_result"
	TypeErrorEvent   EventType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported event type")

type Envelope struct {
	Type EventType `json:"type"`
}

// SessionState announces a lifecycle transition of the session.
type SessionState struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	TSMs      int64     `json:"ts_ms"`
}

// AgentStatus announces a change of the coaching agent's room connection.
type AgentStatus struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Identity  string    `json:"identity"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	TSMs      int64     `json:"ts_ms"`
}

// TurnResult carries a completed conversational turn back to the client.
type TurnResult struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id"`
	UserText   string    `json:"user_text"`
	CoachText  string    `json:"coach_text"`
	Emotion    string    `json:"emotion"`
	DurationMS float64   `json:"duration_ms"`
	TSMs       int64     `json:"ts_ms"`
}

// ErrorEvent reports a failure scoped to one session.
type ErrorEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	Retryable bool      `json:"retryable"`
	Detail    string    `json:"detail"`
	TSMs      int64     `json:"ts_ms"`
}

func nowMS() int64 { return time.Now().UnixMilli() }

func NewSessionState(sessionID, state string) SessionState {
	return SessionState{Type: TypeSessionState, SessionID: sessionID, State: state, TSMs: nowMS()}
}

func NewAgentStatus(sessionID, identity, state, detail string) AgentStatus {
	return AgentStatus{Type: TypeAgentStatus, SessionID: sessionID, Identity: identity, State: state, Detail: detail, TSMs: nowMS()}
}

func NewTurnResult(sessionID, turnID, userText, coachText, emotion string, durationMS float64) TurnResult {
	return TurnResult{
		Type:       TypeTurnResult,
		SessionID:  sessionID,
		TurnID:     turnID,
		UserText:   userText,
		CoachText:  coachText,
		Emotion:    emotion,
		DurationMS: durationMS,
		TSMs:       nowMS(),
	}
}

func NewErrorEvent(sessionID, source, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, SessionID: sessionID, Source: source, Retryable: retryable, Detail: detail, TSMs: nowMS()}
}

// ParseEvent decodes a server-push event into its typed form. Used by
// clients and by the websocket tests.
func ParseEvent(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionState:
		var msg SessionState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.State == "" {
			return nil, errors.New("invalid session_state")
		}
		return msg, nil
	case TypeAgentStatus:
		var msg AgentStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.State == "" {
			return nil, errors.New("invalid agent_status")
		}
		return msg, nil
	case TypeTurnResult:
		var msg TurnResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.TurnID == "" {
			return nil, errors.New("invalid turn_result")
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Source == "" {
			return nil, errors.New("invalid error_event")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
