// Package archive persists ended coaching sessions and their turns.
package archive

import (
	"context"
	"time"
)

// SessionRecord is the durable summary of a finished session.
type SessionRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	RoomName   string    `json:"room_name"`
	ScenarioID string    `json:"scenario_id"`
	Language   string    `json:"language"`
	FinalState string    `json:"final_state"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// TurnRecord is one completed conversational turn: what the user said and
// what the coach answered.
type TurnRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	UserText   string    `json:"user_text"`
	CoachText  string    `json:"coach_text"`
	Emotion    string    `json:"emotion"`
	DurationMS float64   `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists sessions and turns. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
