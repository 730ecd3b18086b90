// Package session owns the registry of live coaching sessions. Records are
// mutated only through registry methods; all reads hand out clones so callers
// never see a half-applied transition.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a session.
type State string

const (
	StateCreated         State = "created"
	StateAgentConnecting State = "agent_connecting"
	StateActive          State = "active"
	StateActiveNoAgent   State = "active_no_agent"
	StateEnded           State = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session binds a user, a media room, and optionally an attached agent.
type Session struct {
	ID            string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	RoomName      string    `json:"room_name"`
	ScenarioID    string    `json:"scenario_id"`
	Language      string    `json:"language"`
	State         State     `json:"state"`
	AgentIdentity string    `json:"agent_identity,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Live reports whether the session still accepts turns.
func (s *Session) Live() bool {
	switch s.State {
	case StateActive, StateActiveNoAgent, StateAgentConnecting, StateCreated:
		return true
	}
	return false
}

// RoomName derives the media room for a session. Deterministic so that
// diagnostics can reconstruct the room from the session ID alone.
func RoomName(prefix, sessionID string) string {
	return prefix + "-" + sessionID
}

// Registry is the mutex-guarded session store with an idle janitor.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	roomPrefix        string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewRegistry(roomPrefix string, inactivityTimeout time.Duration) *Registry {
	if roomPrefix == "" {
		roomPrefix = "oratio"
	}
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*Session),
		roomPrefix:        roomPrefix,
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers the callback invoked (outside the registry lock)
// for every session the janitor times out.
func (r *Registry) SetExpireHook(hook func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Create registers a new session in the created state.
func (r *Registry) Create(userID, scenarioID, language string) *Session {
	now := time.Now().UTC()
	id := uuid.NewString()
	s := &Session{
		ID:         id,
		UserID:     userID,
		RoomName:   RoomName(r.roomPrefix, id),
		ScenarioID: scenarioID,
		Language:   language,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return clone(s)
}

func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// SetState transitions a session and bumps its activity timestamp. An ended
// session is terminal: any further transition (besides ended itself) is
// rejected with ErrNotFound, matching the registry no longer owning it.
func (r *Registry) SetState(sessionID string, state State) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State == StateEnded && state != StateEnded {
		return nil, ErrNotFound
	}
	s.State = state
	s.UpdatedAt = time.Now().UTC()
	return clone(s), nil
}

// SetAgentIdentity records the identity under which the agent joined.
func (r *Registry) SetAgentIdentity(sessionID, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.AgentIdentity = identity
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// Touch bumps the activity timestamp so the janitor keeps the session alive.
func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// End marks a session ended and evicts it from the registry, returning its
// final snapshot. Idempotent through ErrNotFound on repeat calls.
func (r *Registry) End(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.State = StateEnded
	s.UpdatedAt = time.Now().UTC()
	delete(r.sessions, sessionID)
	return clone(s), nil
}

// ListActive returns a consistent snapshot of every live session keyed by ID.
func (r *Registry) ListActive() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		if s.Live() {
			out[id] = clone(s)
		}
	}
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Live() {
			count++
		}
	}
	return count
}

// StartJanitor sweeps idle sessions until ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireIdle()
			}
		}
	}()
}

func (r *Registry) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if !s.Live() {
			continue
		}
		if now.Sub(s.UpdatedAt) < r.inactivityTimeout {
			continue
		}
		s.State = StateEnded
		s.UpdatedAt = now
		delete(r.sessions, id)
		expired = append(expired, clone(s))
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
