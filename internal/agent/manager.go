// Package agent manages the lifecycle of the conversational agent inside a
// LiveKit room: joining as a hidden participant, publishing the voice track,
// and tearing down when the session ends.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/oratio/internal/observability"
	"github.com/antoniostano/oratio/internal/reliability"
	"github.com/antoniostano/oratio/internal/token"
)

// State tracks where a session's agent is in its connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StatePublishing   State = "publishing"
	StateFailed       State = "failed"
)

var (
	// ErrConnectFailed is returned once every connection attempt for a
	// session has been exhausted.
	ErrConnectFailed = errors.New("agent: connect failed")
	// ErrConnectTimeout marks an exhaustion caused by unreachable room or
	// server rather than a rejected join.
	ErrConnectTimeout = errors.New("agent: connect timeout")
	// ErrPublish marks a join that succeeded but whose media negotiation or
	// track publish failed.
	ErrPublish = errors.New("agent: publish failed")
	// ErrNotConnected is returned when a publish is requested for a session
	// whose agent holds no live room connection.
	ErrNotConnected = errors.New("agent: not connected")
)

// Conn is a live connection to a room, able to push synthesized audio.
type Conn interface {
	// PublishAudio writes one utterance of encoded audio to the agent's
	// published track.
	PublishAudio(ctx context.Context, pcmFrames [][]byte, frameDuration time.Duration) error
	Close() error
}

// Dialer joins a room with a pre-issued token and returns the live
// connection. Implementations publish the agent's audio track as part of the
// join so callers observe a room where the agent is immediately audible.
type Dialer interface {
	Dial(ctx context.Context, room, identity, jwt string) (Conn, error)
}

// Status is a point-in-time snapshot of one session's agent.
type Status struct {
	SessionID string    `json:"session_id"`
	Identity  string    `json:"identity"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// StateChange is pushed to the registered listener whenever a session's agent
// transitions state.
type StateChange struct {
	SessionID string
	Identity  string
	State     State
	Err       error
}

type Config struct {
	ConnectTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

type handle struct {
	mu        sync.Mutex
	sessionID string
	identity  string
	state     State
	attempts  int
	updatedAt time.Time
	lastErr   error
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager connects one agent per session and serializes all lifecycle
// operations per session, so concurrent Connect calls for the same session
// collapse into a single join attempt.
type Manager struct {
	dialer  Dialer
	issuer  *token.Issuer
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	handles  map[string]*handle
	onChange func(StateChange)
}

func NewManager(dialer Dialer, issuer *token.Issuer, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 8 * time.Second
	}
	return &Manager{
		dialer:  dialer,
		issuer:  issuer,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		handles: make(map[string]*handle),
	}
}

// OnStateChange registers the single listener notified on every agent state
// transition. Must be called before the first Connect.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Identity returns the deterministic room identity the agent uses for a
// session.
func Identity(sessionID string) string {
	return "agent-" + sessionID
}

// Connect joins the agent into the session's room, retrying transient
// failures with bounded backoff. It blocks until the agent is connected or
// every attempt is spent. Calling Connect again for an already connected or
// currently connecting session is a no-op for the duplicate caller: it waits
// on the in-flight attempt and returns its outcome.
func (m *Manager) Connect(ctx context.Context, sessionID, room, userID string) error {
	identity := Identity(sessionID)

	m.mu.Lock()
	h, ok := m.handles[sessionID]
	if ok {
		h.mu.Lock()
		switch h.state {
		case StateConnected, StatePublishing:
			h.mu.Unlock()
			m.mu.Unlock()
			return nil
		case StateConnecting:
			done := h.done
			h.mu.Unlock()
			m.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return m.connectOutcome(sessionID)
		}
		h.mu.Unlock()
	} else {
		h = &handle{sessionID: sessionID, identity: identity, state: StateDisconnected}
		m.handles[sessionID] = h
	}

	connectCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.mu.Lock()
	h.state = StateConnecting
	h.attempts = 0
	h.lastErr = nil
	h.updatedAt = time.Now().UTC()
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()
	m.mu.Unlock()

	m.notify(StateChange{SessionID: sessionID, Identity: identity, State: StateConnecting})

	go m.runConnect(connectCtx, h, room, userID)

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.connectOutcome(sessionID)
}

func (m *Manager) connectOutcome(sessionID string) error {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %s cleaned up mid-connect", ErrConnectFailed, sessionID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateConnected || h.state == StatePublishing {
		return nil
	}
	if h.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, h.lastErr)
	}
	return ErrConnectFailed
}

func (m *Manager) runConnect(ctx context.Context, h *handle, room, userID string) {
	log := m.log.With().Str("session_id", h.sessionID).Str("room", room).Str("user_id", userID).Logger()

	defer func() {
		h.mu.Lock()
		done := h.done
		h.done = nil
		h.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, m.cfg.BackoffBase, m.cfg.BackoffCap)
			log.Warn().Err(lastErr).Dur("retry_in", wait).Int("attempt", attempt).Msg("agent join failed, retrying")
			select {
			case <-ctx.Done():
				m.settleFailure(h, ctx.Err())
				return
			case <-time.After(wait):
			}
		}

		h.mu.Lock()
		h.attempts = attempt + 1
		h.updatedAt = time.Now().UTC()
		h.mu.Unlock()

		jwt, err := m.issuer.Issue(room, h.identity, "Oratio Agent", token.AgentGrants(), 0)
		if err != nil {
			// A signing failure will not heal with retries.
			m.settleFailure(h, err)
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		conn, err := m.dialer.Dial(dialCtx, room, h.identity, jwt)
		cancel()
		if err == nil {
			h.mu.Lock()
			h.conn = conn
			h.state = StateConnected
			h.lastErr = nil
			h.updatedAt = time.Now().UTC()
			h.mu.Unlock()
			if m.metrics != nil {
				m.metrics.AgentConnects.WithLabelValues("connected").Inc()
			}
			log.Info().Int("attempts", attempt+1).Msg("agent joined room")
			m.notify(StateChange{SessionID: h.sessionID, Identity: h.identity, State: StateConnected})
			return
		}

		lastErr = err
		if !reliability.IsRetryableConnectError(err) {
			break
		}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		lastErr = fmt.Errorf("%w: %v", ErrConnectTimeout, lastErr)
	}
	m.settleFailure(h, lastErr)
}

func (m *Manager) settleFailure(h *handle, err error) {
	h.mu.Lock()
	h.state = StateFailed
	h.lastErr = err
	h.updatedAt = time.Now().UTC()
	h.mu.Unlock()
	if m.metrics != nil {
		m.metrics.AgentConnects.WithLabelValues("failed").Inc()
	}
	m.log.Error().Err(err).Str("session_id", h.sessionID).Msg("agent connect exhausted")
	m.notify(StateChange{SessionID: h.sessionID, Identity: h.identity, State: StateFailed, Err: err})
}

// Publish pushes one synthesized utterance through the session's agent
// connection.
func (m *Manager) Publish(ctx context.Context, sessionID string, pcmFrames [][]byte, frameDuration time.Duration) error {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	h.mu.Lock()
	conn := h.conn
	if conn == nil {
		h.mu.Unlock()
		return ErrNotConnected
	}
	h.state = StatePublishing
	h.updatedAt = time.Now().UTC()
	h.mu.Unlock()

	err := conn.PublishAudio(ctx, pcmFrames, frameDuration)

	h.mu.Lock()
	if h.state == StatePublishing {
		h.state = StateConnected
		h.updatedAt = time.Now().UTC()
	}
	h.mu.Unlock()
	return err
}

// Status reports the current agent state for a session without side effects.
func (m *Manager) Status(sessionID string) (Status, bool) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Status{
		SessionID: h.sessionID,
		Identity:  h.identity,
		State:     h.state,
		Attempts:  h.attempts,
		UpdatedAt: h.updatedAt,
	}
	if h.lastErr != nil {
		s.LastError = h.lastErr.Error()
	}
	return s, true
}

// Cleanup disconnects the session's agent and forgets its handle. Safe to
// call for unknown sessions and safe to call twice; an in-flight connect is
// cancelled.
func (m *Manager) Cleanup(sessionID string) {
	m.mu.Lock()
	h, ok := m.handles[sessionID]
	if ok {
		delete(m.handles, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	conn := h.conn
	h.conn = nil
	h.state = StateDisconnected
	h.updatedAt = time.Now().UTC()
	h.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("agent disconnect failed")
		}
	}
	m.notify(StateChange{SessionID: sessionID, Identity: Identity(sessionID), State: StateDisconnected})
}

// CloseAll tears down every live agent, used during server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Cleanup(id)
	}
}

func (m *Manager) notify(change StateChange) {
	m.mu.Lock()
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}
