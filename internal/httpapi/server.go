package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/oratio/internal/agent"
	"github.com/antoniostano/oratio/internal/config"
	"github.com/antoniostano/oratio/internal/latency"
	"github.com/antoniostano/oratio/internal/observability"
	"github.com/antoniostano/oratio/internal/orchestrator"
	"github.com/antoniostano/oratio/internal/session"
	"github.com/antoniostano/oratio/internal/token"
)

// Orchestrator is the slice of session orchestration the HTTP surface needs.
type Orchestrator interface {
	CreateSession(ctx context.Context, userID, scenarioID, language string) (*orchestrator.CreateResult, error)
	Terminate(ctx context.Context, sessionID string) error
	RunTurn(ctx context.Context, sessionID, audioB64, language string) (*orchestrator.TurnResult, error)
	ListActive() map[string]*session.Session
	Session(sessionID string) (*session.Session, error)
	Latency(sessionID string) latency.Summary
	AgentStatus(sessionID string) (agent.Status, bool)
	QueueDepth(ctx context.Context) int
	Subscribe(sessionID string) (<-chan any, func())
}

type Server struct {
	cfg      config.Config
	orch     Orchestrator
	issuer   *token.Issuer
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, orch Orchestrator, issuer *token.Issuer, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		orch:    orch,
		issuer:  issuer,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up, so other websites
				// cannot attach to a user's session stream.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/active", s.handleListActive)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/audio", s.handleSessionAudio)
	r.Get("/v1/sessions/{id}/events", s.handleSessionEvents)

	r.Post("/v1/livekit/token", s.handleIssueToken)

	r.Get("/monitoring/latency", s.handleLatency)
	r.Get("/monitoring/status", s.handleStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	UserID     string `json:"user_id"`
	ScenarioID string `json:"scenario_id"`
	Language   string `json:"language"`
}

type createSessionResponse struct {
	SessionID        string `json:"session_id"`
	RoomName         string `json:"room_name"`
	ParticipantToken string `json:"participant_token"`
	AgentConnected   bool   `json:"agent_connected"`
	AgentIdentity    string `json:"agent_identity"`
	State            string `json:"state"`
	Language         string `json:"language"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	res, err := s.orch.CreateSession(r.Context(), req.UserID, req.ScenarioID, req.Language)
	if err != nil {
		if errors.Is(err, token.ErrNotConfigured) {
			respondError(w, http.StatusServiceUnavailable, "not_configured", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:        res.Session.ID,
		RoomName:         res.Session.RoomName,
		ParticipantToken: res.ParticipantToken,
		AgentConnected:   res.AgentConnected,
		AgentIdentity:    res.AgentIdentity,
		State:            string(res.Session.State),
		Language:         res.Session.Language,
	})
}

func (s *Server) handleListActive(w http.ResponseWriter, _ *http.Request) {
	active := s.orch.ListActive()
	respondJSON(w, http.StatusOK, map[string]any{
		"total_active":    len(active),
		"active_sessions": active,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.orch.Session(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	resp := map[string]any{"session": sess}
	if status, ok := s.orch.AgentStatus(id); ok {
		resp["agent"] = status
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.orch.Terminate(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "terminate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "state": string(session.StateEnded)})
}

type sessionAudioRequest struct {
	AudioB64 string `json:"audio_b64"`
	Language string `json:"language"`
}

func (s *Server) handleSessionAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sessionAudioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AudioB64) == "" {
		respondError(w, http.StatusBadRequest, "missing_audio", "audio_b64 is required")
		return
	}

	turn, err := s.orch.RunTurn(r.Context(), id, req.AudioB64, req.Language)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		case isSaturated(err):
			respondError(w, http.StatusTooManyRequests, "queue_saturated", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "turn_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, turn)
}

type issueTokenRequest struct {
	RoomName       string `json:"room_name"`
	Identity       string `json:"identity"`
	Name           string `json:"name"`
	CanPublish     *bool  `json:"can_publish"`
	CanSubscribe   *bool  `json:"can_subscribe"`
	CanPublishData *bool  `json:"can_publish_data"`
	Hidden         bool   `json:"hidden"`
	TTLSeconds     int    `json:"ttl_seconds"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	grants := token.ParticipantGrants()
	if req.CanPublish != nil {
		grants.CanPublish = *req.CanPublish
	}
	if req.CanSubscribe != nil {
		grants.CanSubscribe = *req.CanSubscribe
	}
	if req.CanPublishData != nil {
		grants.CanPublishData = *req.CanPublishData
	}
	grants.Hidden = req.Hidden

	jwt, err := s.issuer.Issue(req.RoomName, req.Identity, req.Name, grants, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(w, http.StatusBadRequest, "token_issue_failed", err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.TokensIssued.WithLabelValues("explicit").Inc()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"token":     jwt,
		"room_name": req.RoomName,
		"identity":  req.Identity,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
