package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/antoniostano/oratio/internal/dispatch"
)

func isSaturated(err error) bool {
	return errors.Is(err, dispatch.ErrQueueSaturated)
}

// handleLatency reports aggregated stage latency. An unknown session scope
// still answers 200 with a zeroed summary so dashboards never break.
func (s *Server) handleLatency(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	respondJSON(w, http.StatusOK, s.orch.Latency(sessionID))
}

type serviceStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// handleStatus is a best-effort health snapshot of the orchestrator's
// collaborators. It never fails outright: unknown is an answer too.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	services := map[string]serviceStatus{
		"api":      {Status: "ok"},
		"livekit":  configuredStatus(s.cfg.LiveKitURL),
		"whisper":  configuredStatus(s.cfg.WhisperURL),
		"tts":      configuredStatus(s.cfg.TTSURL),
		"chat":     configuredStatus(s.cfg.ChatAPIKey),
		"redis":    configuredStatus(s.cfg.RedisURL),
		"database": configuredStatus(s.cfg.DatabaseURL),
	}

	depth := s.orch.QueueDepth(r.Context())
	queue := serviceStatus{Status: "ok"}
	if depth < 0 {
		queue = serviceStatus{Status: "unknown", Detail: "depth probe failed"}
	}
	services["speech_queue"] = queue

	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": len(s.orch.ListActive()),
		"queue_depth":     depth,
		"services":        services,
	})
}

func configuredStatus(value string) serviceStatus {
	if strings.TrimSpace(value) == "" {
		return serviceStatus{Status: "not_configured"}
	}
	return serviceStatus{Status: "configured"}
}
