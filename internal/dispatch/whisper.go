package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/oratio/internal/reliability"
)

// WhisperTranscriber calls a Whisper ASR sidecar over HTTP. The sidecar
// loads its model at startup, so Warmup only verifies reachability.
type WhisperTranscriber struct {
	url        string
	httpClient *http.Client

	warmOnce sync.Once
	warmErr  error
}

func NewWhisperTranscriber(url string, timeout time.Duration) *WhisperTranscriber {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WhisperTranscriber{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (w *WhisperTranscriber) Warmup(ctx context.Context) error {
	w.warmOnce.Do(func() {
		base := strings.TrimSuffix(w.url, "/transcribe")
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
		if err != nil {
			w.warmErr = err
			return
		}
		res, err := w.httpClient.Do(req)
		if err != nil {
			w.warmErr = fmt.Errorf("whisper service unreachable: %w", err)
			return
		}
		defer res.Body.Close()
		_, _ = io.Copy(io.Discard, res.Body)
		// Any HTTP answer means the process is up; older sidecars have no
		// health route and return 404.
	})
	return w.warmErr
}

type whisperRequest struct {
	SessionID string `json:"session_id"`
	AudioB64  string `json:"audio_b64"`
	Language  string `json:"language"`
}

type whisperResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, task Task) (Transcript, error) {
	payload, err := json.Marshal(whisperRequest{
		SessionID: task.SessionID,
		AudioB64:  task.AudioB64,
		Language:  task.Language,
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("marshal transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.httpClient.Do(req)
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return Transcript{}, fmt.Errorf("whisper service busy (%d): %s", res.StatusCode, strings.TrimSpace(string(body)))
		}
		return Transcript{}, fmt.Errorf("whisper service error (%d): %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out whisperResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Transcript{}, fmt.Errorf("decode transcription response: %w", err)
	}
	if out.Error != "" {
		return Transcript{}, fmt.Errorf("whisper service: %s", out.Error)
	}

	return Transcript{
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		Text:       out.Text,
		Confidence: out.Confidence,
	}, nil
}
