// Package speech turns coach replies into audio.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrSynthesis is returned for any failure that would otherwise hand corrupt
// audio to the caller.
var ErrSynthesis = errors.New("speech: synthesis failed")

// Synthesizer renders text into encoded audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, speakerID, emotion, language string) ([]byte, error)
}

// emotionSpeakers maps an emotional coloring onto a voice preset. Unknown
// emotions fall back to the configured default voice.
var emotionSpeakers = map[string]string{
	"enthousiaste":  "p234",
	"calme":         "p240",
	"encouragement": "p245",
}

type httpRequest struct {
	Text       string `json:"text"`
	SpeakerID  string `json:"speaker_id"`
	LanguageID string `json:"language_id"`
	Format     string `json:"response_format"`
}

// HTTPSynthesizer calls a Piper-style TTS endpoint that answers with raw
// audio bytes.
type HTTPSynthesizer struct {
	baseURL      string
	defaultVoice string
	client       *http.Client
}

func NewHTTPSynthesizer(baseURL, defaultVoice string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		baseURL:      baseURL,
		defaultVoice: defaultVoice,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text, speakerID, emotion, language string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrSynthesis)
	}
	if speakerID == "" {
		speakerID = s.speakerFor(emotion)
	}

	body, err := json.Marshal(httpRequest{
		Text:       text,
		SpeakerID:  speakerID,
		LanguageID: language,
		Format:     "wav",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrSynthesis, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/tts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: endpoint answered %d", ErrSynthesis, resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrSynthesis, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: endpoint answered with no audio", ErrSynthesis)
	}
	return audio, nil
}

func (s *HTTPSynthesizer) speakerFor(emotion string) string {
	if v, ok := emotionSpeakers[emotion]; ok {
		return v
	}
	return s.defaultVoice
}
